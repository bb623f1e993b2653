package service

import "errors"

// Ошибки сервисного слоя. Репозиторные и FSM-ошибки переводятся
// в эти стабильные виды на границе сервиса.
var (
	// ErrNotFound — сущность не существует.
	ErrNotFound = errors.New("not found")

	// ErrWorkflowNotActive — trigger по workflow не в статусе active.
	ErrWorkflowNotActive = errors.New("workflow is not active")

	// ErrWorkflowNotDraft — изменение шагов workflow вне статуса draft.
	ErrWorkflowNotDraft = errors.New("workflow is not a draft")

	// ErrValidation — входные данные не прошли проверку.
	ErrValidation = errors.New("validation failed")

	// ErrRetryExhausted — retry-бюджет execution исчерпан.
	ErrRetryExhausted = errors.New("retry budget exhausted")
)
