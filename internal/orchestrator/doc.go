// Package orchestrator — ядро движка: доведение одного execution до
// устойчивого состояния.
//
// Orchestrator загружает определение workflow, идёт по шагам начиная с
// current_step_order, вызывает handler'ы через реестр, применяет retry-политику
// и фиксирует чекпоинт после каждого шага. Выполнение переживает падение
// воркера: завершённые шаги никогда не выполняются повторно.
package orchestrator
