// Package service — сервисный слой движка: типизированные операции,
// которые потребляет API-слой и CLI.
//
// ExecutionService отвечает за допуск (идемпотентность), запуск, отмену,
// retry и чтение статуса; WorkflowService — за жизненный цикл определений.
// Бизнес-правила и переводы ошибок живут здесь, HTTP-слой остаётся тонким.
package service
