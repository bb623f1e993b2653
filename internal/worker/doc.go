// Package worker — цикл воркера: dequeue, lease, запуск оркестратора,
// ack/nack.
//
// Воркер однопоточен в рамках одного цикла; параллелизм достигается
// количеством циклов (worker_concurrency) и количеством процессов.
// Чистое завершение Run подтверждается ack; при панике или
// инфраструктурной ошибке подтверждения нет — lease истекает и сообщение
// доставляется повторно.
package worker
