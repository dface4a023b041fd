// Package batcher decides when buffered threads are drained.
//
// The thread buffer has no flush policy of its own. Flusher watches
// notifications from ingestion and drains a thread when:
//
//   - it has been quiet for QuietPeriod,
//   - MaxWait has passed since its first undelivered message, or
//   - MaxBatch messages are pending.
//
// Drained batches are handed to a Sink on a bounded pool of workers. A thread
// is never delivered by two workers at once: a notification that arrives
// while its batch is in flight re-arms the timer once delivery finishes.
//
// When Run's context ends, the flusher waits for in-flight deliveries and then
// drains every registered thread one last time within ShutdownTimeout.
// Failed deliveries are logged and not retried.
package batcher
