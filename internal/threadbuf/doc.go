// Package threadbuf accumulates chat messages per conversation thread until a
// consumer drains them as a batch.
//
// # Threads
//
// A thread is identified by a ThreadKey: the channel (Slack channel ID or
// Matrix room ID) plus the thread's root timestamp (Slack ts or Matrix root
// event ID). Keys that differ in either component are independent.
//
// # Lifecycle
//
//	buf := threadbuf.New()
//	buf.Register("C123", "1700000000.000100")     // create-if-absent
//	buf.Append("C123", "1700000000.000100", msg)  // no-op unless registered
//	batch := buf.Drain("C123", "1700000000.000100") // read and clear
//
// Register is idempotent and never clears buffered messages. Append on a
// thread that was never registered silently drops the message. Drain returns
// everything appended so far in FIFO order and leaves the thread registered
// with an empty queue. Threads are never evicted.
//
// # Concurrency
//
// All operations are safe for concurrent use. The map is striped into shards
// by key hash; every operation on a key holds only that shard's mutex, so
// Register, Append and Drain on one key serialize through a single critical
// section while unrelated keys rarely contend. No operation performs I/O or
// waits on anything but its shard lock.
//
// There is no flush policy here. Timers, size thresholds and shutdown flushes
// belong to the caller (see package batcher).
package threadbuf
