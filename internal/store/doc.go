// Package store provides the relay's delivery ledger using SQLite.
//
// # Data Models
//
//   - BatchRecord: one drained batch, the gateway thread it went to, and
//     whether delivery succeeded
//   - gateway thread mapping: the gateway thread ID used for a chat thread,
//     so later batches on the same chat thread continue one conversation
//
// The ledger is written after a batch has been drained and handed to the
// gateway. It is never read back into the in-memory thread buffer.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Database file locations:
//
//   - Production: /var/lib/coven/relay.db
//   - Testing: t.TempDir() or :memory:
//
// # Errors
//
//   - ErrNotFound: no gateway thread is bound to the chat thread
//
// # Testing
//
// Use NewMockStore() for unit tests of collaborators.
package store
