// Package relay forwards drained thread batches to coven-gateway and posts
// the answers back into the chat thread they came from.
//
// A Relay is the batcher.Sink for the service. For each batch it:
//
//  1. formats the messages into one prompt
//  2. looks up the gateway thread previously used for the chat thread
//  3. posts to the gateway's /api/send endpoint and reads the SSE stream
//  4. remembers the gateway thread ID for the next batch
//  5. replies through the SlackReplier or MatrixReplier
//  6. writes a ledger row and removes the batch's spooled attachments
//
// Failures are recorded in the ledger and returned; nothing is retried.
package relay
