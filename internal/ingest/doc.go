// Package ingest feeds chat platform events into the thread buffer.
//
// Two sources are provided:
//
//   - SlackHandler: an http.Handler for the Slack Events API
//   - MatrixSource: a mautrix sync loop
//
// Both apply the same policy. A message that addresses the bot registers its
// thread and is appended. Any other message inside a thread is appended, which
// the buffer silently drops when the thread was never registered. Bot messages,
// disallowed channels and redelivered events are ignored.
//
// Attachments are downloaded into the spool before the message is appended,
// so the buffer only ever carries local file paths. After each append the
// source calls Notifier.Notify so the flusher can schedule a drain.
package ingest
