// Package attachments spools files that arrive with chat messages.
//
// Ingestion downloads each file into the spool before appending the message
// to the thread buffer, so buffered messages only ever reference local paths.
// After a batch is delivered the relay calls Remove for its attachments.
//
// MIME types declared by the platform are kept unless they are generic
// (empty or application/octet-stream), in which case the type is detected
// from the file contents.
package attachments
