// Package dedupe drops platform events that are delivered more than once.
//
// Slack retries Events API deliveries that are not acknowledged fast enough,
// and a Matrix sync restarted from an old token can replay events. Ingestion
// calls Cache.Seen with the platform event ID before touching the thread
// buffer; a true result means the event was already handled.
package dedupe
