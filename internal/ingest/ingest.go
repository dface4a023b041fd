// ABOUTME: Shared contracts for the ingestion collaborators that feed the thread buffer
// ABOUTME: Defines the buffer, notifier, and spool dependencies used by Slack and Matrix sources

package ingest

import (
	"context"
	"io"

	"github.com/2389/coven-relay/internal/threadbuf"
)

// Buffer is the subset of threadbuf.Buffer used by ingestion.
type Buffer interface {
	Register(channelID, threadTS string)
	HasThread(channelID, threadTS string) bool
	Append(channelID, threadTS string, msg threadbuf.Message)
}

// Notifier is told about every thread that just received a message, so the
// flush policy can start or reset its timers.
type Notifier interface {
	Notify(key threadbuf.ThreadKey)
}

// Spool stores attachment bytes on local disk.
type Spool interface {
	Save(ctx context.Context, name, declaredMime string, r io.Reader) (threadbuf.Attachment, error)
}

// Deduper drops events that were already handled.
type Deduper interface {
	Seen(key string) bool
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(key threadbuf.ThreadKey)

// Notify calls f(key).
func (f NotifierFunc) Notify(key threadbuf.ThreadKey) { f(key) }

// capture appends msg to an already-registered thread and notifies. When the
// thread is unknown the buffer drops the message and nobody is notified.
func capture(buf Buffer, n Notifier, key threadbuf.ThreadKey, msg threadbuf.Message) {
	buf.Append(key.ChannelID, key.ThreadTS, msg)
	if n == nil || !buf.HasThread(key.ChannelID, key.ThreadTS) {
		return
	}
	n.Notify(key)
}

// allowSet builds a lookup from a config allow-list. An empty list allows everything.
type allowSet map[string]bool

func newAllowSet(items []string) allowSet {
	if len(items) == 0 {
		return nil
	}
	s := make(allowSet, len(items))
	for _, it := range items {
		s[it] = true
	}
	return s
}

func (s allowSet) allows(item string) bool {
	return s == nil || s[item]
}
