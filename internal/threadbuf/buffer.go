// ABOUTME: Thread-scoped message buffer keyed by channel and thread timestamp
// ABOUTME: Striped-lock map supporting register, append, and atomic drain

package threadbuf

import (
	"cmp"
	"hash/maphash"
	"slices"
	"sync"
)

// shardCount is the number of lock stripes. Must be a power of two.
const shardCount = 32

// ThreadKey identifies a conversation thread.
type ThreadKey struct {
	ChannelID string
	ThreadTS  string
}

// String returns "channel/thread" for logging.
func (k ThreadKey) String() string {
	return k.ChannelID + "/" + k.ThreadTS
}

// Attachment describes a file that arrived with a message. The buffer never
// opens or validates it.
type Attachment struct {
	OriginalName string `json:"original_name"`
	MimeType     string `json:"mime_type"`
	LocalPath    string `json:"local_path"`
	SizeBytes    int64  `json:"size_bytes"`
}

// Message is a single buffered chat message.
type Message struct {
	UserName    string       `json:"user_name"`
	Text        string       `json:"text"`
	Timestamp   string       `json:"timestamp"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// ThreadStat reports a registered thread and how many messages it holds.
type ThreadStat struct {
	Key     ThreadKey `json:"key"`
	Pending int       `json:"pending"`
}

// threadState is the queue owned by one key. Only accessed under its shard lock.
type threadState struct {
	messages []Message
}

type shard struct {
	mu      sync.Mutex
	threads map[ThreadKey]*threadState
}

// Buffer maps thread keys to FIFO message queues.
type Buffer struct {
	seed   maphash.Seed
	shards [shardCount]shard
}

// New creates an empty Buffer.
func New() *Buffer {
	b := &Buffer{seed: maphash.MakeSeed()}
	for i := range b.shards {
		b.shards[i].threads = make(map[ThreadKey]*threadState)
	}
	return b
}

func (b *Buffer) shardFor(key ThreadKey) *shard {
	h := maphash.Comparable(b.seed, key)
	return &b.shards[h&(shardCount-1)]
}

// Register creates an empty queue for the thread if none exists.
// Existing buffered messages are left untouched.
func (b *Buffer) Register(channelID, threadTS string) {
	key := ThreadKey{ChannelID: channelID, ThreadTS: threadTS}
	s := b.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.threads[key]; ok {
		return
	}
	s.threads[key] = &threadState{}
}

// HasThread reports whether the thread has been registered.
func (b *Buffer) HasThread(channelID, threadTS string) bool {
	key := ThreadKey{ChannelID: channelID, ThreadTS: threadTS}
	s := b.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.threads[key]
	return ok
}

// Append adds msg to the end of the thread's queue. Messages for threads that
// were never registered are dropped.
func (b *Buffer) Append(channelID, threadTS string, msg Message) {
	key := ThreadKey{ChannelID: channelID, ThreadTS: threadTS}
	// Copy outside the lock so the queue never aliases the caller's slice.
	msg.Attachments = slices.Clone(msg.Attachments)

	s := b.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.threads[key]
	if !ok {
		return
	}
	st.messages = append(st.messages, msg)
}

// Drain returns every message buffered for the thread in append order and
// empties the queue. The thread stays registered. Returns nil when the thread
// is unknown or empty.
func (b *Buffer) Drain(channelID, threadTS string) []Message {
	key := ThreadKey{ChannelID: channelID, ThreadTS: threadTS}
	s := b.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.threads[key]
	if !ok || len(st.messages) == 0 {
		return nil
	}
	out := st.messages
	st.messages = nil
	return out
}

// Pending returns the number of messages currently buffered for the thread.
func (b *Buffer) Pending(channelID, threadTS string) int {
	key := ThreadKey{ChannelID: channelID, ThreadTS: threadTS}
	s := b.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.threads[key]; ok {
		return len(st.messages)
	}
	return 0
}

// Threads lists every registered thread with its pending count, sorted by
// channel and then thread timestamp. Shards are read one at a time, so the
// result is not a single point-in-time snapshot across threads.
func (b *Buffer) Threads() []ThreadStat {
	var stats []ThreadStat
	for i := range b.shards {
		s := &b.shards[i]
		s.mu.Lock()
		for key, st := range s.threads {
			stats = append(stats, ThreadStat{Key: key, Pending: len(st.messages)})
		}
		s.mu.Unlock()
	}

	slices.SortFunc(stats, func(a, b ThreadStat) int {
		if c := cmp.Compare(a.Key.ChannelID, b.Key.ChannelID); c != 0 {
			return c
		}
		return cmp.Compare(a.Key.ThreadTS, b.Key.ThreadTS)
	})
	return stats
}
