// ABOUTME: Batch sink that forwards drained thread batches to the gateway
// ABOUTME: Formats the prompt, keeps the gateway thread mapping, replies on the platform, and writes the ledger

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/coven-relay/internal/batcher"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/threadbuf"
)

// Gateway sends a prompt and waits for the full answer.
type Gateway interface {
	Send(ctx context.Context, req SendRequest, onEvent func(SSEEvent)) (SendResult, error)
}

// Ledger is the part of store.Store the relay writes to.
type Ledger interface {
	RecordBatch(ctx context.Context, rec *store.BatchRecord) error
	GetGatewayThread(ctx context.Context, channelID, threadTS string) (string, error)
	SetGatewayThread(ctx context.Context, channelID, threadTS, gatewayThreadID string) error
}

// AttachmentRemover deletes spooled attachment files once a batch is done.
type AttachmentRemover interface {
	Remove(atts ...threadbuf.Attachment)
}

// Relay delivers batches to the gateway and posts the answers back.
type Relay struct {
	gateway  Gateway
	ledger   Ledger
	spool    AttachmentRemover
	repliers map[string]Replier
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Relay. repliers is keyed by platform name; spool may be nil.
func New(gateway Gateway, ledger Ledger, spool AttachmentRemover, repliers map[string]Replier, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		gateway:  gateway,
		ledger:   ledger,
		spool:    spool,
		repliers: repliers,
		logger:   logger.With("component", "relay"),
		now:      time.Now,
	}
}

// Deliver implements batcher.Sink.
func (r *Relay) Deliver(ctx context.Context, batch batcher.Batch) error {
	attachments := batch.Attachments()
	if r.spool != nil && len(attachments) > 0 {
		defer r.spool.Remove(attachments...)
	}

	rec := &store.BatchRecord{
		ID:              batch.ID,
		Platform:        PlatformFor(batch.Key),
		ChannelID:       batch.Key.ChannelID,
		ThreadTS:        batch.Key.ThreadTS,
		MessageCount:    len(batch.Messages),
		AttachmentCount: len(attachments),
		DrainedAt:       batch.DrainedAt,
	}

	err := r.deliver(ctx, batch, rec)
	if err != nil {
		rec.Status = store.StatusFailed
		rec.Error = err.Error()
	} else {
		rec.Status = store.StatusDelivered
		delivered := r.now()
		rec.DeliveredAt = &delivered
	}

	// The ledger write must not be lost to a delivery timeout
	if lerr := r.ledger.RecordBatch(context.WithoutCancel(ctx), rec); lerr != nil {
		r.logger.Error("failed to record batch", "batch_id", batch.ID, "error", lerr)
	}
	return err
}

func (r *Relay) deliver(ctx context.Context, batch batcher.Batch, rec *store.BatchRecord) error {
	key := batch.Key
	logger := r.logger.With("batch_id", batch.ID, "thread", key.String())

	threadID, err := r.ledger.GetGatewayThread(ctx, key.ChannelID, key.ThreadTS)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Warn("gateway thread lookup failed, starting a new one", "error", err)
		threadID = ""
	}

	req := SendRequest{
		ThreadID:  threadID,
		Sender:    Senders(batch.Messages),
		Content:   FormatPrompt(batch.Messages),
		Frontend:  rec.Platform,
		ChannelID: key.ChannelID,
	}

	start := r.now()
	res, err := r.gateway.Send(ctx, req, func(evt SSEEvent) {
		logger.Debug("gateway event", "type", evt.Type)
	})
	rec.GatewayThreadID = res.ThreadID
	if err != nil {
		return fmt.Errorf("sending batch to gateway: %w", err)
	}
	logger.Info("gateway answered",
		"gateway_thread_id", res.ThreadID,
		"response_len", len(res.Response),
		"duration", r.now().Sub(start),
	)

	if res.ThreadID != "" && res.ThreadID != threadID {
		if err := r.ledger.SetGatewayThread(ctx, key.ChannelID, key.ThreadTS, res.ThreadID); err != nil {
			logger.Error("failed to store gateway thread", "error", err)
		}
	}

	text := strings.TrimSpace(res.Response)
	if text == "" {
		logger.Info("gateway returned an empty response, nothing to post")
		return nil
	}

	replier, ok := r.repliers[rec.Platform]
	if !ok {
		logger.Warn("no replier configured", "platform", rec.Platform)
		return nil
	}
	if err := replier.Reply(ctx, key, text); err != nil {
		return fmt.Errorf("replying to thread: %w", err)
	}
	return nil
}

// FormatPrompt renders messages as one prompt, one "[user @ ts] text" line per
// message followed by an indented line per attachment.
func FormatPrompt(msgs []threadbuf.Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%s @ %s] %s", m.UserName, m.Timestamp, m.Text)
		for _, a := range m.Attachments {
			fmt.Fprintf(&b, "\n  attachment: %s (%s, %d bytes) at %s", a.OriginalName, a.MimeType, a.SizeBytes, a.LocalPath)
		}
	}
	return b.String()
}

// Senders lists the distinct authors of msgs in first-seen order.
func Senders(msgs []threadbuf.Message) string {
	seen := make(map[string]bool, len(msgs))
	var names []string
	for _, m := range msgs {
		if m.UserName == "" || seen[m.UserName] {
			continue
		}
		seen[m.UserName] = true
		names = append(names, m.UserName)
	}
	if len(names) == 0 {
		return "unknown"
	}
	return strings.Join(names, ", ")
}

var _ batcher.Sink = (*Relay)(nil)
