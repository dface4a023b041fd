// ABOUTME: Slack Events API webhook that registers mentioned threads and captures replies
// ABOUTME: Verifies request signatures, answers URL challenges, and spools shared files

package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/2389/coven-relay/internal/threadbuf"
)

const (
	// maxSlackBody caps webhook request bodies.
	maxSlackBody = 1 << 20

	// slackQueueSize is the number of acknowledged events waiting to be processed.
	slackQueueSize = 256

	// fileDownloadTimeout bounds a single attachment download.
	fileDownloadTimeout = 60 * time.Second

	// userLookupTimeout bounds a users.info call.
	userLookupTimeout = 5 * time.Second
)

// SlackAPI is the subset of *slack.Client the handler uses.
type SlackAPI interface {
	GetUserInfoContext(ctx context.Context, user string) (*slack.User, error)
	GetFileContext(ctx context.Context, downloadURL string, writer io.Writer) error
}

// slackInnerEvent covers the fields of app_mention and message events we use.
type slackInnerEvent struct {
	Type            string      `json:"type"`
	SubType         string      `json:"subtype"`
	User            string      `json:"user"`
	BotID           string      `json:"bot_id"`
	Text            string      `json:"text"`
	Channel         string      `json:"channel"`
	TimeStamp       string      `json:"ts"`
	ThreadTimeStamp string      `json:"thread_ts"`
	Files           []slackFile `json:"files"`
}

type slackFile struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Mimetype           string `json:"mimetype"`
	URLPrivateDownload string `json:"url_private_download"`
	URLPrivate         string `json:"url_private"`
}

// threadTS returns the root of the thread the event belongs to. A message
// outside any thread starts one rooted at itself.
func (e *slackInnerEvent) threadTS() string {
	if e.ThreadTimeStamp != "" {
		return e.ThreadTimeStamp
	}
	return e.TimeStamp
}

// ignoredSubtypes are message subtypes that do not carry new user content.
var ignoredSubtypes = map[string]bool{
	"bot_message":     true,
	"message_changed": true,
	"message_deleted": true,
	"message_replied": true,
	"channel_join":    true,
	"channel_leave":   true,
}

// Inner event types handled by the processor.
const (
	eventAppMention = "app_mention"
	eventMessage    = "message"
)

// SlackOptions configures a SlackHandler.
type SlackOptions struct {
	SigningSecret   string
	AllowedChannels []string
}

// SlackHandler receives Slack Events API callbacks.
//
// Requests are verified and acknowledged immediately; events are processed
// in arrival order by Run so that thread FIFO order matches Slack's delivery
// order even when attachments need downloading.
type SlackHandler struct {
	api      SlackAPI
	buf      Buffer
	notifier Notifier
	spool    Spool
	dedupe   Deduper
	secret   string
	allowed  allowSet
	logger   *slog.Logger

	queue chan slackInnerEvent

	namesMu sync.Mutex
	names   map[string]string
}

// NewSlackHandler creates a handler. spool and dedupe may be nil.
func NewSlackHandler(api SlackAPI, buf Buffer, notifier Notifier, spool Spool, dedupe Deduper, opts SlackOptions, logger *slog.Logger) *SlackHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlackHandler{
		api:      api,
		buf:      buf,
		notifier: notifier,
		spool:    spool,
		dedupe:   dedupe,
		secret:   opts.SigningSecret,
		allowed:  newAllowSet(opts.AllowedChannels),
		logger:   logger.With("component", "slack"),
		queue:    make(chan slackInnerEvent, slackQueueSize),
		names:    make(map[string]string),
	}
}

// ServeHTTP verifies and acknowledges an Events API request.
func (h *SlackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxSlackBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if err := h.verify(r.Header, body); err != nil {
		h.logger.Warn("rejected slack request", "error", err)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	outer, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		h.logger.Warn("failed to parse slack event", "error", err)
		http.Error(w, "invalid event", http.StatusBadRequest)
		return
	}

	switch outer.Type {
	case slackevents.URLVerification:
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err != nil {
			http.Error(w, "invalid challenge", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(challenge.Challenge))
		return

	case slackevents.CallbackEvent:
		if retry := r.Header.Get("X-Slack-Retry-Num"); retry != "" {
			h.logger.Debug("slack delivery retry", "attempt", retry, "reason", r.Header.Get("X-Slack-Retry-Reason"))
		}
		cb, ok := outer.Data.(*slackevents.EventsAPICallbackEvent)
		if !ok || cb.InnerEvent == nil {
			w.WriteHeader(http.StatusOK)
			return
		}
		var inner slackInnerEvent
		if err := json.Unmarshal(*cb.InnerEvent, &inner); err != nil {
			h.logger.Warn("failed to decode inner event", "error", err)
			w.WriteHeader(http.StatusOK)
			return
		}
		if inner.Type != eventAppMention && inner.Type != eventMessage {
			w.WriteHeader(http.StatusOK)
			return
		}
		select {
		case h.queue <- inner:
		case <-r.Context().Done():
			http.Error(w, "request cancelled", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)

	default:
		w.WriteHeader(http.StatusOK)
	}
}

func (h *SlackHandler) verify(header http.Header, body []byte) error {
	sv, err := slack.NewSecretsVerifier(header, h.secret)
	if err != nil {
		return fmt.Errorf("creating verifier: %w", err)
	}
	if _, err := sv.Write(body); err != nil {
		return fmt.Errorf("hashing body: %w", err)
	}
	if err := sv.Ensure(); err != nil {
		return fmt.Errorf("verifying signature: %w", err)
	}
	return nil
}

// Run processes acknowledged events until ctx is cancelled.
func (h *SlackHandler) Run(ctx context.Context) error {
	h.logger.Info("slack event processor running")
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-h.queue:
			h.handleEvent(ctx, &evt)
		}
	}
}

// handleEvent applies the registration policy to one message or mention.
func (h *SlackHandler) handleEvent(ctx context.Context, evt *slackInnerEvent) {
	if evt.BotID != "" || evt.User == "" || ignoredSubtypes[evt.SubType] {
		return
	}
	if !h.allowed.allows(evt.Channel) {
		h.logger.Debug("ignoring event from non-allowed channel", "channel", evt.Channel)
		return
	}

	key := threadbuf.ThreadKey{ChannelID: evt.Channel, ThreadTS: evt.threadTS()}

	switch evt.Type {
	case eventAppMention:
		h.buf.Register(key.ChannelID, key.ThreadTS)
	case eventMessage:
		// Replies in threads nobody mentioned us in are not ours. Checking
		// before marking leaves the message for the matching app_mention.
		if !h.buf.HasThread(key.ChannelID, key.ThreadTS) {
			return
		}
	}

	// Slack delivers a mention as both app_mention and message; the message
	// ts identifies it across both and across retries.
	if h.dedupe != nil && h.dedupe.Seen("slack:"+evt.Channel+":"+evt.TimeStamp) {
		h.logger.Debug("duplicate slack message ignored", "channel", evt.Channel, "ts", evt.TimeStamp)
		return
	}

	msg := threadbuf.Message{
		UserName:    h.userName(ctx, evt.User),
		Text:        evt.Text,
		Timestamp:   evt.TimeStamp,
		Attachments: h.downloadFiles(ctx, evt.Files),
	}

	h.logger.Info("captured message",
		"thread", key.String(),
		"user", msg.UserName,
		"attachments", len(msg.Attachments),
		"content", truncate(msg.Text, 50),
	)
	capture(h.buf, h.notifier, key, msg)
}

// downloadFiles spools every file; failures are logged and skipped.
func (h *SlackHandler) downloadFiles(ctx context.Context, files []slackFile) []threadbuf.Attachment {
	if h.spool == nil || len(files) == 0 {
		return nil
	}

	var atts []threadbuf.Attachment
	for _, f := range files {
		url := f.URLPrivateDownload
		if url == "" {
			url = f.URLPrivate
		}
		if url == "" {
			h.logger.Debug("file has no download url", "file_id", f.ID)
			continue
		}

		att, err := h.downloadFile(ctx, url, f)
		if err != nil {
			h.logger.Warn("failed to download slack file", "file_id", f.ID, "name", f.Name, "error", err)
			continue
		}
		atts = append(atts, att)
	}
	return atts
}

func (h *SlackHandler) downloadFile(ctx context.Context, url string, f slackFile) (threadbuf.Attachment, error) {
	ctx, cancel := context.WithTimeout(ctx, fileDownloadTimeout)
	defer cancel()

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(h.api.GetFileContext(ctx, url, pw))
	}()

	att, err := h.spool.Save(ctx, f.Name, f.Mimetype, pr)
	// Unblock the downloader if Save stopped early
	pr.CloseWithError(io.ErrClosedPipe)
	return att, err
}

// userName resolves a Slack user ID to a display name, falling back to the ID.
func (h *SlackHandler) userName(ctx context.Context, userID string) string {
	h.namesMu.Lock()
	name, ok := h.names[userID]
	h.namesMu.Unlock()
	if ok {
		return name
	}

	ctx, cancel := context.WithTimeout(ctx, userLookupTimeout)
	defer cancel()

	user, err := h.api.GetUserInfoContext(ctx, userID)
	if err != nil {
		h.logger.Debug("user lookup failed", "user", userID, "error", err)
		return userID
	}

	name = user.Profile.DisplayName
	if name == "" {
		name = user.RealName
	}
	if name == "" {
		name = user.Name
	}
	if name == "" {
		name = userID
	}

	h.namesMu.Lock()
	h.names[userID] = name
	h.namesMu.Unlock()
	return name
}

// truncate shortens a string to the given max rune count, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
