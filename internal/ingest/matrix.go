// ABOUTME: Matrix sync source that registers threads the bot is mentioned in
// ABOUTME: Maps rooms and thread root events onto buffer keys and spools media

package ingest

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-relay/internal/threadbuf"
)

// MatrixAPI is the subset of *mautrix.Client used while handling events.
type MatrixAPI interface {
	DownloadBytes(ctx context.Context, mxcURL id.ContentURI) ([]byte, error)
	JoinRoomByID(ctx context.Context, roomID id.RoomID) (*mautrix.RespJoinRoom, error)
}

// MatrixOptions configures a MatrixSource.
type MatrixOptions struct {
	UserID        string
	AutoJoin      bool
	AllowedUsers  []string
	AllowedRooms  []string
	AlwaysOnRooms []string
}

// MatrixSource feeds Matrix room messages into the buffer.
type MatrixSource struct {
	client   *mautrix.Client
	api      MatrixAPI
	buf      Buffer
	notifier Notifier
	spool    Spool
	dedupe   Deduper
	userID   id.UserID
	autoJoin bool
	users    allowSet
	rooms    allowSet
	alwaysOn allowSet
	logger   *slog.Logger

	// since drops timeline backlog replayed by the initial sync. Zero keeps everything.
	since time.Time
}

// NewMatrixSource wires a source around an existing client. spool and dedupe may be nil.
func NewMatrixSource(client *mautrix.Client, buf Buffer, notifier Notifier, spool Spool, dedupe Deduper, opts MatrixOptions, logger *slog.Logger) *MatrixSource {
	s := newMatrixSource(client, buf, notifier, spool, dedupe, opts, logger)
	s.client = client
	return s
}

func newMatrixSource(api MatrixAPI, buf Buffer, notifier Notifier, spool Spool, dedupe Deduper, opts MatrixOptions, logger *slog.Logger) *MatrixSource {
	if logger == nil {
		logger = slog.Default()
	}
	alwaysOn := make(allowSet, len(opts.AlwaysOnRooms))
	for _, r := range opts.AlwaysOnRooms {
		alwaysOn[r] = true
	}
	return &MatrixSource{
		api:      api,
		buf:      buf,
		notifier: notifier,
		spool:    spool,
		dedupe:   dedupe,
		userID:   id.UserID(opts.UserID),
		autoJoin: opts.AutoJoin,
		users:    newAllowSet(opts.AllowedUsers),
		rooms:    newAllowSet(opts.AllowedRooms),
		alwaysOn: alwaysOn,
		logger:   logger.With("component", "matrix"),
	}
}

// Run syncs with the homeserver until ctx is cancelled.
func (s *MatrixSource) Run(ctx context.Context) error {
	if s.client == nil {
		return fmt.Errorf("matrix source has no client")
	}

	syncer, ok := s.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", s.client.Syncer)
	}
	syncer.OnEventType(event.EventMessage, s.handleMessageEvent)
	syncer.OnEventType(event.StateMember, s.handleMemberEvent)

	s.since = time.Now()
	s.logger.Info("connecting to matrix homeserver", "user_id", s.userID)

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- s.client.SyncWithContext(ctx)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("stopping matrix sync")
		s.client.StopSync()
		return nil
	case err := <-syncErr:
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

// handleMemberEvent joins rooms the bot is invited to by an allowed user.
func (s *MatrixSource) handleMemberEvent(ctx context.Context, evt *event.Event) {
	if !s.autoJoin || evt.GetStateKey() != s.userID.String() {
		return
	}
	member, ok := evt.Content.Parsed.(*event.MemberEventContent)
	if !ok || member.Membership != event.MembershipInvite {
		return
	}
	if !s.users.allows(evt.Sender.String()) || !s.rooms.allows(evt.RoomID.String()) {
		s.logger.Info("ignoring invite", "room", evt.RoomID, "inviter", evt.Sender)
		return
	}

	if _, err := s.api.JoinRoomByID(ctx, evt.RoomID); err != nil {
		s.logger.Warn("failed to join room", "room", evt.RoomID, "error", err)
		return
	}
	s.logger.Info("joined room", "room", evt.RoomID, "inviter", evt.Sender)
}

// handleMessageEvent applies the registration policy to one room message.
func (s *MatrixSource) handleMessageEvent(ctx context.Context, evt *event.Event) {
	if evt.Sender == s.userID {
		return
	}
	if !s.since.IsZero() && time.UnixMilli(evt.Timestamp).Before(s.since) {
		return
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}
	// Edits arrive as new events replacing an older one
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		return
	}

	roomID := evt.RoomID.String()
	if !s.rooms.allows(roomID) {
		s.logger.Debug("ignoring message from non-allowed room", "room", roomID)
		return
	}
	if !s.users.allows(evt.Sender.String()) {
		s.logger.Debug("ignoring message from non-allowed user", "sender", evt.Sender)
		return
	}

	rootID := evt.ID.String()
	if content.RelatesTo != nil {
		if parent := content.RelatesTo.GetThreadParent(); parent != "" {
			rootID = parent.String()
		}
	}
	key := threadbuf.ThreadKey{ChannelID: roomID, ThreadTS: rootID}

	if s.addressesBot(roomID, content) {
		s.buf.Register(key.ChannelID, key.ThreadTS)
	} else if !s.buf.HasThread(key.ChannelID, key.ThreadTS) {
		return
	}

	if s.dedupe != nil && s.dedupe.Seen("matrix:"+evt.ID.String()) {
		s.logger.Debug("duplicate matrix event ignored", "event_id", evt.ID)
		return
	}

	msg := threadbuf.Message{
		UserName:  displayName(evt.Sender),
		Text:      content.Body,
		Timestamp: time.UnixMilli(evt.Timestamp).UTC().Format(time.RFC3339Nano),
	}
	if att, ok := s.downloadMedia(ctx, content); ok {
		msg.Attachments = []threadbuf.Attachment{att}
		// Media bodies are usually just the file name
		if content.FileName == "" || content.FileName == content.Body {
			msg.Text = ""
		}
	}

	s.logger.Info("captured message",
		"thread", key.String(),
		"sender", evt.Sender.String(),
		"attachments", len(msg.Attachments),
		"content", truncate(msg.Text, 50),
	)
	capture(s.buf, s.notifier, key, msg)
}

// addressesBot reports whether a message should open a thread.
func (s *MatrixSource) addressesBot(roomID string, content *event.MessageEventContent) bool {
	if s.alwaysOn[roomID] {
		return true
	}
	if content.Mentions != nil && slices.Contains(content.Mentions.UserIDs, s.userID) {
		return true
	}
	return s.userID != "" && strings.Contains(content.Body, s.userID.String())
}

// downloadMedia spools the file carried by a media message.
func (s *MatrixSource) downloadMedia(ctx context.Context, content *event.MessageEventContent) (threadbuf.Attachment, bool) {
	switch content.MsgType {
	case event.MsgImage, event.MsgFile, event.MsgAudio, event.MsgVideo:
	default:
		return threadbuf.Attachment{}, false
	}
	if s.spool == nil {
		return threadbuf.Attachment{}, false
	}

	// Encrypted rooms carry the URL and keys in File instead of URL
	mxc := content.URL
	if content.File != nil {
		mxc = content.File.URL
	}
	uri, err := id.ParseContentURI(string(mxc))
	if err != nil {
		s.logger.Warn("invalid media url", "url", mxc, "error", err)
		return threadbuf.Attachment{}, false
	}

	dlCtx, cancel := context.WithTimeout(ctx, fileDownloadTimeout)
	defer cancel()

	data, err := s.api.DownloadBytes(dlCtx, uri)
	if err != nil {
		s.logger.Warn("failed to download matrix media", "url", mxc, "error", err)
		return threadbuf.Attachment{}, false
	}
	if content.File != nil {
		if err := content.File.DecryptInPlace(data); err != nil {
			s.logger.Warn("failed to decrypt matrix media", "url", mxc, "error", err)
			return threadbuf.Attachment{}, false
		}
	}

	name := content.FileName
	if name == "" {
		name = content.Body
	}
	var declared string
	if content.Info != nil {
		declared = content.Info.MimeType
	}

	att, err := s.spool.Save(dlCtx, name, declared, bytes.NewReader(data))
	if err != nil {
		s.logger.Warn("failed to spool matrix media", "name", name, "error", err)
		return threadbuf.Attachment{}, false
	}
	return att, true
}

// displayName returns the localpart of a Matrix user ID.
func displayName(userID id.UserID) string {
	localpart, _, err := userID.Parse()
	if err != nil || localpart == "" {
		return userID.String()
	}
	return localpart
}
