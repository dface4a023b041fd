// ABOUTME: Platform repliers that post the gateway's answer back into the originating thread
// ABOUTME: Slack replies go through chat.postMessage, Matrix replies are threaded m.room.message events

package relay

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"
	"github.com/yuin/goldmark"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-relay/internal/threadbuf"
)

// Platform names, also sent to the gateway as the frontend.
const (
	PlatformSlack  = "slack"
	PlatformMatrix = "matrix"
)

// PlatformFor reports which chat platform a thread key came from.
// Matrix room IDs always start with '!'.
func PlatformFor(key threadbuf.ThreadKey) string {
	if strings.HasPrefix(key.ChannelID, "!") {
		return PlatformMatrix
	}
	return PlatformSlack
}

// Replier posts text into a chat thread.
type Replier interface {
	Reply(ctx context.Context, key threadbuf.ThreadKey, text string) error
}

// SlackPoster is the slice of *slack.Client the Slack replier uses.
type SlackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackReplier replies in Slack threads.
type SlackReplier struct {
	api SlackPoster
}

// NewSlackReplier creates a SlackReplier.
func NewSlackReplier(api SlackPoster) *SlackReplier {
	return &SlackReplier{api: api}
}

// Reply posts text as a threaded reply under key.ThreadTS.
func (r *SlackReplier) Reply(ctx context.Context, key threadbuf.ThreadKey, text string) error {
	_, _, err := r.api.PostMessageContext(ctx, key.ChannelID,
		slack.MsgOptionText(text, false),
		slack.MsgOptionTS(key.ThreadTS),
	)
	if err != nil {
		return fmt.Errorf("posting slack reply: %w", err)
	}
	return nil
}

// MatrixSender is the slice of *mautrix.Client the Matrix replier uses.
type MatrixSender interface {
	SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, contentJSON interface{}, extra ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error)
}

// MatrixReplier replies in Matrix threads.
type MatrixReplier struct {
	api MatrixSender
	md  goldmark.Markdown
}

// NewMatrixReplier creates a MatrixReplier.
func NewMatrixReplier(api MatrixSender) *MatrixReplier {
	return &MatrixReplier{api: api, md: goldmark.New()}
}

// Reply sends text into the thread rooted at key.ThreadTS, with an HTML
// rendering of the markdown alongside the plain body.
func (r *MatrixReplier) Reply(ctx context.Context, key threadbuf.ThreadKey, text string) error {
	root := id.EventID(key.ThreadTS)
	content := &event.MessageEventContent{
		MsgType:   event.MsgText,
		Body:      text,
		RelatesTo: (&event.RelatesTo{}).SetThread(root, root),
	}

	var html bytes.Buffer
	if err := r.md.Convert([]byte(text), &html); err == nil {
		content.Format = event.FormatHTML
		content.FormattedBody = strings.TrimSpace(html.String())
	}

	if _, err := r.api.SendMessageEvent(ctx, id.RoomID(key.ChannelID), event.EventMessage, content); err != nil {
		return fmt.Errorf("sending matrix reply: %w", err)
	}
	return nil
}
