// ABOUTME: Tests for the Matrix sync source event handlers
// ABOUTME: Covers mention registration, thread capture, media spooling, and invite handling

package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/attachment"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-relay/internal/attachments"
	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/threadbuf"
)

const (
	testBotID = "@relay:example.org"
	testRoom  = "!room:example.org"
)

type fakeMatrixAPI struct {
	mu     sync.Mutex
	media  map[string][]byte
	joined []id.RoomID
}

func (f *fakeMatrixAPI) DownloadBytes(ctx context.Context, mxcURL id.ContentURI) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.media[mxcURL.String()]
	if !ok {
		return nil, errors.New("M_NOT_FOUND")
	}
	return data, nil
}

func (f *fakeMatrixAPI) JoinRoomByID(ctx context.Context, roomID id.RoomID) (*mautrix.RespJoinRoom, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, roomID)
	return &mautrix.RespJoinRoom{RoomID: roomID}, nil
}

type matrixFixture struct {
	source   *MatrixSource
	buf      *threadbuf.Buffer
	notifier *recordingNotifier
	api      *fakeMatrixAPI
}

func newMatrixFixture(t *testing.T, opts MatrixOptions) *matrixFixture {
	t.Helper()
	opts.UserID = testBotID

	spool, err := attachments.NewSpool(filepath.Join(t.TempDir(), "spool"), 1<<20, nil)
	require.NoError(t, err)
	cache := dedupe.New(time.Minute, 1000)
	t.Cleanup(cache.Close)

	api := &fakeMatrixAPI{media: map[string][]byte{
		"mxc://example.org/png": {0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'},
	}}
	buf := threadbuf.New()
	notifier := &recordingNotifier{}
	return &matrixFixture{
		source:   newMatrixSource(api, buf, notifier, spool, cache, opts, nil),
		buf:      buf,
		notifier: notifier,
		api:      api,
	}
}

func messageEvent(eventID, sender string, content *event.MessageEventContent) *event.Event {
	return &event.Event{
		ID:        id.EventID(eventID),
		Sender:    id.UserID(sender),
		RoomID:    id.RoomID(testRoom),
		Type:      event.EventMessage,
		Timestamp: 1700000000000,
		Content:   event.Content{Parsed: content},
	}
}

func threadReply(body, root string) *event.MessageEventContent {
	return &event.MessageEventContent{
		MsgType:   event.MsgText,
		Body:      body,
		RelatesTo: &event.RelatesTo{Type: event.RelThread, EventID: id.EventID(root)},
	}
}

func TestMatrixSource_MentionRegistersThread(t *testing.T) {
	f := newMatrixFixture(t, MatrixOptions{})
	ctx := context.Background()

	f.source.handleMessageEvent(ctx, messageEvent("$root", "@alice:example.org", &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    "relay: what happened? " + testBotID,
	}))
	f.source.handleMessageEvent(ctx, messageEvent("$r1", "@bob:example.org", threadReply("the deploy failed", "$root")))

	got := f.buf.Drain(testRoom, "$root")
	require.Len(t, got, 2)
	assert.Equal(t, "alice", got[0].UserName)
	assert.Equal(t, "2023-11-14T22:13:20Z", got[0].Timestamp)
	assert.Equal(t, "bob", got[1].UserName)
	assert.Equal(t, "the deploy failed", got[1].Text)

	assert.Equal(t, []threadbuf.ThreadKey{
		{ChannelID: testRoom, ThreadTS: "$root"},
		{ChannelID: testRoom, ThreadTS: "$root"},
	}, f.notifier.Keys())
}

func TestMatrixSource_MentionsField(t *testing.T) {
	f := newMatrixFixture(t, MatrixOptions{})

	f.source.handleMessageEvent(context.Background(), messageEvent("$root", "@alice:example.org", &event.MessageEventContent{
		MsgType:  event.MsgText,
		Body:     "Relay, look at this",
		Mentions: &event.Mentions{UserIDs: []id.UserID{testBotID}},
	}))

	assert.True(t, f.buf.HasThread(testRoom, "$root"))
}

func TestMatrixSource_UnregisteredThreadIgnored(t *testing.T) {
	f := newMatrixFixture(t, MatrixOptions{})

	f.source.handleMessageEvent(context.Background(), messageEvent("$r1", "@bob:example.org", threadReply("chatter", "$other")))

	assert.False(t, f.buf.HasThread(testRoom, "$other"))
	assert.Empty(t, f.notifier.Keys())
}

func TestMatrixSource_AlwaysOnRoom(t *testing.T) {
	f := newMatrixFixture(t, MatrixOptions{AlwaysOnRooms: []string{testRoom}})

	f.source.handleMessageEvent(context.Background(), messageEvent("$m1", "@alice:example.org", &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    "no mention needed",
	}))

	assert.Equal(t, 1, f.buf.Pending(testRoom, "$m1"))
}

func TestMatrixSource_IgnoredMessages(t *testing.T) {
	tests := []struct {
		name string
		opts MatrixOptions
		evt  *event.Event
	}{
		{
			name: "own message",
			evt:  messageEvent("$1", testBotID, &event.MessageEventContent{MsgType: event.MsgText, Body: testBotID}),
		},
		{
			name: "edit",
			evt: messageEvent("$2", "@alice:example.org", &event.MessageEventContent{
				MsgType: event.MsgText, Body: "* " + testBotID,
				RelatesTo: &event.RelatesTo{Type: event.RelReplace, EventID: "$1"},
			}),
		},
		{
			name: "disallowed room",
			opts: MatrixOptions{AllowedRooms: []string{"!other:example.org"}},
			evt:  messageEvent("$3", "@alice:example.org", &event.MessageEventContent{MsgType: event.MsgText, Body: testBotID}),
		},
		{
			name: "disallowed user",
			opts: MatrixOptions{AllowedUsers: []string{"@bob:example.org"}},
			evt:  messageEvent("$4", "@alice:example.org", &event.MessageEventContent{MsgType: event.MsgText, Body: testBotID}),
		},
		{
			name: "not a message",
			evt: &event.Event{
				ID: "$5", Sender: "@alice:example.org", RoomID: testRoom,
				Content: event.Content{Parsed: &event.MemberEventContent{Membership: event.MembershipJoin}},
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newMatrixFixture(t, tc.opts)
			f.source.handleMessageEvent(context.Background(), tc.evt)
			assert.Empty(t, f.buf.Threads())
		})
	}
}

func TestMatrixSource_DuplicateEvent(t *testing.T) {
	f := newMatrixFixture(t, MatrixOptions{})
	evt := messageEvent("$root", "@alice:example.org", &event.MessageEventContent{MsgType: event.MsgText, Body: testBotID})

	f.source.handleMessageEvent(context.Background(), evt)
	f.source.handleMessageEvent(context.Background(), evt)

	assert.Equal(t, 1, f.buf.Pending(testRoom, "$root"))
}

func TestMatrixSource_MediaSpooled(t *testing.T) {
	f := newMatrixFixture(t, MatrixOptions{})
	ctx := context.Background()

	f.source.handleMessageEvent(ctx, messageEvent("$root", "@alice:example.org", &event.MessageEventContent{MsgType: event.MsgText, Body: testBotID}))
	image := threadReply("cat.png", "$root")
	image.MsgType = event.MsgImage
	image.URL = "mxc://example.org/png"
	image.Info = &event.FileInfo{MimeType: "application/octet-stream"}
	f.source.handleMessageEvent(ctx, messageEvent("$img", "@alice:example.org", image))

	missing := threadReply("gone.pdf", "$root")
	missing.MsgType = event.MsgFile
	missing.URL = "mxc://example.org/missing"
	f.source.handleMessageEvent(ctx, messageEvent("$gone", "@alice:example.org", missing))

	got := f.buf.Drain(testRoom, "$root")
	require.Len(t, got, 3)

	require.Len(t, got[1].Attachments, 1)
	att := got[1].Attachments[0]
	assert.Equal(t, "cat.png", att.OriginalName)
	assert.Equal(t, "image/png", att.MimeType, "generic declared type is replaced by detection")
	assert.Equal(t, int64(16), att.SizeBytes)
	assert.Empty(t, got[1].Text)

	assert.Empty(t, got[2].Attachments, "failed downloads still capture the message")
	assert.Equal(t, "gone.pdf", got[2].Text)
}

func TestMatrixSource_EncryptedMediaDecrypted(t *testing.T) {
	f := newMatrixFixture(t, MatrixOptions{})
	ctx := context.Background()

	plain := []byte("quarterly numbers attached\n")
	encrypt := func(mxc string) *event.EncryptedFileInfo {
		file := attachment.NewEncryptedFile()
		data := append([]byte(nil), plain...)
		file.EncryptInPlace(data)
		f.api.media[mxc] = data
		return &event.EncryptedFileInfo{EncryptedFile: *file, URL: id.ContentURIString(mxc)}
	}

	f.source.handleMessageEvent(ctx, messageEvent("$root", "@alice:example.org", &event.MessageEventContent{MsgType: event.MsgText, Body: testBotID}))

	report := threadReply("report.txt", "$root")
	report.MsgType = event.MsgFile
	report.File = encrypt("mxc://example.org/enc")
	report.Info = &event.FileInfo{MimeType: "text/plain"}
	f.source.handleMessageEvent(ctx, messageEvent("$enc", "@alice:example.org", report))

	tampered := threadReply("broken.txt", "$root")
	tampered.MsgType = event.MsgFile
	tampered.File = encrypt("mxc://example.org/tampered")
	f.api.media["mxc://example.org/tampered"][0] ^= 0xff
	f.source.handleMessageEvent(ctx, messageEvent("$bad", "@alice:example.org", tampered))

	got := f.buf.Drain(testRoom, "$root")
	require.Len(t, got, 3)

	require.Len(t, got[1].Attachments, 1)
	att := got[1].Attachments[0]
	assert.Equal(t, "report.txt", att.OriginalName)
	assert.Equal(t, "text/plain", att.MimeType)
	assert.Equal(t, int64(len(plain)), att.SizeBytes)
	spooled, err := os.ReadFile(att.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, plain, spooled)

	assert.Empty(t, got[2].Attachments, "undecryptable media is dropped but the message is kept")
	assert.Equal(t, "broken.txt", got[2].Text)
}

func TestMatrixSource_AutoJoin(t *testing.T) {
	invite := func(sender string) *event.Event {
		stateKey := testBotID
		return &event.Event{
			Sender:   id.UserID(sender),
			RoomID:   testRoom,
			Type:     event.StateMember,
			StateKey: &stateKey,
			Content:  event.Content{Parsed: &event.MemberEventContent{Membership: event.MembershipInvite}},
		}
	}

	f := newMatrixFixture(t, MatrixOptions{AutoJoin: true, AllowedUsers: []string{"@alice:example.org"}})
	f.source.handleMemberEvent(context.Background(), invite("@mallory:example.org"))
	f.source.handleMemberEvent(context.Background(), invite("@alice:example.org"))

	assert.Equal(t, []id.RoomID{testRoom}, f.api.joined)

	disabled := newMatrixFixture(t, MatrixOptions{})
	disabled.source.handleMemberEvent(context.Background(), invite("@alice:example.org"))
	assert.Empty(t, disabled.api.joined)
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "alice", displayName("@alice:example.org"))
	assert.Equal(t, "not-a-user-id", displayName("not-a-user-id"))
}

func TestCryptoSlug(t *testing.T) {
	assert.Equal(t, "relay_matrix.org", cryptoSlug("@relay:matrix.org"))
	assert.Equal(t, "a-b_c_d.e", cryptoSlug("@a-b_c:d.e"))
}

func TestMatrixSource_SkipsBacklogBeforeStart(t *testing.T) {
	f := newMatrixFixture(t, MatrixOptions{})
	f.source.since = time.UnixMilli(1700000000000).Add(time.Second)

	// Replayed by the initial sync: older than the source start
	f.source.handleMessageEvent(context.Background(), messageEvent("$old", "@alice:example.org", &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    "hey " + testBotID,
	}))
	assert.False(t, f.buf.HasThread(testRoom, "$old"))

	fresh := messageEvent("$new", "@alice:example.org", &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    "hey " + testBotID,
	})
	fresh.Timestamp = 1700000000000 + 2000
	f.source.handleMessageEvent(context.Background(), fresh)
	assert.True(t, f.buf.HasThread(testRoom, "$new"))
}
