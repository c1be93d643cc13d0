// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/mattermost-mirror/pkg/mirror"
)

// recordingSink captures events handed to an EventSink.
type recordingSink struct {
	mu     sync.Mutex
	events []mirror.Event
	err    error
}

func (s *recordingSink) Submit(_ context.Context, evt mirror.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return s.err
}

func (s *recordingSink) Events() []mirror.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]mirror.Event, len(s.events))
	copy(cp, s.events)
	return cp
}

func sourcePost(message string) *model.Post {
	return &model.Post{
		Id:        model.NewId(),
		UserId:    "other-user",
		ChannelId: testSourceChannel,
		Message:   message,
		CreateAt:  1700000000000,
		Type:      model.PostTypeDefault,
	}
}

func TestHandleEvent_Dispatch(t *testing.T) {
	t.Parallel()
	tests := []struct {
		eventType model.WebsocketEventType
		wantKind  mirror.EventKind
	}{
		{model.WebsocketEventPosted, mirror.EventCreate},
		{model.WebsocketEventPostEdited, mirror.EventEdit},
		{model.WebsocketEventPostDeleted, mirror.EventDelete},
	}

	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			t.Parallel()
			mc := newTestClient("http://localhost")
			sink := &recordingSink{}
			post := sourcePost("hello")

			mc.handleEvent(context.Background(), MakeFeedID(testSourceChannel), sink.Submit,
				postEvent(tt.eventType, post, "@normaluser"))

			events := sink.Events()
			if len(events) != 1 {
				t.Fatalf("expected 1 event, got %d", len(events))
			}
			if events[0].Kind != tt.wantKind {
				t.Errorf("Kind: got %v, want %v", events[0].Kind, tt.wantKind)
			}
			if events[0].SourceID != MakeMessageID(post.Id) {
				t.Errorf("SourceID: got %q, want %q", events[0].SourceID, post.Id)
			}
		})
	}
}

func TestConvertEvent_Create(t *testing.T) {
	t.Parallel()
	mc := newTestClient("http://localhost")
	post := sourcePost("hello world")

	evt, ok, err := mc.convertEvent(MakeFeedID(testSourceChannel), postEvent(model.WebsocketEventPosted, post, "@alice"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("post should be mirrored")
	}
	if evt.Content.Text != "hello world" {
		t.Errorf("Content: got %q, want %q", evt.Content.Text, "hello world")
	}
	if !evt.Timestamp.Equal(time.UnixMilli(post.CreateAt)) {
		t.Errorf("Timestamp: got %v, want %v", evt.Timestamp, time.UnixMilli(post.CreateAt))
	}
}

func TestConvertEvent_EditUsesEditTime(t *testing.T) {
	t.Parallel()
	mc := newTestClient("http://localhost")
	post := sourcePost("edited")
	post.EditAt = post.CreateAt + 5000

	evt, ok, err := mc.convertEvent(MakeFeedID(testSourceChannel), postEvent(model.WebsocketEventPostEdited, post, "@alice"))
	if err != nil || !ok {
		t.Fatalf("convertEvent: ok=%v err=%v", ok, err)
	}
	if evt.Content.Text != "edited" {
		t.Errorf("Content: got %q", evt.Content.Text)
	}
	if !evt.Timestamp.Equal(time.UnixMilli(post.EditAt)) {
		t.Errorf("Timestamp: got %v, want edit time", evt.Timestamp)
	}
}

func TestConvertEvent_DeleteHasNoContent(t *testing.T) {
	t.Parallel()
	mc := newTestClient("http://localhost")
	evt, ok, err := mc.convertEvent(MakeFeedID(testSourceChannel), postEvent(model.WebsocketEventPostDeleted, sourcePost("gone"), "@alice"))
	if err != nil || !ok {
		t.Fatalf("convertEvent: ok=%v err=%v", ok, err)
	}
	if !evt.Content.IsEmpty() {
		t.Errorf("delete should carry no content, got %q", evt.Content.Text)
	}
}

func TestConvertEvent_AttachmentOnlyHasEmptyContent(t *testing.T) {
	t.Parallel()
	mc := newTestClient("http://localhost")
	post := sourcePost("   ")
	post.FileIds = []string{"file1"}

	evt, ok, err := mc.convertEvent(MakeFeedID(testSourceChannel), postEvent(model.WebsocketEventPosted, post, "@alice"))
	if err != nil || !ok {
		t.Fatalf("convertEvent: ok=%v err=%v", ok, err)
	}
	if !evt.Content.IsEmpty() {
		t.Errorf("attachment-only post should have empty content, got %q", evt.Content.Text)
	}
}

func TestConvertEvent_AppliesTemplate(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.MessageTemplate = "{{.SenderID}}: {{.Text}}"
	mc := newTestClientWithConfig("http://localhost", cfg)

	evt, ok, err := mc.convertEvent(MakeFeedID(testSourceChannel), postEvent(model.WebsocketEventPosted, sourcePost("hi"), "@alice"))
	if err != nil || !ok {
		t.Fatalf("convertEvent: ok=%v err=%v", ok, err)
	}
	if evt.Content.Text != "other-user: hi" {
		t.Errorf("Content: got %q, want %q", evt.Content.Text, "other-user: hi")
	}
}

func TestConvertEvent_Skipped(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*model.Post)
		sender string
	}{
		{
			name:   "other channel",
			mutate: func(p *model.Post) { p.ChannelId = testTargetA },
			sender: "@alice",
		},
		{
			name:   "own post",
			mutate: func(p *model.Post) { p.UserId = "my-user-id" },
			sender: "@mirror",
		},
		{
			name:   "system message",
			mutate: func(p *model.Post) { p.Type = model.PostTypeJoinChannel },
			sender: "@alice",
		},
		{
			name:   "bridge username",
			mutate: func(*model.Post) {},
			sender: "@mattermost_ghost",
		},
		{
			name:   "bridge bot",
			mutate: func(*model.Post) {},
			sender: "@mattermost-bridge",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mc := newTestClient("http://localhost")
			post := sourcePost("hello")
			tt.mutate(post)

			_, ok, err := mc.convertEvent(MakeFeedID(testSourceChannel), postEvent(model.WebsocketEventPosted, post, tt.sender))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ok {
				t.Error("post should not be mirrored")
			}
		})
	}
}

func TestConvertEvent_BotPrefix(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Mattermost.BotPrefix = "relay_"
	mc := newTestClientWithConfig("http://localhost", cfg)

	_, ok, err := mc.convertEvent(MakeFeedID(testSourceChannel), postEvent(model.WebsocketEventPosted, sourcePost("x"), "@relay_bot"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("post from bot prefix should not be mirrored")
	}
}

func TestConvertEvent_UnhandledType(t *testing.T) {
	t.Parallel()
	mc := newTestClient("http://localhost")
	evt := newWebSocketEvent(model.WebsocketEventTyping, testSourceChannel, map[string]any{})

	_, ok, err := mc.convertEvent(MakeFeedID(testSourceChannel), evt)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("typing events should not be mirrored")
	}
}

func TestConvertEvent_MissingData(t *testing.T) {
	t.Parallel()
	mc := newTestClient("http://localhost")
	evt := newWebSocketEvent(model.WebsocketEventPosted, testSourceChannel, map[string]any{})

	if _, ok, err := mc.convertEvent(MakeFeedID(testSourceChannel), evt); err == nil || ok {
		t.Errorf("missing post data: ok=%v err=%v, want error", ok, err)
	}
}

func TestConvertEvent_InvalidJSON(t *testing.T) {
	t.Parallel()
	mc := newTestClient("http://localhost")
	evt := newWebSocketEvent(model.WebsocketEventPosted, testSourceChannel, map[string]any{
		"post": "this is not valid json{{{",
	})

	if _, ok, err := mc.convertEvent(MakeFeedID(testSourceChannel), evt); err == nil || ok {
		t.Errorf("invalid JSON: ok=%v err=%v, want error", ok, err)
	}
}

func TestHandleEvent_SinkStoppedIsQuiet(t *testing.T) {
	t.Parallel()
	mc := newTestClient("http://localhost")
	sink := &recordingSink{err: mirror.ErrStopped}

	mc.handleEvent(context.Background(), MakeFeedID(testSourceChannel), sink.Submit,
		postEvent(model.WebsocketEventPosted, sourcePost("late"), "@alice"))

	if len(sink.Events()) != 1 {
		t.Errorf("sink should have been called once, got %d", len(sink.Events()))
	}
}

func TestHandleEvent_SinkErrorDoesNotPanic(t *testing.T) {
	t.Parallel()
	mc := newTestClient("http://localhost")
	sink := &recordingSink{err: errors.New("boom")}

	mc.handleEvent(context.Background(), MakeFeedID(testSourceChannel), sink.Submit,
		postEvent(model.WebsocketEventPosted, sourcePost("x"), "@alice"))
}

func TestIsBridgeUsername(t *testing.T) {
	t.Parallel()
	tests := []struct {
		username  string
		botPrefix string
		want      bool
	}{
		{"mattermost-bridge", "", true},
		{"mattermost_alice", "", true},
		{"alice", "", false},
		{"relay_alice", "relay_", true},
		{"alice", "relay_", false},
		{"", "", false},
	}
	for _, tt := range tests {
		if got := isBridgeUsername(tt.username, tt.botPrefix); got != tt.want {
			t.Errorf("isBridgeUsername(%q, %q): got %v, want %v", tt.username, tt.botPrefix, got, tt.want)
		}
	}
}
