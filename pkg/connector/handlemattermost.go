// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/mattermost-mirror/pkg/mirror"
)

// handleEvent converts a Mattermost WebSocket event and hands it to sink.
func (m *MattermostClient) handleEvent(ctx context.Context, source mirror.FeedID, sink EventSink, evt *model.WebSocketEvent) {
	out, ok, err := m.convertEvent(source, evt)
	if err != nil {
		m.log.Warn().Err(err).Str("event_type", string(evt.EventType())).Msg("Failed to parse event")
		return
	}
	if !ok {
		return
	}
	if err := sink(ctx, out); err != nil {
		if errors.Is(err, mirror.ErrStopped) || errors.Is(err, context.Canceled) {
			m.log.Debug().Str("source_id", string(out.SourceID)).Msg("Dropping event during shutdown")
			return
		}
		m.log.Error().Err(err).Str("source_id", string(out.SourceID)).Msg("Failed to submit event")
	}
}

// convertEvent maps posted, post_edited and post_deleted events of the
// source channel to mirror events. ok is false for events that are not
// mirrored.
func (m *MattermostClient) convertEvent(source mirror.FeedID, evt *model.WebSocketEvent) (out mirror.Event, ok bool, err error) {
	switch evt.EventType() {
	case model.WebsocketEventPosted:
		out.Kind = mirror.EventCreate
	case model.WebsocketEventPostEdited:
		out.Kind = mirror.EventEdit
	case model.WebsocketEventPostDeleted:
		out.Kind = mirror.EventDelete
	default:
		m.log.Trace().Str("event_type", string(evt.EventType())).Msg("Unhandled event type")
		return out, false, nil
	}

	post, err := m.parsePostEvent(evt)
	if err != nil || post == nil {
		return out, false, err
	}
	if post.ChannelId != ParseChannelID(source) {
		return out, false, nil
	}

	out.SourceID = MakeMessageID(post.Id)
	out.Timestamp = time.UnixMilli(post.CreateAt)
	if out.Kind == mirror.EventEdit && post.EditAt > 0 {
		out.Timestamp = time.UnixMilli(post.EditAt)
	}
	if out.Kind != mirror.EventDelete {
		out.Content = m.postContent(post)
	}
	return out, true, nil
}

// parsePostEvent extracts and validates a post from a WebSocket event,
// applying all echo prevention layers. Returns (nil, nil) to skip silently,
// (nil, err) to log an error, or (post, nil) to proceed.
func (m *MattermostClient) parsePostEvent(evt *model.WebSocketEvent) (*model.Post, error) {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return nil, fmt.Errorf("%s event missing post data", evt.EventType())
	}

	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal post: %w", err)
	}

	if !m.mirrorable(&post) {
		return nil, nil
	}

	// Echo prevention: skip posts from usernames matching known bridge patterns.
	senderName, _ := evt.GetData()["sender_name"].(string)
	senderName = strings.TrimPrefix(senderName, "@")
	if senderName != "" && isBridgeUsername(senderName, m.botPrefix) {
		m.log.Debug().
			Str("post_id", post.Id).
			Str("username", senderName).
			Msg("Skipping bridge username post (echo prevention)")
		return nil, nil
	}

	return &post, nil
}

// mirrorable reports whether a post may be copied: not our own and not a
// system message.
func (m *MattermostClient) mirrorable(post *model.Post) bool {
	// Echo prevention: skip own posts.
	if m.userID != "" && post.UserId == m.userID {
		return false
	}
	// Echo prevention: skip non-default post types (system messages).
	if post.Type != "" && post.Type != model.PostTypeDefault {
		return false
	}
	return true
}

// postContent renders the copied text of a post. Attachment-only posts
// yield empty content, which the engine skips.
func (m *MattermostClient) postContent(post *model.Post) mirror.Content {
	if strings.TrimSpace(post.Message) == "" {
		return mirror.Content{}
	}
	text := post.Message
	if m.format != nil {
		text = m.format(TemplateParams{
			Text:       post.Message,
			SenderID:   post.UserId,
			SourceFeed: post.ChannelId,
		})
	}
	return mirror.Content{Text: text}
}

// isBridgeUsername reports whether a Mattermost username belongs to a
// bridge or mirror bot.
func isBridgeUsername(username, botPrefix string) bool {
	switch {
	case username == "mattermost-bridge":
		return true
	case strings.HasPrefix(username, "mattermost_"):
		return true
	case botPrefix != "" && strings.HasPrefix(username, botPrefix):
		return true
	default:
		return false
	}
}
