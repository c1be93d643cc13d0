// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mattermost-mirror/pkg/mirror"
)

// MatrixClient is the Matrix platform adapter. Copies are sent as m.text
// events, edits as m.replace relations and deletions as redactions.
type MatrixClient struct {
	client *mautrix.Client
	format func(TemplateParams) string

	// OnReconnect is called when the sync loop restarts after a failure.
	OnReconnect func()

	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
	log      zerolog.Logger
}

var _ Platform = (*MatrixClient)(nil)

// NewMatrixClient creates a client for the configured homeserver.
func NewMatrixClient(cfg *Config, log zerolog.Logger) (*MatrixClient, error) {
	client, err := mautrix.NewClient(cfg.Matrix.HomeserverURL, id.UserID(cfg.Matrix.UserID), cfg.Matrix.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create matrix client: %w", err)
	}
	return &MatrixClient{
		client: client,
		format: cfg.FormatText,
		log:    log.With().Str("component", "matrix_client").Logger(),
	}, nil
}

// Authenticate verifies the access token.
func (c *MatrixClient) Authenticate(ctx context.Context) error {
	whoami, err := c.client.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("failed to verify Matrix session: %w", classifyMatrix(err))
	}
	c.log.Info().Str("user_id", whoami.UserID.String()).Msg("Authenticated")
	return nil
}

// Connect starts the sync loop. Only events received after the first sync
// are delivered; older ones are left to backfill.
func (c *MatrixClient) Connect(ctx context.Context, source mirror.FeedID, sink EventSink) error {
	c.log.Info().Str("homeserver", c.client.HomeserverURL.String()).Msg("Connecting to Matrix")

	syncer, ok := c.client.Syncer.(mautrix.ExtensibleSyncer)
	if !ok {
		return errors.New("matrix syncer does not support event handlers")
	}
	syncer.OnSync(c.client.DontProcessOldEvents)
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		c.dispatch(ctx, source, sink, evt)
	})
	syncer.OnEventType(event.EventRedaction, func(ctx context.Context, evt *event.Event) {
		c.dispatch(ctx, source, sink, evt)
	})

	ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.wg.Add(1)
	go c.syncLoop(ctx)
	return nil
}

func (c *MatrixClient) syncLoop(ctx context.Context) {
	defer c.wg.Done()
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = time.Minute
	var wait time.Duration
	for {
		started := time.Now()
		err := c.client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return
		}
		wait = nextSyncRetry(bo, time.Since(started), wait)
		c.log.Warn().Err(err).Dur("retry_in", wait).Msg("Sync stopped, restarting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		if c.OnReconnect != nil {
			c.OnReconnect()
		}
	}
}

// nextSyncRetry returns the delay before restarting a sync that ran for
// ranFor. A sync that outlived the previous delay was healthy, so the
// backoff starts over.
func nextSyncRetry(bo backoff.BackOff, ranFor, last time.Duration) time.Duration {
	if ranFor > last {
		bo.Reset()
	}
	return bo.NextBackOff()
}

func (c *MatrixClient) dispatch(ctx context.Context, source mirror.FeedID, sink EventSink, evt *event.Event) {
	out, ok := c.convertEvent(source, evt)
	if !ok {
		return
	}
	if err := sink(ctx, out); err != nil {
		if errors.Is(err, mirror.ErrStopped) || errors.Is(err, context.Canceled) {
			c.log.Debug().Str("source_id", string(out.SourceID)).Msg("Dropping event during shutdown")
			return
		}
		c.log.Error().Err(err).Str("source_id", string(out.SourceID)).Msg("Failed to submit event")
	}
}

// convertEvent maps a timeline event of the source room to a mirror event.
func (c *MatrixClient) convertEvent(source mirror.FeedID, evt *event.Event) (mirror.Event, bool) {
	if evt.RoomID != ParseRoomID(source) || evt.Sender == c.client.UserID {
		return mirror.Event{}, false
	}
	if err := evt.Content.ParseRaw(evt.Type); err != nil && !errors.Is(err, event.ErrContentAlreadyParsed) {
		c.log.Warn().Err(err).Str("event_id", evt.ID.String()).Msg("Failed to parse event content")
		return mirror.Event{}, false
	}
	ts := time.UnixMilli(evt.Timestamp)

	if evt.Type == event.EventRedaction {
		target := evt.Redacts
		if target == "" {
			if red := evt.Content.AsRedaction(); red != nil {
				target = red.Redacts
			}
		}
		if target == "" {
			return mirror.Event{}, false
		}
		return mirror.Event{Kind: mirror.EventDelete, SourceID: MakeEventMessageID(target), Timestamp: ts}, true
	}

	msg := evt.Content.AsMessage()
	if msg == nil {
		return mirror.Event{}, false
	}
	if editOf := msg.RelatesTo.GetReplaceID(); editOf != "" {
		newContent := msg.NewContent
		if newContent == nil {
			return mirror.Event{}, false
		}
		return mirror.Event{
			Kind:      mirror.EventEdit,
			SourceID:  MakeEventMessageID(editOf),
			Content:   c.messageContent(newContent, evt),
			Timestamp: ts,
		}, true
	}
	return mirror.Event{
		Kind:      mirror.EventCreate,
		SourceID:  MakeEventMessageID(evt.ID),
		Content:   c.messageContent(msg, evt),
		Timestamp: ts,
	}, true
}

// messageContent renders the copied text: the body of text messages or the
// caption of media messages.
func (c *MatrixClient) messageContent(msg *event.MessageEventContent, evt *event.Event) mirror.Content {
	var text string
	switch msg.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
		text = msg.Body
	case event.MsgImage, event.MsgVideo, event.MsgAudio, event.MsgFile:
		if msg.FileName != "" && msg.Body != msg.FileName {
			text = msg.Body
		}
	}
	if strings.TrimSpace(text) == "" {
		return mirror.Content{}
	}
	if c.format != nil {
		text = c.format(TemplateParams{
			Text:       text,
			SenderID:   evt.Sender.String(),
			SourceFeed: evt.RoomID.String(),
		})
	}
	return mirror.Content{Text: text}
}

// Disconnect stops the sync loop.
func (c *MatrixClient) Disconnect() {
	c.stopOnce.Do(func() {
		c.client.StopSync()
		if c.cancel != nil {
			c.cancel()
		}
		c.wg.Wait()
	})
}

// SendMessage sends an m.text event to the room.
func (c *MatrixClient) SendMessage(ctx context.Context, feed mirror.FeedID, content mirror.Content) (mirror.MessageID, error) {
	resp, err := c.client.SendMessageEvent(ctx, ParseRoomID(feed), event.EventMessage, &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    content.Text,
	})
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", classifyMatrixSend(err))
	}
	return MakeEventMessageID(resp.EventID), nil
}

// EditMessage sends an m.replace edit of the event.
func (c *MatrixClient) EditMessage(ctx context.Context, feed mirror.FeedID, msgID mirror.MessageID, content mirror.Content) error {
	edit := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    content.Text,
	}
	edit.SetEdit(ParseEventID(msgID))
	if _, err := c.client.SendMessageEvent(ctx, ParseRoomID(feed), event.EventMessage, edit); err != nil {
		return fmt.Errorf("failed to edit message: %w", classifyMatrix(err))
	}
	return nil
}

// DeleteMessage redacts the event.
func (c *MatrixClient) DeleteMessage(ctx context.Context, feed mirror.FeedID, msgID mirror.MessageID) error {
	if _, err := c.client.RedactEvent(ctx, ParseRoomID(feed), ParseEventID(msgID)); err != nil {
		return fmt.Errorf("failed to redact event: %w", classifyMatrix(err))
	}
	return nil
}

// FetchHistory pages backwards through the room timeline with /messages.
func (c *MatrixClient) FetchHistory(ctx context.Context, feed mirror.FeedID, opts mirror.HistoryOptions) iter.Seq2[mirror.HistoryMessage, error] {
	return func(yield func(mirror.HistoryMessage, error) bool) {
		roomID := ParseRoomID(feed)
		limit := opts.PageSize
		if limit <= 0 || limit > maxHistoryPage {
			limit = maxHistoryPage
		}
		from := ""
		for {
			resp, err := c.client.Messages(ctx, roomID, from, "", mautrix.DirectionBackward, nil, limit)
			if err != nil {
				yield(mirror.HistoryMessage{}, fmt.Errorf("failed to fetch messages for room %s: %w", roomID, classifyMatrix(err)))
				return
			}
			c.log.Debug().Str("room_id", roomID.String()).Str("from", from).Int("events", len(resp.Chunk)).Msg("Fetched history page")
			for _, evt := range resp.Chunk {
				if opts.Since > 0 && evt.Timestamp <= opts.Since {
					return
				}
				msg, ok := c.historyMessage(evt)
				if !ok {
					continue
				}
				if !yield(msg, nil) {
					return
				}
			}
			if len(resp.Chunk) == 0 || resp.End == "" || resp.End == from {
				return
			}
			from = resp.End
		}
	}
}

// historyMessage converts a timeline event to a history message. Edits,
// redacted events and our own events are skipped.
func (c *MatrixClient) historyMessage(evt *event.Event) (mirror.HistoryMessage, bool) {
	if evt.Type != event.EventMessage || evt.Sender == c.client.UserID {
		return mirror.HistoryMessage{}, false
	}
	if evt.Unsigned.RedactedBecause != nil {
		return mirror.HistoryMessage{}, false
	}
	if err := evt.Content.ParseRaw(evt.Type); err != nil && !errors.Is(err, event.ErrContentAlreadyParsed) {
		return mirror.HistoryMessage{}, false
	}
	msg := evt.Content.AsMessage()
	if msg == nil || msg.RelatesTo.GetReplaceID() != "" {
		return mirror.HistoryMessage{}, false
	}
	return mirror.HistoryMessage{
		ID:       MakeEventMessageID(evt.ID),
		Content:  c.messageContent(msg, evt),
		Position: evt.Timestamp,
	}, true
}
