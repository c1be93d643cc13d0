// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-mirror/pkg/mirror"
)

// MattermostClient is the Mattermost platform adapter. It posts copies
// through the REST API and receives source events over the WebSocket.
type MattermostClient struct {
	client    *model.Client4
	userID    string
	serverURL string
	botPrefix string
	format    func(TemplateParams) string

	// OnReconnect is called after the WebSocket was re-established. Events
	// missed while disconnected are only recovered by a backfill pass.
	OnReconnect func()

	wsMu     sync.Mutex
	wsClient *model.WebSocketClient

	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
	log      zerolog.Logger
}

var _ Platform = (*MattermostClient)(nil)

// NewMattermostClient creates a client for the configured server. It does
// not contact the server until Connect or the first REST call.
func NewMattermostClient(cfg *Config, log zerolog.Logger) *MattermostClient {
	client := model.NewAPIv4Client(cfg.Mattermost.ServerURL)
	client.SetToken(cfg.Mattermost.Token)
	return &MattermostClient{
		client:    client,
		serverURL: cfg.Mattermost.ServerURL,
		botPrefix: cfg.Mattermost.BotPrefix,
		format:    cfg.FormatText,
		log:       log.With().Str("component", "mm_client").Logger(),
	}
}

// Authenticate verifies the token and records the account's user ID, which
// is needed to skip our own posts.
func (m *MattermostClient) Authenticate(ctx context.Context) error {
	me, resp, err := m.client.GetMe(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to verify Mattermost session: %w", classifyMattermost(resp, err))
	}
	m.userID = me.Id
	m.log.Info().Str("user_id", me.Id).Str("username", me.Username).Msg("Authenticated")
	return nil
}

// Connect opens the WebSocket and starts delivering events of the source
// channel to sink. Authenticate must have succeeded first.
func (m *MattermostClient) Connect(ctx context.Context, source mirror.FeedID, sink EventSink) error {
	m.log.Info().Str("server_url", m.serverURL).Msg("Connecting to Mattermost")
	if err := m.connectWebSocket(); err != nil {
		return err
	}

	ctx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	m.wg.Add(1)
	go m.listenWebSocket(ctx, source, sink)
	return nil
}

func (m *MattermostClient) connectWebSocket() error {
	wsURL := httpToWS(m.serverURL)
	ws, err := model.NewWebSocketClient4(wsURL, m.client.AuthToken)
	if err != nil {
		return fmt.Errorf("failed to create websocket client: %w", err)
	}
	ws.Listen()

	m.wsMu.Lock()
	m.wsClient = ws
	m.wsMu.Unlock()

	m.log.Info().Str("ws_url", wsURL).Msg("WebSocket connected")
	return nil
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

func (m *MattermostClient) currentWebSocket() *model.WebSocketClient {
	m.wsMu.Lock()
	defer m.wsMu.Unlock()
	return m.wsClient
}

func (m *MattermostClient) listenWebSocket(ctx context.Context, source mirror.FeedID, sink EventSink) {
	defer m.wg.Done()
	defer func() {
		if ws := m.currentWebSocket(); ws != nil {
			ws.Close()
		}
	}()
	for {
		ws := m.currentWebSocket()
		if ws == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ws.EventChannel:
			if !ok {
				if !m.handleWebSocketDisconnect(ctx) {
					return
				}
				continue
			}
			if evt == nil {
				continue
			}
			m.handleEvent(ctx, source, sink, evt)
		}
	}
}

// handleWebSocketDisconnect reconnects with exponential backoff until it
// succeeds or the client is disconnected.
func (m *MattermostClient) handleWebSocketDisconnect(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	m.log.Warn().Msg("WebSocket event channel closed, reconnecting")
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = time.Minute
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, m.connectWebSocket()
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			m.log.Warn().Err(err).Dur("retry_in", next).Msg("Failed to reconnect WebSocket")
		}),
	)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			m.log.Error().Err(err).Msg("Giving up on WebSocket reconnection")
		}
		return false
	}
	if m.OnReconnect != nil {
		m.OnReconnect()
	}
	return true
}

// Disconnect closes the WebSocket connection and stops the event loop.
func (m *MattermostClient) Disconnect() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		m.wg.Wait()
	})
}

// SendMessage creates a new post in the channel.
func (m *MattermostClient) SendMessage(ctx context.Context, feed mirror.FeedID, content mirror.Content) (mirror.MessageID, error) {
	post, resp, err := m.client.CreatePost(ctx, &model.Post{
		ChannelId: ParseChannelID(feed),
		Message:   content.Text,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create post: %w", classifyMattermostSend(resp, err))
	}
	return MakeMessageID(post.Id), nil
}

// EditMessage replaces the text of a post.
func (m *MattermostClient) EditMessage(ctx context.Context, _ mirror.FeedID, id mirror.MessageID, content mirror.Content) error {
	text := content.Text
	_, resp, err := m.client.PatchPost(ctx, ParsePostID(id), &model.PostPatch{Message: &text})
	if err != nil {
		return fmt.Errorf("failed to patch post: %w", classifyMattermost(resp, err))
	}
	return nil
}

// DeleteMessage deletes a post. A post that is already gone is reported as
// a permanent failure.
func (m *MattermostClient) DeleteMessage(ctx context.Context, _ mirror.FeedID, id mirror.MessageID) error {
	resp, err := m.client.DeletePost(ctx, ParsePostID(id))
	if err != nil {
		return fmt.Errorf("failed to delete post: %w", classifyMattermost(resp, err))
	}
	return nil
}
