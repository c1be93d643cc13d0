// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
)

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Query  string
	Body   string
}

// fakeMM is a test helper that wraps an httptest.Server simulating the
// Mattermost API. It records calls and keeps per-channel post history.
type fakeMM struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []endpointCall

	// Users maps user ID to model.User for GetMe responses.
	Users map[string]*model.User
	// TokenToUser maps bearer tokens to user IDs for GetMe auth.
	TokenToUser map[string]string
	// History maps channel ID to its posts, newest first.
	History map[string][]*model.Post
	// Posts maps post ID to every post created, patched or seeded.
	Posts map[string]*model.Post
	// FailEndpoints maps "METHOD /path/prefix" to the status code returned
	// for matching requests.
	FailEndpoints map[string]int
	// HistoryGate, when set, blocks post history requests until it is closed.
	HistoryGate chan struct{}
}

func newFakeMM() *fakeMM {
	f := &fakeMM{
		Users:         make(map[string]*model.User),
		TokenToUser:   make(map[string]string),
		History:       make(map[string][]*model.Post),
		Posts:         make(map[string]*model.Post),
		FailEndpoints: make(map[string]int),
	}
	f.Users["my-user-id"] = &model.User{Id: "my-user-id", Username: "mirror"}
	f.TokenToUser["test-token"] = "my-user-id"
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeMM) Close() {
	f.Server.Close()
}

func (f *fakeMM) record(r *http.Request, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, endpointCall{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Body: body})
}

func (f *fakeMM) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

// CallCount counts calls whose method matches and whose path contains path.
func (f *fakeMM) CallCount(method, path string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Method == method && strings.Contains(c.Path, path) {
			n++
		}
	}
	return n
}

// Fail makes requests matching method and path prefix return status.
func (f *fakeMM) Fail(method, pathPrefix string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FailEndpoints[method+" "+pathPrefix] = status
}

// Seed prepends posts to a channel's history. Posts are given oldest first.
func (f *fakeMM) Seed(channelID string, posts ...*model.Post) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range posts {
		p.ChannelId = channelID
		f.History[channelID] = append([]*model.Post{p}, f.History[channelID]...)
		f.Posts[p.Id] = p
	}
}

// Post returns a copy of the post with the given ID.
func (f *fakeMM) Post(id string) (model.Post, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.Posts[id]
	if !ok {
		return model.Post{}, false
	}
	return *p, true
}

// ChannelMessages returns the message texts of a channel, newest first.
func (f *fakeMM) ChannelMessages(channelID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, p := range f.History[channelID] {
		out = append(out, p.Message)
	}
	return out
}

func (f *fakeMM) resolveToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	f.mu.Lock()
	defer f.mu.Unlock()
	for tok, uid := range f.TokenToUser {
		if auth == "BEARER "+tok || auth == "Bearer "+tok {
			return uid
		}
	}
	return ""
}

func writeAppError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"id": "fake.error", "message": msg, "status_code": status})
}

func (f *fakeMM) failure(r *http.Request) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, status := range f.FailEndpoints {
		method, prefix, _ := strings.Cut(key, " ")
		if method == r.Method && strings.HasPrefix(r.URL.Path, prefix) {
			return status
		}
	}
	return 0
}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.record(r, string(body))

	if status := f.failure(r); status != 0 {
		writeAppError(w, status, "fake error")
		return
	}

	path := r.URL.Path

	switch {
	// GET /api/v4/users/me
	case r.Method == "GET" && path == "/api/v4/users/me":
		uid := f.resolveToken(r)
		if uid == "" {
			writeAppError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if u, ok := f.Users[uid]; ok {
			_ = json.NewEncoder(w).Encode(u)
			return
		}
		writeAppError(w, http.StatusNotFound, "user not found")

	// GET /api/v4/channels/{channel_id}/posts (GetPostsForChannel / GetPostsBefore)
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/channels/") && strings.HasSuffix(path, "/posts"):
		if f.HistoryGate != nil {
			<-f.HistoryGate
		}
		parts := strings.Split(path, "/")
		// /api/v4/channels/{chID}/posts
		_ = json.NewEncoder(w).Encode(f.page(parts[4], r))

	// POST /api/v4/posts
	case r.Method == "POST" && path == "/api/v4/posts":
		var post model.Post
		if err := json.Unmarshal(body, &post); err != nil {
			writeAppError(w, http.StatusBadRequest, "invalid post")
			return
		}
		post.Id = model.NewId()
		post.UserId = f.resolveToken(r)
		post.CreateAt = model.GetMillis()
		f.Seed(post.ChannelId, &post)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(&post)

	// PUT /api/v4/posts/{post_id}/patch
	case r.Method == "PUT" && strings.HasPrefix(path, "/api/v4/posts/") && strings.HasSuffix(path, "/patch"):
		postID := strings.TrimSuffix(strings.TrimPrefix(path, "/api/v4/posts/"), "/patch")
		var patch model.PostPatch
		_ = json.Unmarshal(body, &patch)
		f.mu.Lock()
		post, ok := f.Posts[postID]
		if ok && patch.Message != nil {
			post.Message = *patch.Message
			post.EditAt = model.GetMillis()
		}
		f.mu.Unlock()
		if !ok {
			writeAppError(w, http.StatusNotFound, "post not found")
			return
		}
		_ = json.NewEncoder(w).Encode(post)

	// DELETE /api/v4/posts/{post_id}
	case r.Method == "DELETE" && strings.HasPrefix(path, "/api/v4/posts/"):
		postID := strings.TrimPrefix(path, "/api/v4/posts/")
		if !f.remove(postID) {
			writeAppError(w, http.StatusNotFound, "post not found")
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "OK"})

	default:
		writeAppError(w, http.StatusNotFound, "not found: "+path)
	}
}

// page serves one page of a channel's history, honoring the page, per_page
// and before query parameters.
func (f *fakeMM) page(channelID string, r *http.Request) *model.PostList {
	f.mu.Lock()
	defer f.mu.Unlock()
	query := r.URL.Query()
	perPage, err := strconv.Atoi(query.Get("per_page"))
	if err != nil || perPage <= 0 {
		perPage = 60
	}
	page, _ := strconv.Atoi(query.Get("page"))

	history := f.History[channelID]
	start := 0
	if before := query.Get("before"); before != "" {
		start = len(history)
		for i, p := range history {
			if p.Id == before {
				start = i + 1
				break
			}
		}
	}
	start += page * perPage

	list := model.NewPostList()
	for i := start; i < len(history) && i < start+perPage; i++ {
		list.AddPost(history[i])
		list.AddOrder(history[i].Id)
	}
	return list
}

func (f *fakeMM) remove(postID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	post, ok := f.Posts[postID]
	if !ok {
		return false
	}
	delete(f.Posts, postID)
	history := f.History[post.ChannelId]
	for i, p := range history {
		if p.Id == postID {
			f.History[post.ChannelId] = append(history[:i:i], history[i+1:]...)
			break
		}
	}
	return true
}

// newWebSocketEvent creates a model.WebSocketEvent for testing handlers.
func newWebSocketEvent(eventType model.WebsocketEventType, channelID string, data map[string]any) *model.WebSocketEvent {
	evt := model.NewWebSocketEvent(eventType, "", channelID, "", nil, "")
	return evt.SetData(data)
}

// postEvent builds a post WebSocket event the way the server sends it: the
// post is a JSON string under "post".
func postEvent(eventType model.WebsocketEventType, post *model.Post, senderName string) *model.WebSocketEvent {
	data, _ := json.Marshal(post)
	return newWebSocketEvent(eventType, post.ChannelId, map[string]any{
		"post":        string(data),
		"sender_name": senderName,
	})
}

// newTestClient creates an authenticated MattermostClient talking to a fake
// server. The config has passed PostProcess.
func newTestClient(serverURL string) *MattermostClient {
	return newTestClientWithConfig(serverURL, validConfig())
}

func newTestClientWithConfig(serverURL string, cfg *Config) *MattermostClient {
	cfg.Mattermost.ServerURL = serverURL
	if err := cfg.PostProcess(); err != nil {
		panic(err)
	}
	mc := NewMattermostClient(cfg, zerolog.Nop())
	mc.userID = "my-user-id"
	return mc
}

// testPost builds a post with a valid ID from another user.
func testPost(message string, createAt int64) *model.Post {
	return &model.Post{
		Id:       model.NewId(),
		UserId:   "other-user-id",
		Message:  message,
		CreateAt: createAt,
	}
}
