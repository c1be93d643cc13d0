// Copyright 2024-2026 Aiku AI

package mirror

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"
)

// FeedID identifies a channel on the messaging platform.
type FeedID string

// MessageID identifies a message within a feed.
type MessageID string

// Content is the mirrored payload. Only text is carried.
type Content struct {
	Text string
}

// IsEmpty reports whether there is nothing to mirror (e.g. attachment-only posts).
func (c Content) IsEmpty() bool {
	return strings.TrimSpace(c.Text) == ""
}

// Mapping associates a source message with its copy in one target feed.
// An empty TargetID marks a placeholder.
type Mapping struct {
	SourceID   MessageID
	TargetFeed FeedID
	TargetID   MessageID
}

// IsPlaceholder reports whether the target message is not known yet.
func (m Mapping) IsPlaceholder() bool {
	return m.TargetID == ""
}

// Cursor is the sync position of a source feed. Position is the platform's
// creation timestamp of MessageID in milliseconds.
type Cursor struct {
	MessageID MessageID
	Position  int64
}

// Stats summarizes the mapping store for the status query.
type Stats struct {
	Mapped       int `json:"mapped"`
	Placeholders int `json:"placeholders"`
	Sources      int `json:"sources"`
}

// MappingStore is the durable table of (source, target feed) -> target message.
// Every method operates on single records atomically.
type MappingStore interface {
	// Put upserts one record. An empty targetID writes a placeholder. A
	// concrete target id is never replaced and never downgraded to a
	// placeholder.
	Put(ctx context.Context, source MessageID, target FeedID, targetID MessageID) error
	// Get returns every record for the source message, or an empty slice.
	Get(ctx context.Context, source MessageID) ([]Mapping, error)
	// Exists reports whether at least one record exists for the source message.
	Exists(ctx context.Context, source MessageID) (bool, error)
	// Delete removes every record for the source message.
	Delete(ctx context.Context, source MessageID) error
	// DeleteTarget removes the record for a single pair.
	DeleteTarget(ctx context.Context, source MessageID, target FeedID) error
	// Stats counts concrete and placeholder records.
	Stats(ctx context.Context) (Stats, error)
	// Cursor returns the sync cursor of a feed, or nil if none was stored.
	Cursor(ctx context.Context, feed FeedID) (*Cursor, error)
	// AdvanceCursor stores the cursor if it is newer than the current one.
	AdvanceCursor(ctx context.Context, feed FeedID, cursor Cursor) error
	Close() error
}

// HistoryMessage is one message yielded while walking a feed's history.
type HistoryMessage struct {
	ID       MessageID
	Content  Content
	Position int64
}

// HistoryOptions controls a history walk.
type HistoryOptions struct {
	// Since stops the walk at the first message with Position <= Since.
	// Zero walks the whole history.
	Since    int64
	PageSize int
}

// Messenger is the messaging platform as seen by the engine.
type Messenger interface {
	SendMessage(ctx context.Context, feed FeedID, content Content) (MessageID, error)
	EditMessage(ctx context.Context, feed FeedID, id MessageID, content Content) error
	DeleteMessage(ctx context.Context, feed FeedID, id MessageID) error
	// FetchHistory yields the feed's messages newest first. Iteration stops
	// at the first error, which is yielded with a zero message.
	FetchHistory(ctx context.Context, feed FeedID, opts HistoryOptions) iter.Seq2[HistoryMessage, error]
}

// EventKind is the tag of an Event.
type EventKind int

const (
	EventCreate EventKind = iota + 1
	EventEdit
	EventDelete
)

func (k EventKind) String() string {
	switch k {
	case EventCreate:
		return "create"
	case EventEdit:
		return "edit"
	case EventDelete:
		return "delete"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a change to a source message, decoupled from the transport that
// delivered it. Content is unused for deletions.
type Event struct {
	Kind      EventKind
	SourceID  MessageID
	Content   Content
	Timestamp time.Time
}
