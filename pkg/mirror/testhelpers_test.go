// Copyright 2024-2026 Aiku AI

package mirror

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// memStore is an in-memory MappingStore for engine tests.
type memStore struct {
	mu      sync.Mutex
	records map[MessageID]map[FeedID]MessageID
	cursors map[FeedID]Cursor

	// failPut makes Put fail for the given target feed.
	failPut map[FeedID]error
	failGet error
}

func newMemStore() *memStore {
	return &memStore{
		records: make(map[MessageID]map[FeedID]MessageID),
		cursors: make(map[FeedID]Cursor),
		failPut: make(map[FeedID]error),
	}
}

func (s *memStore) Put(_ context.Context, source MessageID, target FeedID, targetID MessageID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failPut[target]; err != nil {
		return err
	}
	recs, ok := s.records[source]
	if !ok {
		recs = make(map[FeedID]MessageID)
		s.records[source] = recs
	}
	if current, ok := recs[target]; ok && current != "" {
		return nil
	}
	recs[target] = targetID
	return nil
}

func (s *memStore) Get(_ context.Context, source MessageID) ([]Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGet != nil {
		return nil, s.failGet
	}
	var out []Mapping
	for target, targetID := range s.records[source] {
		out = append(out, Mapping{SourceID: source, TargetFeed: target, TargetID: targetID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetFeed < out[j].TargetFeed })
	return out, nil
}

func (s *memStore) Exists(_ context.Context, source MessageID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGet != nil {
		return false, s.failGet
	}
	return len(s.records[source]) > 0, nil
}

func (s *memStore) Delete(_ context.Context, source MessageID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, source)
	return nil
}

func (s *memStore) DeleteTarget(_ context.Context, source MessageID, target FeedID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records[source], target)
	if len(s.records[source]) == 0 {
		delete(s.records, source)
	}
	return nil
}

func (s *memStore) Stats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Stats
	for _, recs := range s.records {
		st.Sources++
		for _, targetID := range recs {
			if targetID == "" {
				st.Placeholders++
			} else {
				st.Mapped++
			}
		}
	}
	return st, nil
}

func (s *memStore) Cursor(_ context.Context, feed FeedID) (*Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[feed]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *memStore) AdvanceCursor(_ context.Context, feed FeedID, cursor Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.cursors[feed]; ok && current.Position >= cursor.Position {
		return nil
	}
	s.cursors[feed] = cursor
	return nil
}

func (s *memStore) Close() error { return nil }

// snapshot returns the records of one source id as target -> target id.
func (s *memStore) snapshot(source MessageID) map[FeedID]MessageID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[FeedID]MessageID)
	for k, v := range s.records[source] {
		out[k] = v
	}
	return out
}

func (s *memStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, recs := range s.records {
		n += len(recs)
	}
	return n
}

type platformCall struct {
	Op     string
	Feed   FeedID
	ID     MessageID
	Text   string
	Result MessageID
}

// fakeMessenger simulates the messaging platform.
type fakeMessenger struct {
	mu     sync.Mutex
	nextID int
	calls  []platformCall

	sendErr   map[FeedID]error
	// sendErrQueue holds errors returned by the next sends to a feed, one
	// per call, before sendErr is consulted.
	sendErrQueue map[FeedID][]error
	editErr   map[FeedID]error
	deleteErr map[FeedID]error

	// history is newest first.
	history []HistoryMessage
	// historyErrs are yielded, one per FetchHistory call, before any message.
	historyErrs []error
	// historyGate, if set, is waited on before yielding history.
	historyGate chan struct{}
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{
		nextID:    5000,
		sendErr:      make(map[FeedID]error),
		sendErrQueue: make(map[FeedID][]error),
		editErr:      make(map[FeedID]error),
		deleteErr:    make(map[FeedID]error),
	}
}

func (f *fakeMessenger) SendMessage(_ context.Context, feed FeedID, content Content) (MessageID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := f.sendErr[feed]
	if queued := f.sendErrQueue[feed]; len(queued) > 0 {
		err = queued[0]
		f.sendErrQueue[feed] = queued[1:]
	}
	if err != nil {
		f.calls = append(f.calls, platformCall{Op: "send", Feed: feed, Text: content.Text})
		return "", err
	}
	f.nextID++
	id := MessageID(fmt.Sprint(f.nextID))
	f.calls = append(f.calls, platformCall{Op: "send", Feed: feed, Text: content.Text, Result: id})
	return id, nil
}

func (f *fakeMessenger) EditMessage(_ context.Context, feed FeedID, id MessageID, content Content) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, platformCall{Op: "edit", Feed: feed, ID: id, Text: content.Text})
	return f.editErr[feed]
}

func (f *fakeMessenger) DeleteMessage(_ context.Context, feed FeedID, id MessageID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, platformCall{Op: "delete", Feed: feed, ID: id})
	return f.deleteErr[feed]
}

func (f *fakeMessenger) FetchHistory(ctx context.Context, _ FeedID, opts HistoryOptions) iter.Seq2[HistoryMessage, error] {
	return func(yield func(HistoryMessage, error) bool) {
		if f.historyGate != nil {
			select {
			case <-f.historyGate:
			case <-ctx.Done():
				yield(HistoryMessage{}, ctx.Err())
				return
			}
		}
		f.mu.Lock()
		var herr error
		if len(f.historyErrs) > 0 {
			herr = f.historyErrs[0]
			f.historyErrs = f.historyErrs[1:]
		}
		history := append([]HistoryMessage(nil), f.history...)
		f.mu.Unlock()

		if herr != nil {
			yield(HistoryMessage{}, herr)
			return
		}
		for _, msg := range history {
			if opts.Since > 0 && msg.Position <= opts.Since {
				return
			}
			if !yield(msg, nil) {
				return
			}
		}
	}
}

func (f *fakeMessenger) setSendErr(feed FeedID, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr[feed] = err
}

func (f *fakeMessenger) Calls() []platformCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]platformCall(nil), f.calls...)
}

func (f *fakeMessenger) count(op string, feed FeedID) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Op == op && (feed == "" || c.Feed == feed) {
			n++
		}
	}
	return n
}

var errTransient = errors.New("connection reset by peer")

func newTestEngine(store MappingStore, client Messenger, targets ...FeedID) *Engine {
	return NewEngine(store, client, EngineOptions{Targets: targets}, zerolog.Nop())
}

func createEvent(id MessageID, text string) Event {
	return Event{Kind: EventCreate, SourceID: id, Content: Content{Text: text}}
}

func editEvent(id MessageID, text string) Event {
	return Event{Kind: EventEdit, SourceID: id, Content: Content{Text: text}}
}

func deleteEvent(id MessageID) Event {
	return Event{Kind: EventDelete, SourceID: id}
}
