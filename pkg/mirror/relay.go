// Copyright 2024-2026 Aiku AI

package mirror

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Action describes what the engine did with one source message.
type Action string

const (
	ActionReplicated    Action = "replicated"
	ActionRepaired      Action = "repaired"
	ActionDuplicate     Action = "duplicate"
	ActionAlreadyMapped Action = "already_mapped"
	ActionSkipped       Action = "skipped"
	ActionPlaceholder   Action = "placeholder"
	ActionEdited        Action = "edited"
	ActionDeleted       Action = "deleted"
	ActionUntracked     Action = "untracked"
)

// Report is the per-target result of handling one source message.
type Report struct {
	SourceID MessageID
	Action   Action
	Outcomes map[FeedID]Outcome
}

// Count returns how many targets ended with the given outcome kind.
func (r Report) Count(kind OutcomeKind) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Kind == kind {
			n++
		}
	}
	return n
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	Targets []FeedID
	// RatePerSecond throttles operations per target feed. Zero disables throttling.
	RatePerSecond float64
	RateBurst     int
	// BreakerThreshold is the number of consecutive permanent failures after
	// which a target is skipped for BreakerCooldown. Zero disables the breaker.
	BreakerThreshold int
	BreakerCooldown  time.Duration
	// StoreTimeout bounds mapping writes made after a platform call succeeded.
	StoreTimeout time.Duration
	Metrics      *Metrics
}

type targetLane struct {
	limiter *rate.Limiter
	breaker *targetBreaker
}

func (l *targetLane) wait(ctx context.Context) error {
	if l.limiter == nil {
		return nil
	}
	return l.limiter.Wait(ctx)
}

// Engine is the relay engine. It is safe for concurrent use.
type Engine struct {
	store   MappingStore
	client  Messenger
	targets []FeedID
	lanes   map[FeedID]*targetLane
	locks   keyLock

	storeTimeout time.Duration
	metrics      *Metrics
	log          zerolog.Logger
}

// NewEngine creates a relay engine for the given targets.
func NewEngine(store MappingStore, client Messenger, opts EngineOptions, log zerolog.Logger) *Engine {
	e := &Engine{
		store:        store,
		client:       client,
		targets:      append([]FeedID(nil), opts.Targets...),
		lanes:        make(map[FeedID]*targetLane, len(opts.Targets)),
		storeTimeout: opts.StoreTimeout,
		metrics:      opts.Metrics,
		log:          log.With().Str("component", "relay").Logger(),
	}
	if e.storeTimeout <= 0 {
		e.storeTimeout = 10 * time.Second
	}
	for _, target := range e.targets {
		lane := &targetLane{
			breaker: newTargetBreaker(opts.BreakerThreshold, opts.BreakerCooldown),
		}
		if opts.RatePerSecond > 0 {
			burst := opts.RateBurst
			if burst <= 0 {
				burst = 1
			}
			lane.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
		}
		e.lanes[target] = lane
	}
	return e
}

// Targets returns the configured target feeds.
func (e *Engine) Targets() []FeedID {
	return append([]FeedID(nil), e.targets...)
}

// Handle applies one source event. The returned error is non-nil only for
// store failures or malformed events; platform failures are reported per
// target in the Report.
func (e *Engine) Handle(ctx context.Context, evt Event) (Report, error) {
	var (
		report Report
		err    error
	)
	switch evt.Kind {
	case EventCreate:
		report, err = e.handleCreate(ctx, evt.SourceID, evt.Content)
	case EventEdit:
		report, err = e.handleEdit(ctx, evt.SourceID, evt.Content)
	case EventDelete:
		report, err = e.handleDelete(ctx, evt.SourceID)
	default:
		return Report{SourceID: evt.SourceID}, fmt.Errorf("unknown event kind %s", evt.Kind)
	}
	if err != nil {
		e.metrics.event(evt.Kind, "error")
	} else {
		e.metrics.event(evt.Kind, string(report.Action))
	}
	return report, err
}

func (e *Engine) handleCreate(ctx context.Context, id MessageID, content Content) (Report, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	log := e.log.With().Str("source_id", string(id)).Logger()
	if content.IsEmpty() {
		log.Debug().Msg("Skipping message without text")
		return Report{SourceID: id, Action: ActionSkipped}, nil
	}

	exists, err := e.store.Exists(ctx, id)
	if err != nil {
		return Report{SourceID: id}, fmt.Errorf("failed to check mapping for %s: %w", id, err)
	}
	if exists {
		records, err := e.store.Get(ctx, id)
		if err != nil {
			return Report{SourceID: id}, fmt.Errorf("failed to load mappings for %s: %w", id, err)
		}
		if hasConcrete(records) {
			log.Debug().Msg("Ignoring duplicate create")
			return Report{SourceID: id, Action: ActionDuplicate}, nil
		}
		log.Info().Int("placeholders", len(records)).Msg("Completing placeholders on create")
	}

	return e.replicate(ctx, id, content, e.targets, ActionReplicated)
}

func (e *Engine) handleEdit(ctx context.Context, id MessageID, content Content) (Report, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	log := e.log.With().Str("source_id", string(id)).Logger()
	if content.IsEmpty() {
		log.Debug().Msg("Skipping edit without text")
		return Report{SourceID: id, Action: ActionSkipped}, nil
	}

	records, err := e.store.Get(ctx, id)
	if err != nil {
		return Report{SourceID: id}, fmt.Errorf("failed to load mappings for %s: %w", id, err)
	}

	if len(records) == 0 {
		// Untracked message: remember it so a backfill pass can complete it.
		for _, target := range e.targets {
			if err := e.put(ctx, id, target, ""); err != nil {
				return Report{SourceID: id}, fmt.Errorf("failed to store placeholder for %s in %s: %w", id, target, err)
			}
		}
		log.Info().Int("targets", len(e.targets)).Msg("Edit for untracked message, stored placeholders")
		return Report{SourceID: id, Action: ActionPlaceholder}, nil
	}

	concrete := concreteTargets(records)
	if len(concrete) == 0 {
		log.Debug().Msg("Edit for message with placeholders only, nothing to update")
		return Report{SourceID: id, Action: ActionSkipped}, nil
	}

	outcomes := e.fanOut(ctx, "edit", id, keys(concrete), func(ctx context.Context, target FeedID) Outcome {
		targetID := concrete[target]
		return outcomeOf(targetID, e.client.EditMessage(ctx, target, targetID, content))
	})
	return Report{SourceID: id, Action: ActionEdited, Outcomes: outcomes}, nil
}

func (e *Engine) handleDelete(ctx context.Context, id MessageID) (Report, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	log := e.log.With().Str("source_id", string(id)).Logger()
	records, err := e.store.Get(ctx, id)
	if err != nil {
		return Report{SourceID: id}, fmt.Errorf("failed to load mappings for %s: %w", id, err)
	}
	if len(records) == 0 {
		log.Debug().Msg("Delete for untracked message")
		return Report{SourceID: id, Action: ActionUntracked}, nil
	}

	var removable []FeedID
	for _, rec := range records {
		if rec.IsPlaceholder() {
			removable = append(removable, rec.TargetFeed)
		}
	}

	concrete := concreteTargets(records)
	outcomes := e.fanOut(ctx, "delete", id, keys(concrete), func(ctx context.Context, target FeedID) Outcome {
		targetID := concrete[target]
		return outcomeOf(targetID, e.client.DeleteMessage(ctx, target, targetID))
	})
	for target, o := range outcomes {
		switch {
		case o.Kind == OutcomeSuccess:
			removable = append(removable, target)
		case o.Kind == OutcomePermanentFailure && !errors.Is(o.Err, ErrTargetDisabled):
			log.Warn().Err(o.Err).
				Str("target_feed", string(target)).
				Str("target_id", string(concrete[target])).
				Msg("Abandoning target copy after permanent delete failure")
			removable = append(removable, target)
		}
	}

	if len(removable) == len(records) {
		if err := e.withStoreContext(ctx, func(ctx context.Context) error {
			return e.store.Delete(ctx, id)
		}); err != nil {
			return Report{SourceID: id, Outcomes: outcomes}, fmt.Errorf("failed to delete mappings for %s: %w", id, err)
		}
	} else {
		for _, target := range removable {
			if err := e.withStoreContext(ctx, func(ctx context.Context) error {
				return e.store.DeleteTarget(ctx, id, target)
			}); err != nil {
				return Report{SourceID: id, Outcomes: outcomes}, fmt.Errorf("failed to delete mapping for %s in %s: %w", id, target, err)
			}
		}
		log.Warn().
			Int("remaining", len(records)-len(removable)).
			Msg("Some target copies could not be deleted, keeping their mappings")
	}
	return Report{SourceID: id, Action: ActionDeleted, Outcomes: outcomes}, nil
}

// Reconcile brings one historical message under management. Targets that
// already hold a concrete copy are left alone; the others (missing pairs
// and placeholders) are replicated.
func (e *Engine) Reconcile(ctx context.Context, msg HistoryMessage) (Report, error) {
	unlock := e.locks.Lock(msg.ID)
	defer unlock()

	if msg.Content.IsEmpty() {
		return Report{SourceID: msg.ID, Action: ActionSkipped}, nil
	}

	exists, err := e.store.Exists(ctx, msg.ID)
	if err != nil {
		return Report{SourceID: msg.ID}, fmt.Errorf("failed to check mapping for %s: %w", msg.ID, err)
	}
	if !exists {
		return e.replicate(ctx, msg.ID, msg.Content, e.targets, ActionReplicated)
	}

	records, err := e.store.Get(ctx, msg.ID)
	if err != nil {
		return Report{SourceID: msg.ID}, fmt.Errorf("failed to load mappings for %s: %w", msg.ID, err)
	}
	concrete := concreteTargets(records)
	var pending []FeedID
	for _, target := range e.targets {
		if _, ok := concrete[target]; !ok {
			pending = append(pending, target)
		}
	}
	if len(pending) == 0 {
		return Report{SourceID: msg.ID, Action: ActionAlreadyMapped}, nil
	}
	return e.replicate(ctx, msg.ID, msg.Content, pending, ActionRepaired)
}

// replicate copies content to targets and records every success. A store
// failure for one target does not prevent recording the others.
func (e *Engine) replicate(ctx context.Context, id MessageID, content Content, targets []FeedID, action Action) (Report, error) {
	outcomes := e.fanOut(ctx, "send", id, targets, func(ctx context.Context, target FeedID) Outcome {
		targetID, err := e.client.SendMessage(ctx, target, content)
		if err == nil && targetID == "" {
			err = errors.New("platform returned an empty message id")
		}
		return outcomeOf(targetID, err)
	})

	var errs []error
	for target, o := range outcomes {
		if o.Kind != OutcomeSuccess {
			continue
		}
		if err := e.put(ctx, id, target, o.TargetID); err != nil {
			errs = append(errs, fmt.Errorf("failed to store mapping %s -> %s in %s: %w", id, o.TargetID, target, err))
		}
	}

	report := Report{SourceID: id, Action: action, Outcomes: outcomes}
	if report.Count(OutcomeSuccess) == 0 && len(targets) > 0 {
		e.log.Warn().Str("source_id", string(id)).Msg("Message could not be copied to any target")
	}
	return report, errors.Join(errs...)
}

type targetOp func(ctx context.Context, target FeedID) Outcome

// fanOut runs op against every target concurrently. No target's failure
// cancels or delays another.
func (e *Engine) fanOut(ctx context.Context, opName string, id MessageID, targets []FeedID, op targetOp) map[FeedID]Outcome {
	outcomes := make(map[FeedID]Outcome, len(targets))
	var mu sync.Mutex
	var g errgroup.Group
	for _, target := range targets {
		g.Go(func() error {
			o := e.attempt(ctx, opName, id, target, op)
			mu.Lock()
			outcomes[target] = o
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (e *Engine) attempt(ctx context.Context, opName string, id MessageID, target FeedID, op targetOp) Outcome {
	lane := e.lanes[target]
	if lane == nil {
		lane = &targetLane{}
	}
	log := e.log.With().
		Str("op", opName).
		Str("source_id", string(id)).
		Str("target_feed", string(target)).
		Logger()

	var o Outcome
	if !lane.breaker.Allow() {
		o = PermanentFailure(ErrTargetDisabled)
	} else if err := lane.wait(ctx); err != nil {
		o = TransientFailure(fmt.Errorf("rate limiter: %w", err))
		lane.breaker.Record(o)
	} else {
		o = op(ctx, target)
		lane.breaker.Record(o)
	}
	e.metrics.outcome(opName, target, o)

	switch o.Kind {
	case OutcomeSuccess:
		log.Debug().Str("target_id", string(o.TargetID)).Msg("Target operation succeeded")
	case OutcomeTransientFailure:
		log.Warn().Err(o.Err).Msg("Target operation failed, will be retried by the next backfill pass")
	case OutcomePermanentFailure:
		log.Error().Err(o.Err).Msg("Target operation failed permanently")
	}
	return o
}

func (e *Engine) put(ctx context.Context, id MessageID, target FeedID, targetID MessageID) error {
	return e.withStoreContext(ctx, func(ctx context.Context) error {
		return e.store.Put(ctx, id, target, targetID)
	})
}

// withStoreContext runs a store write that must not be abandoned halfway by
// shutdown: the write outlives ctx cancellation but is bounded by the store timeout.
func (e *Engine) withStoreContext(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.storeTimeout)
	defer cancel()
	return fn(ctx)
}

func hasConcrete(records []Mapping) bool {
	for _, rec := range records {
		if !rec.IsPlaceholder() {
			return true
		}
	}
	return false
}

func concreteTargets(records []Mapping) map[FeedID]MessageID {
	out := make(map[FeedID]MessageID, len(records))
	for _, rec := range records {
		if !rec.IsPlaceholder() {
			out[rec.TargetFeed] = rec.TargetID
		}
	}
	return out
}

func keys(m map[FeedID]MessageID) []FeedID {
	out := make([]FeedID, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
