// Copyright 2024-2026 Aiku AI

package mirror

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// BackfillOptions configures a Backfiller.
type BackfillOptions struct {
	Source   FeedID
	PageSize int
	// MaxMessages bounds how many historical messages one pass visits,
	// newest first. Zero visits the whole history.
	MaxMessages int
	// UseCursor makes incremental passes stop at the stored sync cursor
	// while no placeholders are outstanding.
	UseCursor bool
	// PermanentRetryPasses is the number of passes per run during which
	// permanent send failures still make the pass incomplete. A target the
	// account was just added to can reject sends until access propagates.
	PermanentRetryPasses uint

	// MaxAttempts bounds the number of passes per run. Zero retries forever.
	MaxAttempts     uint
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	ConstantBackoff bool

	Metrics *Metrics
}

// PassResult describes the last pass of a backfill run.
type PassResult struct {
	RunID         string    `json:"run_id"`
	Full          bool      `json:"full"`
	Attempts      int       `json:"attempts"`
	Visited       int       `json:"visited"`
	Replicated    int       `json:"replicated"`
	Repaired      int       `json:"repaired"`
	AlreadyMapped int       `json:"already_mapped"`
	Skipped       int       `json:"skipped"`
	Incomplete    int       `json:"incomplete"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	Error         string    `json:"error,omitempty"`
}

// Backfiller is the backfill coordinator. Only one run is active at a time.
type Backfiller struct {
	engine *Engine
	client Messenger
	store  MappingStore
	opts   BackfillOptions
	log    zerolog.Logger

	running atomic.Bool
	wg      sync.WaitGroup

	mu   sync.Mutex
	last *PassResult
}

// NewBackfiller creates a backfill coordinator that replicates through engine.
func NewBackfiller(engine *Engine, client Messenger, store MappingStore, opts BackfillOptions, log zerolog.Logger) *Backfiller {
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 5 * time.Second
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	return &Backfiller{
		engine: engine,
		client: client,
		store:  store,
		opts:   opts,
		log:    log.With().Str("component", "backfill").Str("source_feed", string(opts.Source)).Logger(),
	}
}

// Run performs a backfill run synchronously, retrying whole passes until
// one completes cleanly, the attempt budget is spent, or ctx is done. A
// full run ignores the sync cursor.
func (b *Backfiller) Run(ctx context.Context, full bool) (PassResult, error) {
	if !b.running.CompareAndSwap(false, true) {
		return PassResult{}, ErrBackfillRunning
	}
	defer b.running.Store(false)
	return b.run(ctx, full)
}

// Start launches a run in the background. It returns ErrBackfillRunning if a
// run is already active.
func (b *Backfiller) Start(ctx context.Context, full bool) error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrBackfillRunning
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.running.Store(false)
		_, _ = b.run(ctx, full)
	}()
	return nil
}

// Wait blocks until background runs started with Start have returned.
func (b *Backfiller) Wait() {
	b.wg.Wait()
}

// Running reports whether a run is in progress.
func (b *Backfiller) Running() bool {
	return b.running.Load()
}

// LastResult returns the result of the most recent pass, or nil.
func (b *Backfiller) LastResult() *PassResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last == nil {
		return nil
	}
	res := *b.last
	return &res
}

func (b *Backfiller) run(ctx context.Context, full bool) (PassResult, error) {
	runID := uuid.NewString()
	log := b.log.With().Str("run_id", runID).Bool("full", full).Logger()
	log.Info().Msg("Starting backfill run")

	attempts := 0
	res, err := backoff.Retry(ctx, func() (PassResult, error) {
		attempts++
		res, err := b.pass(ctx, full, attempts, log)
		res.RunID = runID
		res.Attempts = attempts
		if err != nil {
			res.Error = err.Error()
			b.opts.Metrics.pass("failed")
		} else {
			b.opts.Metrics.pass("complete")
		}
		b.record(res)
		return res, err
	},
		backoff.WithBackOff(b.newBackOff()),
		backoff.WithMaxTries(b.opts.MaxAttempts),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).
				Int("attempt", attempts).
				Dur("retry_in", next).
				Msg("Backfill pass failed, retrying")
		}),
	)
	if err != nil {
		log.Error().Err(err).Int("attempts", attempts).Msg("Backfill run failed")
		return res, err
	}
	log.Info().
		Int("attempts", attempts).
		Int("visited", res.Visited).
		Int("replicated", res.Replicated).
		Int("repaired", res.Repaired).
		Int("already_mapped", res.AlreadyMapped).
		Msg("Backfill run complete")
	return res, nil
}

func (b *Backfiller) newBackOff() backoff.BackOff {
	if b.opts.ConstantBackoff {
		return backoff.NewConstantBackOff(b.opts.InitialBackoff)
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.opts.InitialBackoff
	bo.MaxInterval = b.opts.MaxBackoff
	return bo
}

// pass walks the history once. Store failures are permanent; history and
// transient replication failures make the pass retryable. Messages mapped
// by earlier passes are skipped, so a retry only does the remaining work.
func (b *Backfiller) pass(ctx context.Context, full bool, attempt int, log zerolog.Logger) (PassResult, error) {
	res := PassResult{Full: full, StartedAt: time.Now()}

	since, err := b.since(ctx, full, log)
	if err != nil {
		return res, backoff.Permanent(err)
	}
	retryPermanent := uint(attempt) <= b.opts.PermanentRetryPasses

	// settled is the newest message of the trailing run of fully handled
	// messages; the cursor may only move over settled history.
	var settled *Cursor
	truncated := false
	history := b.client.FetchHistory(ctx, b.opts.Source, HistoryOptions{Since: since, PageSize: b.opts.PageSize})
	for msg, err := range history {
		if err != nil {
			res.FinishedAt = time.Now()
			return res, fmt.Errorf("failed to fetch history: %w", err)
		}
		if b.opts.MaxMessages > 0 && res.Visited >= b.opts.MaxMessages {
			truncated = true
			break
		}
		res.Visited++

		report, err := b.engine.Reconcile(ctx, msg)
		if err != nil {
			res.FinishedAt = time.Now()
			return res, backoff.Permanent(err)
		}
		b.count(&res, report)
		failed := report.Count(OutcomeTransientFailure) > 0
		if retryPermanent && report.Count(OutcomePermanentFailure) > 0 {
			failed = true
		}
		if failed {
			res.Incomplete++
		}

		switch {
		case report.Count(OutcomeTransientFailure)+report.Count(OutcomePermanentFailure) > 0:
			settled = nil
		case settled == nil:
			settled = &Cursor{MessageID: msg.ID, Position: msg.Position}
		}
	}
	res.FinishedAt = time.Now()

	if err := ctx.Err(); err != nil {
		return res, err
	}
	if res.Incomplete > 0 {
		return res, fmt.Errorf("%w: %d messages have unmapped targets", ErrPassIncomplete, res.Incomplete)
	}
	if b.opts.UseCursor && settled != nil && !truncated {
		if err := b.store.AdvanceCursor(ctx, b.opts.Source, *settled); err != nil {
			return res, backoff.Permanent(fmt.Errorf("failed to advance sync cursor: %w", err))
		}
	}
	return res, nil
}

// since returns the position an incremental pass stops at. Outstanding
// placeholders may belong to messages below the cursor, so while any exist
// the whole history is walked.
func (b *Backfiller) since(ctx context.Context, full bool, log zerolog.Logger) (int64, error) {
	if !b.opts.UseCursor || full {
		return 0, nil
	}
	cursor, err := b.store.Cursor(ctx, b.opts.Source)
	if err != nil {
		return 0, fmt.Errorf("failed to load sync cursor: %w", err)
	}
	if cursor == nil {
		return 0, nil
	}
	stats, err := b.store.Stats(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count placeholders: %w", err)
	}
	if stats.Placeholders > 0 {
		log.Debug().Int("placeholders", stats.Placeholders).Msg("Ignoring sync cursor while placeholders are outstanding")
		return 0, nil
	}
	log.Debug().Str("cursor_id", string(cursor.MessageID)).Int64("cursor_position", cursor.Position).Msg("Resuming from sync cursor")
	return cursor.Position, nil
}

func (b *Backfiller) count(res *PassResult, report Report) {
	switch report.Action {
	case ActionReplicated:
		res.Replicated++
	case ActionRepaired:
		res.Repaired++
	case ActionAlreadyMapped:
		res.AlreadyMapped++
	default:
		res.Skipped++
	}
	b.opts.Metrics.backfillMessage(string(report.Action))
}

func (b *Backfiller) record(res PassResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = &res
}
