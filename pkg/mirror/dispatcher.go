// Copyright 2024-2026 Aiku AI

package mirror

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler applies a source event. *Engine implements it.
type Handler interface {
	Handle(ctx context.Context, evt Event) (Report, error)
}

// Dispatcher routes source events to a fixed set of worker lanes. Events for
// the same source id always land in the same lane, so their relative order is
// kept; events for different ids run concurrently.
type Dispatcher struct {
	handler Handler
	lanes   []chan Event
	log     zerolog.Logger

	// opCtx is handed to the handler; cancelling it makes in-flight
	// platform calls fail fast once the shutdown grace period is over.
	opCtx    context.Context
	cancelOp context.CancelFunc

	mu       sync.RWMutex
	stopped  bool
	stopping chan struct{}
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher with the given number of lanes, each
// buffering up to queueSize events.
func NewDispatcher(handler Handler, workers, queueSize int, log zerolog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	opCtx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		handler:  handler,
		lanes:    make([]chan Event, workers),
		log:      log.With().Str("component", "dispatcher").Logger(),
		opCtx:    opCtx,
		cancelOp: cancel,
		stopping: make(chan struct{}),
	}
	for i := range d.lanes {
		d.lanes[i] = make(chan Event, queueSize)
	}
	return d
}

// Start launches the lane workers.
func (d *Dispatcher) Start() {
	for i, lane := range d.lanes {
		d.wg.Add(1)
		go d.work(i, lane)
	}
}

// Submit enqueues an event. It blocks while the event's lane is full and
// returns ErrStopped once Stop has been called.
func (d *Dispatcher) Submit(ctx context.Context, evt Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrStopped
	}
	lane := d.lanes[hashID(evt.SourceID)%uint32(len(d.lanes))]
	select {
	case lane <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop stops accepting events, lets the lanes drain for up to grace, and
// then cancels whatever is still in flight.
func (d *Dispatcher) Stop(grace time.Duration) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	close(d.stopping)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	defer d.cancelOp()
	select {
	case <-done:
		d.log.Info().Msg("Dispatcher drained")
		return nil
	case <-time.After(grace):
		d.log.Warn().Dur("grace", grace).Msg("Shutdown grace period exceeded, cancelling in-flight operations")
		d.cancelOp()
		<-done
		return fmt.Errorf("dispatcher did not drain within %s", grace)
	}
}

func (d *Dispatcher) work(index int, lane chan Event) {
	defer d.wg.Done()
	for {
		select {
		case evt := <-lane:
			d.handle(index, evt)
		case <-d.stopping:
			// No sender can be active once stopping is closed.
			for {
				select {
				case evt := <-lane:
					d.handle(index, evt)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) handle(lane int, evt Event) {
	log := d.log.With().
		Int("lane", lane).
		Str("kind", evt.Kind.String()).
		Str("source_id", string(evt.SourceID)).
		Logger()
	report, err := d.handler.Handle(d.opCtx, evt)
	if err != nil {
		log.Error().Err(err).Msg("Failed to handle source event")
		return
	}
	log.Debug().
		Str("action", string(report.Action)).
		Int("succeeded", report.Count(OutcomeSuccess)).
		Int("failed", len(report.Outcomes)-report.Count(OutcomeSuccess)).
		Msg("Handled source event")
}
