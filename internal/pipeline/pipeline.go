// Package pipeline drives a deal from intake through the extraction state
// machine: pending -> extracting -> validating -> completed, with one
// repair pass (validating -> extracting) on validation failure and failed
// as the other terminal state.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/dealbrief/internal/extract"
	"github.com/sells-group/dealbrief/internal/fingerprint"
	"github.com/sells-group/dealbrief/internal/hub"
	"github.com/sells-group/dealbrief/internal/model"
	"github.com/sells-group/dealbrief/internal/store"
)

// maxModelInvocations bounds the model calls per deal: one extraction plus
// at most one repair.
const maxModelInvocations = 2

// ErrTooLarge is returned by Submit for input exceeding the size bound.
// No deal is created.
var ErrTooLarge = eris.New("input exceeds maximum size")

// ErrClosed is returned by Submit after Close.
var ErrClosed = eris.New("pipeline is shut down")

// Config tunes intake and scheduling.
type Config struct {
	MaxInputBytes int
	Workers       int
	QueueDepth    int
}

// Service owns the intake gate, the worker pool, and the per-deal state
// machine. Store and hub are shared across concurrent runs; each deal is
// driven by exactly one worker at a time.
type Service struct {
	store store.Store
	ext   *extract.Extractor
	hub   *hub.Hub
	cfg   Config

	queue  chan string
	group  *errgroup.Group
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// New creates a Service. Call Start before Submit.
func New(st store.Store, ext *extract.Extractor, h *hub.Hub, cfg Config) *Service {
	if cfg.MaxInputBytes <= 0 {
		cfg.MaxInputBytes = 10 * 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}
	return &Service{
		store: st,
		ext:   ext,
		hub:   h,
		cfg:   cfg,
		queue: make(chan string, cfg.QueueDepth),
	}
}

// Start launches the worker pool. Workers pull deal ids off the queue and
// drive one run each to completion.
func (s *Service) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	g, gctx := errgroup.WithContext(runCtx)
	s.group = g
	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case id, ok := <-s.queue:
					if !ok {
						return nil
					}
					s.run(gctx, id)
				}
			}
		})
	}
}

// Close stops accepting work, lets workers drain the queue, and waits for
// the pool to exit.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	if s.group != nil {
		_ = s.group.Wait()
	}
	if s.cancel != nil {
		s.cancel()
	}
}

// Submit is the intake gate: size check, fingerprint, create-if-absent,
// then asynchronous handoff to the worker pool. Duplicate submissions
// return *store.DuplicateError with the existing id; oversized input
// returns ErrTooLarge before any deal is created.
func (s *Service) Submit(ctx context.Context, rawText string) (*model.Deal, error) {
	if len(rawText) > s.cfg.MaxInputBytes {
		return nil, ErrTooLarge
	}

	hash := fingerprint.Hash(rawText)
	deal, err := s.store.CreateDeal(ctx, rawText, hash)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	select {
	case <-ctx.Done():
		s.mu.RUnlock()
		return nil, eris.Wrap(ctx.Err(), "submit")
	case s.queue <- deal.ID:
		s.mu.RUnlock()
	}

	zap.L().Info("deal accepted",
		zap.String("deal_id", deal.ID),
		zap.String("content_hash", hash),
	)
	return deal, nil
}

// GetDeal returns the current snapshot of a deal.
func (s *Service) GetDeal(ctx context.Context, id string) (*model.Deal, error) {
	return s.store.GetDeal(ctx, id)
}

// ListDeals returns up to limit deal summaries, newest first.
func (s *Service) ListDeals(ctx context.Context, limit int) ([]model.DealSummary, error) {
	return s.store.ListDeals(ctx, limit)
}

// Watch attaches a live subscriber to a deal's status events.
func (s *Service) Watch(dealID string) *hub.Subscription {
	return s.hub.Subscribe(dealID)
}

// run executes the state machine for one deal. Transitions are strictly
// sequential; each is persisted before it is published, so storage reads
// never lag the event stream.
func (s *Service) run(ctx context.Context, id string) {
	deal, err := s.store.GetDeal(ctx, id)
	if err != nil {
		zap.L().Error("load deal for run", zap.String("deal_id", id), zap.Error(err))
		return
	}

	if err := s.transition(ctx, id, model.StatusExtracting, 1); err != nil {
		s.fail(ctx, id, 1, err)
		return
	}

	raw, err := s.ext.Generate(ctx, deal.RawText, nil)
	if err != nil {
		s.fail(ctx, id, 1, err)
		return
	}

	invocations := 1
	for {
		if err := s.transition(ctx, id, model.StatusValidating, invocations); err != nil {
			s.fail(ctx, id, invocations, err)
			return
		}

		extracted, verr := extract.Parse(raw)
		if verr == nil {
			s.complete(ctx, id, invocations, extracted)
			return
		}

		if invocations >= maxModelInvocations {
			s.fail(ctx, id, invocations, verr)
			return
		}

		// Repair pass: re-enter extracting with the malformed output and
		// failure reason embedded in the prompt.
		var ve *extract.ValidationError
		if !errors.As(verr, &ve) {
			s.fail(ctx, id, invocations, verr)
			return
		}
		invocations++
		if err := s.transition(ctx, id, model.StatusExtracting, invocations); err != nil {
			s.fail(ctx, id, invocations, err)
			return
		}

		zap.L().Info("repairing model output",
			zap.String("deal_id", id),
			zap.String("reason", ve.Reason),
		)
		raw, err = s.ext.Generate(ctx, deal.RawText, &extract.Repair{
			PriorOutput: ve.RawOutput,
			Reason:      ve.Reason,
		})
		if err != nil {
			s.fail(ctx, id, invocations, err)
			return
		}
	}
}

// transition persists a non-terminal status and then publishes it.
func (s *Service) transition(ctx context.Context, id string, status model.DealStatus, attempt int) error {
	if err := s.store.UpdateStatus(ctx, id, status, nil); err != nil {
		return eris.Wrapf(err, "transition to %s", status)
	}
	s.publish(hub.Event{
		DealID:  id,
		Status:  status,
		Attempt: attempt,
		At:      time.Now().UTC(),
	})
	return nil
}

// complete atomically persists the extracted fields with completed status,
// then publishes the final event.
func (s *Service) complete(ctx context.Context, id string, attempt int, extracted *model.ExtractedDeal) {
	if err := s.store.SetExtracted(ctx, id, extracted); err != nil {
		zap.L().Error("persist extracted fields", zap.String("deal_id", id), zap.Error(err))
		return
	}
	zap.L().Info("deal completed",
		zap.String("deal_id", id),
		zap.String("company", extracted.CompanyName),
		zap.Int("model_invocations", attempt),
	)
	s.publish(hub.Event{
		DealID:    id,
		Status:    model.StatusCompleted,
		Attempt:   attempt,
		Extracted: extracted,
		At:        time.Now().UTC(),
	})
}

// fail moves the deal to the failed terminal state with a diagnostic,
// then publishes the final event.
func (s *Service) fail(ctx context.Context, id string, attempt int, cause error) {
	msg := cause.Error()
	if err := s.store.UpdateStatus(ctx, id, model.StatusFailed, &msg); err != nil {
		zap.L().Error("persist failed status", zap.String("deal_id", id), zap.Error(err))
		return
	}
	zap.L().Warn("deal failed",
		zap.String("deal_id", id),
		zap.String("reason", msg),
	)
	s.publish(hub.Event{
		DealID:  id,
		Status:  model.StatusFailed,
		Attempt: attempt,
		Error:   msg,
		At:      time.Now().UTC(),
	})
}

// publish is best-effort: persisted state is authoritative and a hub
// problem never rolls back a transition.
func (s *Service) publish(ev hub.Event) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("status publish panic", zap.Any("panic", r))
		}
	}()
	s.hub.Publish(ev)
}
