// Package worker drains the trigger queue into the rewards engine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"refengine/internal/metrics"
	"refengine/internal/queue"
	"refengine/internal/rewards"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

var (
	errPartialDistribution = errors.New("distribution left failed levels")
	errPartialMilestones   = errors.New("milestone evaluation left failed claims")
)

type Engine interface {
	Distribute(ctx context.Context, in rewards.DistributeInput) (rewards.DistributionResult, error)
	EvaluateMilestones(ctx context.Context, sponsorID, triggerReferralID string) (rewards.MilestoneResult, error)
}

type Source interface {
	Reserve(ctx context.Context, timeout time.Duration) (queue.Delivery, error)
	Ack(ctx context.Context, d queue.Delivery) error
	DeadLetter(ctx context.Context, d queue.Delivery, cause error) error
}

type Options struct {
	Concurrency int
	MaxRetries  uint64
	PollTimeout time.Duration
	// RunOnce stops each consumer as soon as the queue reports empty.
	RunOnce bool
	// NewBackOff builds the retry schedule for one delivery.
	NewBackOff func() backoff.BackOff
}

type Processor struct {
	engine Engine
	tree   rewards.TreeStore
	source Source
	opts   Options
	log    *slog.Logger
}

func NewProcessor(engine Engine, tree rewards.TreeStore, source Source, opts Options, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 5 * time.Second
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			return b
		}
	}
	return &Processor{engine: engine, tree: tree, source: source, opts: opts, log: logger}
}

// Run starts the consumers and blocks until ctx is done, or until the queue
// is drained when RunOnce is set.
func (p *Processor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Concurrency; i++ {
		consumer := i
		g.Go(func() error {
			return p.consume(ctx, consumer)
		})
	}
	return g.Wait()
}

func (p *Processor) consume(ctx context.Context, consumer int) error {
	log := p.log.With("consumer", consumer)
	for {
		if ctx.Err() != nil {
			return nil
		}
		d, err := p.source.Reserve(ctx, p.opts.PollTimeout)
		if errors.Is(err, queue.ErrEmpty) {
			if p.opts.RunOnce {
				return nil
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error("reserve trigger failed", "err", err)
			if err := sleep(ctx, time.Second); err != nil {
				return nil
			}
			continue
		}
		if err := p.Process(ctx, d); err != nil {
			log.Error("trigger settle failed", "event_id", d.Trigger.Label(), "err", err)
		}
	}
}

// Process runs one delivery with retries, then acks it or moves it to the
// dead-letter list. The returned error concerns queue bookkeeping only.
func (p *Processor) Process(ctx context.Context, d queue.Delivery) error {
	t := d.Trigger
	attempts := 0
	op := func() error {
		attempts++
		err := p.Handle(ctx, t)
		if err == nil {
			return nil
		}
		if isPermanent(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		p.log.Warn("trigger attempt failed", "event_id", t.Label(), "kind", t.Kind, "attempt", attempts, "err", err)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(p.opts.NewBackOff(), p.opts.MaxRetries), ctx)
	err := backoff.Retry(op, policy)
	if err == nil {
		metrics.ObserveQueueEvent(string(t.Kind), "ok")
		return p.source.Ack(ctx, d)
	}
	if ctx.Err() != nil {
		// Left in the processing list; RecoverProcessing requeues it on the next start.
		metrics.ObserveQueueEvent(string(t.Kind), "interrupted")
		return nil
	}
	metrics.ObserveQueueEvent(string(t.Kind), "dead")
	p.log.Error("trigger dead-lettered", "event_id", t.Label(), "kind", t.Kind, "attempts", attempts, "err", err)
	return p.source.DeadLetter(ctx, d, err)
}

// Handle applies one trigger. Replays are safe: the engine skips levels and
// milestones that were already paid.
func (p *Processor) Handle(ctx context.Context, t queue.Trigger) error {
	if err := t.Validate(); err != nil {
		return err
	}
	switch t.Kind {
	case queue.KindCommission:
		return p.distribute(ctx, t)
	case queue.KindMilestone:
		return p.evaluate(ctx, t.SponsorID, t.ReferralID)
	case queue.KindBadgePurchase:
		if err := p.distribute(ctx, t); err != nil {
			return err
		}
		sponsor := t.SponsorID
		if sponsor == "" {
			var err error
			sponsor, err = p.directSponsor(ctx, t.EarnerID)
			if err != nil {
				return err
			}
		}
		if sponsor == "" {
			return nil
		}
		return p.evaluate(ctx, sponsor, t.EarnerID)
	}
	return fmt.Errorf("%w: unknown trigger kind %q", rewards.ErrInvalidInput, t.Kind)
}

func (p *Processor) distribute(ctx context.Context, t queue.Trigger) error {
	res, err := p.engine.Distribute(ctx, t.DistributeInput())
	if err != nil {
		return err
	}
	if len(res.Failed) > 0 {
		return fmt.Errorf("%w: %d of %d levels", errPartialDistribution, len(res.Failed), res.LevelsProcessed)
	}
	p.log.Info("trigger distributed",
		"event_id", t.EventID,
		"levels", res.LevelsProcessed,
		"paid", len(res.Commissions),
		"total", res.CommissionsDistributed.String(),
		"reason", res.Reason,
	)
	return nil
}

func (p *Processor) evaluate(ctx context.Context, sponsorID, referralID string) error {
	res, err := p.engine.EvaluateMilestones(ctx, sponsorID, referralID)
	if err != nil {
		return err
	}
	if len(res.Failed) > 0 {
		return fmt.Errorf("%w: %d", errPartialMilestones, len(res.Failed))
	}
	if len(res.MilestonesAchieved) > 0 {
		p.log.Info("milestones awarded",
			"sponsor_id", sponsorID,
			"count", len(res.MilestonesAchieved),
			"total", res.TotalRewarded.String(),
		)
	}
	return nil
}

func (p *Processor) directSponsor(ctx context.Context, userID string) (string, error) {
	if p.tree == nil {
		return "", nil
	}
	path, err := p.tree.AncestorPath(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("direct sponsor lookup: %w", err)
	}
	for _, edge := range path {
		if edge.Level == 1 {
			return edge.AncestorID, nil
		}
	}
	return "", nil
}

func isPermanent(err error) bool {
	return errors.Is(err, rewards.ErrInvalidInput) || errors.Is(err, rewards.ErrEventIDRequired)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
