package scheduling

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/congo-pay/transferd/internal/clock"
	"github.com/congo-pay/transferd/internal/logging"
	"github.com/congo-pay/transferd/internal/queue"
)

// PublisherConfig sets the scan cadence and windows.
type PublisherConfig struct {
	DueInterval   time.Duration
	DueLookahead  time.Duration
	RetryInterval time.Duration
	RetryBackoff  time.Duration
	MaxRetry      int
	RecoveryBatch int
}

func (c PublisherConfig) withDefaults() PublisherConfig {
	if c.DueInterval <= 0 {
		c.DueInterval = time.Minute
	}
	if c.DueLookahead <= 0 {
		c.DueLookahead = 2 * time.Minute
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 15 * time.Minute
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 15 * time.Minute
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = 3
	}
	if c.RecoveryBatch <= 0 {
		c.RecoveryBatch = 100
	}
	return c
}

// Publisher scans the repository and emits execution hints. It never
// changes rows; the executor owns every state transition.
type Publisher struct {
	repo   Repository
	queue  queue.Publisher
	clock  clock.Clock
	cfg    PublisherConfig
	logger *slog.Logger

	mu sync.Mutex
	// missed holds rows whose PUBLISH hint could not be sent. They may have
	// left the due window by the next scan.
	missed map[string]struct{}
}

// NewPublisher builds a Publisher.
func NewPublisher(repo Repository, q queue.Publisher, c clock.Clock, cfg PublisherConfig, logger *slog.Logger) *Publisher {
	if c == nil {
		c = clock.Real()
	}
	return &Publisher{
		repo:   repo,
		queue:  q,
		clock:  c,
		cfg:    cfg.withDefaults(),
		logger: logging.Component(logger, "scheduler"),
		missed: make(map[string]struct{}),
	}
}

// ScanDue hints every PENDING row scheduled within the lookahead window,
// plus rows whose hint failed on an earlier scan and are still pending.
func (p *Publisher) ScanDue(ctx context.Context) (int, error) {
	now := p.clock.Now()
	rows, err := p.repo.FindDue(ctx, now, now.Add(p.cfg.DueLookahead))
	if err != nil {
		return 0, err
	}
	rows, err = p.withMissed(ctx, rows)
	if err != nil {
		return 0, err
	}
	return p.emit(ctx, rows, queue.TypePublish), nil
}

func (p *Publisher) withMissed(ctx context.Context, rows []Transfer) ([]Transfer, error) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.missed))
	for id := range p.missed {
		ids = append(ids, id)
	}
	p.missed = make(map[string]struct{})
	p.mu.Unlock()

	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		seen[row.ID] = true
	}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		row, err := p.repo.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			p.remember(id)
			return nil, err
		}
		if row.Status == StatusPending && !row.Processed {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func (p *Publisher) remember(id string) {
	p.mu.Lock()
	p.missed[id] = struct{}{}
	p.mu.Unlock()
}

// ScanRetry hints technically failed rows whose backoff has elapsed.
func (p *Publisher) ScanRetry(ctx context.Context) (int, error) {
	rows, err := p.repo.FindRetryable(ctx, p.cfg.MaxRetry, p.clock.Now().Add(-p.cfg.RetryBackoff))
	if err != nil {
		return 0, err
	}
	return p.emit(ctx, rows, queue.TypeRetry), nil
}

// Recover pages through overdue PENDING rows until a page comes back empty.
func (p *Publisher) Recover(ctx context.Context) (int, error) {
	cutoff := p.clock.Now()
	total := 0
	after := ""
	for {
		rows, err := p.repo.FindOverdue(ctx, cutoff, after, p.cfg.RecoveryBatch)
		if err != nil {
			return total, err
		}
		if len(rows) == 0 {
			return total, nil
		}
		total += p.emit(ctx, rows, queue.TypeRecovery)
		after = rows[len(rows)-1].ID
	}
}

func (p *Publisher) emit(ctx context.Context, rows []Transfer, typ queue.MessageType) int {
	sent := 0
	now := p.clock.Now()
	for _, row := range rows {
		if err := p.queue.Publish(ctx, queue.Hint{TransferID: row.ID, Type: typ, EmittedAt: now}); err != nil {
			// Retry and recovery rows stay matched by their scans; due rows
			// may not, so they are carried to the next due scan.
			if typ == queue.TypePublish {
				p.remember(row.ID)
			}
			p.logger.Warn("publish hint failed",
				slog.String("transfer_id", row.ID),
				slog.String("message_type", string(typ)),
				slog.Any("error", err),
			)
			continue
		}
		sent++
	}
	if sent > 0 {
		p.logger.Info("hints published", slog.String("message_type", string(typ)), slog.Int("count", sent))
	}
	return sent
}

// Run performs recovery once, then runs the due and retry scans on their
// intervals until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	if _, err := p.Recover(ctx); err != nil {
		p.logger.Error("recovery scan failed", slog.Any("error", err))
	}

	due := time.NewTicker(p.cfg.DueInterval)
	defer due.Stop()
	retry := time.NewTicker(p.cfg.RetryInterval)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-due.C:
			if _, err := p.ScanDue(ctx); err != nil {
				p.logger.Error("due scan failed", slog.Any("error", err))
			}
		case <-retry.C:
			if _, err := p.ScanRetry(ctx); err != nil {
				p.logger.Error("retry scan failed", slog.Any("error", err))
			}
		}
	}
}
