// Package maintenance runs the periodic hygiene jobs for conversational
// memory: orphaned index entry cleanup, embedding backfill for windows that
// missed the async path, and full-text index rebuilds.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/masamong/masamong/pkg/masamong/memory"
)

// Config holds the maintenance schedules in cron syntax.
type Config struct {
	// Enabled turns the scheduler on.
	Enabled bool `yaml:"enabled"`

	// OrphanCleanSchedule removes lexical index entries without a backing
	// message.
	OrphanCleanSchedule string `yaml:"orphan_clean_schedule"`

	// BackfillSchedule embeds windows the async worker dropped.
	BackfillSchedule string `yaml:"backfill_schedule"`

	// ReindexSchedule rebuilds the full-text index from stored content.
	// Empty disables the job; a rebuild is rarely needed.
	ReindexSchedule string `yaml:"reindex_schedule"`

	// BackfillBatch caps how many windows one backfill run embeds.
	BackfillBatch int `yaml:"backfill_batch"`
}

// DefaultConfig returns the production schedules.
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		OrphanCleanSchedule: "0 4 * * *",
		BackfillSchedule:    "*/10 * * * *",
		BackfillBatch:       100,
	}
}

// Runner owns the cron scheduler.
type Runner struct {
	cfg    Config
	svc    *memory.Service
	cron   *cron.Cron
	logger *slog.Logger
}

// New registers the configured jobs. Returns an error for an unparseable
// schedule so bad config dies at startup.
func New(cfg Config, svc *memory.Service, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		cfg:    cfg,
		svc:    svc,
		cron:   cron.New(),
		logger: logger.With("component", "maintenance"),
	}

	jobs := []struct {
		name     string
		schedule string
		run      func(context.Context) error
	}{
		{name: "orphan-clean", schedule: cfg.OrphanCleanSchedule, run: r.cleanOrphans},
		{name: "embedding-backfill", schedule: cfg.BackfillSchedule, run: r.backfill},
		{name: "fts-rebuild", schedule: cfg.ReindexSchedule, run: r.rebuild},
	}
	for _, j := range jobs {
		if j.schedule == "" {
			continue
		}
		j := j
		_, err := r.cron.AddFunc(j.schedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			if err := j.run(ctx); err != nil {
				r.logger.Error("maintenance job failed", "job", j.name, "error", err)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("maintenance: schedule %q for %s: %w", j.schedule, j.name, err)
		}
	}
	return r, nil
}

// Start launches the scheduler. A disabled config is a no-op.
func (r *Runner) Start() {
	if !r.cfg.Enabled {
		return
	}
	r.cron.Start()
	r.logger.Info("maintenance scheduler started",
		"orphan_clean", r.cfg.OrphanCleanSchedule,
		"backfill", r.cfg.BackfillSchedule)
}

// Stop halts the scheduler and waits for running jobs.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

func (r *Runner) cleanOrphans(ctx context.Context) error {
	n, err := r.svc.CleanOrphans(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		r.logger.Info("orphan clean complete", "removed", n)
	}
	return nil
}

func (r *Runner) backfill(ctx context.Context) error {
	n, err := r.svc.BackfillEmbeddings(ctx, r.cfg.BackfillBatch)
	if n > 0 {
		r.logger.Info("embedding backfill complete", "embedded", n)
	}
	return err
}

func (r *Runner) rebuild(ctx context.Context) error {
	return r.svc.RebuildLexicalIndex(ctx)
}
