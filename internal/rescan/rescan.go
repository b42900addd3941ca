// Package rescan periodically re-dispatches PENDING requests that were
// parked with a retry marker (no candidate, exhausted queue, interrupted
// negotiation).
package rescan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/example/field-dispatch/internal/models"
)

// parser accepts standard 5-field expressions and descriptors such as "@every 1m".
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Source interface {
	ListRetryable(ctx context.Context, limit int) ([]models.AssistanceRequest, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, requestID string) error
}

type Job struct {
	source     Source
	dispatcher Dispatcher
	batch      int
	logger     *slog.Logger
	cron       *cron.Cron
}

func New(source Source, dispatcher Dispatcher, schedule string, batch int, logger *slog.Logger) (*Job, error) {
	sched, err := parser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("parse rescan schedule %q: %w", schedule, err)
	}
	if batch <= 0 {
		batch = 100
	}
	j := &Job{source: source, dispatcher: dispatcher, batch: batch, logger: logger}
	j.cron = cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	j.cron.Schedule(sched, cron.FuncJob(func() {
		if _, err := j.RunOnce(context.Background()); err != nil {
			j.logger.Error("rescan failed", "error", err)
		}
	}))
	return j, nil
}

func (j *Job) Start() { j.cron.Start() }

// Stop prevents further runs and waits for a running one to finish.
func (j *Job) Stop(ctx context.Context) error {
	select {
	case <-j.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce re-dispatches one batch, highest priority first, and returns
// how many dispatches were accepted.
func (j *Job) RunOnce(ctx context.Context) (int, error) {
	reqs, err := j.source.ListRetryable(ctx, j.batch)
	if err != nil {
		return 0, fmt.Errorf("list retryable requests: %w", err)
	}
	var (
		n    int
		errs []error
	)
	for _, r := range reqs {
		if err := j.dispatcher.Dispatch(ctx, r.ID); err != nil {
			errs = append(errs, fmt.Errorf("dispatch %s: %w", r.ID, err))
			continue
		}
		n++
	}
	if len(reqs) > 0 {
		j.logger.Info("rescan dispatched", "candidates", len(reqs), "dispatched", n)
	}
	return n, errors.Join(errs...)
}
