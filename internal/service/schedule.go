package service

import (
	"context"
	"fmt"
	"log/slog"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/marketdesk/refresher/internal/model"
)

// newScheduler returns a stopped gocron scheduler calling startFunc on every
// tick of the cron expression. Overlapping ticks are not queued: startFunc
// goes through TryStart like any HTTP caller.
func newScheduler(ctx context.Context, expr string, startFunc func()) (gocron.Scheduler, error) {
	err := model.ParseCron(expr)
	if err != nil {
		return nil, fmt.Errorf("parsing service.schedule.cron: %w", err)
	}
	job := gocron.CronJob(expr, false)
	slog.DebugContext(ctx, "successfully parsed", "cron", expr)

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(startFunc),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
