package tor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"golang.org/x/time/rate"

	"github.com/yanmarques/youtube-extractor/internal/log"
	"github.com/yanmarques/youtube-extractor/internal/model"
)

// RestartInterval is the minimal interval between two supervisor restarts.
const RestartInterval = time.Minute

// Supervisor periodically checks that the daemon still listens on the port
// and restarts it when it vanished. Restarts of a flapping daemon are
// limited to one per RestartInterval.
type Supervisor struct {
	svc       *Service
	scheduler gocron.Scheduler
	restarts  *rate.Limiter
	logger    *slog.Logger
}

func NewSupervisor(ctx context.Context, svc *Service, health model.Health, logger *slog.Logger) (*Supervisor, error) {
	s := &Supervisor{
		svc:      svc,
		restarts: rate.NewLimiter(rate.Every(RestartInterval), 1),
		logger:   log.OrDefault(logger),
	}
	scheduler, err := newScheduler(ctx, health, s.logger, func() {
		if err := s.Check(ctx); err != nil {
			s.logger.ErrorContext(ctx, "tor health check failed", "error", err)
		}
	})
	if err != nil {
		return nil, err
	}
	s.scheduler = scheduler
	return s, nil
}

func (s *Supervisor) Start() {
	s.scheduler.Start()
}

func (s *Supervisor) Shutdown() error {
	return s.scheduler.Shutdown()
}

// Check restarts a started service whose port has no listener any more.
func (s *Supervisor) Check(ctx context.Context) error {
	state := s.svc.State()
	if !state.Started {
		return nil
	}
	ctx = s.svc.ctx(ctx)
	if pid, ok := s.svc.lookup.Occupant(ctx, s.svc.cfg.Port); ok {
		s.logger.DebugContext(ctx, "tor is healthy", "pid", pid)
		return nil
	}
	if !s.restarts.Allow() {
		s.logger.WarnContext(ctx, "tor is not listening, restart postponed", "pid", state.PID)
		return nil
	}
	s.logger.WarnContext(ctx, "tor is not listening, restarting", "pid", state.PID)
	return s.svc.Restart(ctx)
}

func newScheduler(ctx context.Context, health model.Health, logger *slog.Logger, check func()) (gocron.Scheduler, error) {
	var job gocron.JobDefinition
	switch {
	case health.Cron != "" && health.Duration != "":
		return nil, errors.New("both cron and duration are set")
	case health.Cron != "":
		if _, err := model.ParseCron(health.Cron); err != nil {
			return nil, fmt.Errorf("parsing tor.health.cron: %w", err)
		}
		job = gocron.CronJob(health.Cron, false)
		logger.DebugContext(ctx, "successfully parsed", "cron", health.Cron)
	case health.Duration != "":
		d, err := model.ParseISODuration(health.Duration)
		if err != nil {
			return nil, fmt.Errorf("parsing tor.health.duration: %w", err)
		}
		job = gocron.DurationJob(d)
		logger.DebugContext(ctx, "successfully parsed", "duration", d.String())
	default:
		return nil, errors.New("both cron and duration are empty")
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(check),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
