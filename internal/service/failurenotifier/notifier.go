// Package failurenotifier fans failed-job alerts out to operator channels.
package failurenotifier

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/target/etl-loader/internal/domain/model"
	"github.com/target/etl-loader/internal/observability/notify"
)

// SinkRegistration names a sink for logs.
type SinkRegistration struct {
	Name string
	Sink notify.Sink
}

// Options configures the failure notifier service.
type Options struct {
	Logger *slog.Logger
	Sinks  []SinkRegistration
	// JobTypes limits alerts to these job types. Empty means every type.
	JobTypes []model.JobType
	// Cooldown suppresses repeat alerts for the same load (or job when no
	// load history exists) inside the window. Zero disables suppression.
	Cooldown time.Duration
	// SinkTimeout bounds one sink's delivery including its retries.
	SinkTimeout time.Duration
	Now         func() time.Time
}

// Service dispatches failure events to all registered sinks.
type Service struct {
	logger      *slog.Logger
	sinks       []SinkRegistration
	jobTypes    map[model.JobType]struct{}
	cooldown    time.Duration
	sinkTimeout time.Duration
	now         func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewService constructs a failure notifier.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &Service{
		logger:      logger.With("component", "failure_notifier"),
		cooldown:    max(opts.Cooldown, 0),
		sinkTimeout: opts.SinkTimeout,
		now:         now,
		lastSent:    make(map[string]time.Time),
	}
	for _, entry := range opts.Sinks {
		if entry.Sink == nil {
			continue
		}
		if entry.Name == "" {
			entry.Name = "sink"
		}
		s.sinks = append(s.sinks, entry)
	}
	if len(opts.JobTypes) > 0 {
		s.jobTypes = make(map[model.JobType]struct{}, len(opts.JobTypes))
		for _, t := range opts.JobTypes {
			s.jobTypes[t] = struct{}{}
		}
	}
	return s
}

// NotifyJobFailure delivers payload to every sink concurrently and waits.
// Delivery errors are logged, never returned.
func (s *Service) NotifyJobFailure(ctx context.Context, payload notify.JobFailurePayload) {
	if !s.Enabled() {
		return
	}
	if reason := s.suppressed(payload); reason != "" {
		s.logger.DebugContext(ctx, "failure notification suppressed",
			"job_id", payload.JobID,
			"job_type", payload.JobType,
			"history_id", payload.HistoryID,
			"reason", reason,
		)
		return
	}
	if payload.Severity == "" {
		payload.Severity = notify.SeverityCritical
	}

	var g errgroup.Group
	for _, entry := range s.sinks {
		g.Go(func() error {
			sctx, cancel := s.sinkContext(ctx)
			defer cancel()
			start := s.now()
			if err := entry.Sink.SendJobFailure(sctx, payload); err != nil {
				s.logger.ErrorContext(ctx, "failure notification not delivered",
					"sink", entry.Name,
					"job_id", payload.JobID,
					"target_table", payload.TargetTable,
					"elapsed", s.now().Sub(start),
					"error", err,
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// suppressed returns why payload should not be sent, or "".
func (s *Service) suppressed(p notify.JobFailurePayload) string {
	if s.jobTypes != nil && p.JobType != "" {
		if _, ok := s.jobTypes[model.JobType(p.JobType)]; !ok {
			return "job_type"
		}
	}
	if s.cooldown == 0 {
		return ""
	}
	key := notify.Or(p.HistoryID, p.JobID)
	if key == "" {
		return ""
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, at := range s.lastSent {
		if now.Sub(at) >= s.cooldown {
			delete(s.lastSent, k)
		}
	}
	if _, recent := s.lastSent[key]; recent {
		return "cooldown"
	}
	s.lastSent[key] = now
	return ""
}

func (s *Service) sinkContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.sinkTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.sinkTimeout)
}

// Enabled reports whether the notifier has any active sinks.
func (s *Service) Enabled() bool {
	return s != nil && len(s.sinks) > 0
}
