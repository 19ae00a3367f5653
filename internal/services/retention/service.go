package retention

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"labguard-worker-go/internal/metrics"
)

// PeopleStore drops identities that have not violated since cutoff.
type PeopleStore interface {
	DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// EvidenceSweeper removes evidence files older than cutoff.
type EvidenceSweeper func(cutoff time.Time) (int, error)

type Options struct {
	Period   time.Duration
	Interval time.Duration
	Timeout  time.Duration
}

// Report is the outcome of one retention run.
type Report struct {
	Cutoff   time.Time
	Evidence int
	People   int
}

// Service expires evidence and identities older than the retention period.
type Service struct {
	opts    Options
	people  PeopleStore
	sweep   EvidenceSweeper
	metrics *metrics.Metrics
	now     func() time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func NewService(opts Options, people PeopleStore, sweep EvidenceSweeper, m *metrics.Metrics) *Service {
	if m == nil {
		m = metrics.New()
	}
	if opts.Interval <= 0 {
		opts.Interval = 24 * time.Hour
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Minute
	}
	return &Service{
		opts:    opts,
		people:  people,
		sweep:   sweep,
		metrics: m,
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// RunOnce expires everything older than the retention period. Evidence is
// swept even when the identity store fails.
func (s *Service) RunOnce(ctx context.Context) (Report, error) {
	report := Report{Cutoff: s.now().Add(-s.opts.Period)}
	var errs []error

	if s.sweep != nil {
		n, err := s.sweep(report.Cutoff)
		report.Evidence = n
		s.metrics.EvidenceExpired.Add(uint64(n))
		if err != nil {
			errs = append(errs, fmt.Errorf("evidence: %w", err))
		}
	}
	if s.people != nil {
		n, err := s.people.DeleteInactiveBefore(ctx, report.Cutoff)
		report.People = n
		s.metrics.PeopleExpired.Add(uint64(n))
		if err != nil {
			errs = append(errs, fmt.Errorf("identities: %w", err))
		}
	}
	return report, errors.Join(errs...)
}

// Start runs retention immediately and then every Interval until Stop. A
// non-positive Period disables it.
func (s *Service) Start() {
	s.startOnce.Do(func() {
		if s.opts.Period <= 0 {
			log.Info().Msg("Retention disabled")
			close(s.done)
			return
		}
		go s.loop()
		log.Info().Dur("period", s.opts.Period).Dur("interval", s.opts.Interval).Msg("Retention started")
	})
}

func (s *Service) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		s.runSafely()
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) runSafely() {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Recovered from panic in retention run")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
	defer cancel()
	report, err := s.RunOnce(ctx)
	event := log.Info()
	if err != nil {
		event = log.Error().Err(err)
	}
	event.Time("cutoff", report.Cutoff).
		Int("evidence_removed", report.Evidence).
		Int("people_removed", report.People).
		Msg("Retention run finished")
}

// Stop ends the loop and waits for an in-flight run, or for ctx to expire.
func (s *Service) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
