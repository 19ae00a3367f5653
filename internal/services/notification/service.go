package notification

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"labguard-worker-go/internal/helpers"
	"labguard-worker-go/internal/metrics"
	"labguard-worker-go/internal/models"
)

// Sink delivers one escalation event to an external channel.
type Sink interface {
	Name() string
	Send(ctx context.Context, event models.EscalationEvent) error
}

// Options size the dispatcher.
type Options struct {
	Workers    int
	BufferSize int
	Timeout    time.Duration
}

// Service fans escalation events out to every sink from a bounded queue.
// Failures are logged and never retried.
type Service struct {
	opts    Options
	sinks   []Sink
	queue   chan models.EscalationEvent
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewService(opts Options, m *metrics.Metrics, sinks ...Sink) *Service {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 64
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if m == nil {
		m = metrics.New()
	}
	return &Service{
		opts:    opts,
		sinks:   sinks,
		queue:   make(chan models.EscalationEvent, opts.BufferSize),
		metrics: m,
	}
}

// Start launches the delivery workers.
func (s *Service) Start(ctx context.Context) {
	for i := 0; i < s.opts.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
	names := make([]string, 0, len(s.sinks))
	for _, sink := range s.sinks {
		names = append(names, sink.Name())
	}
	log.Info().Int("workers", s.opts.Workers).Strs("sinks", names).Msg("Notification service started")
}

// Dispatch enqueues an event without blocking. When the queue is full the
// oldest pending event is dropped.
func (s *Service) Dispatch(event models.EscalationEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		log.Warn().Str("event_id", event.ID).Msg("Notification service closed, event dropped")
		return
	}
	if helpers.PushDropOldest(s.queue, event) {
		s.metrics.NotificationFailures.Add(1)
		log.Warn().Msg("Notification queue full, dropped oldest event")
	}
}

func (s *Service) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Int("worker_id", id).Interface("panic", r).Msg("Recovered from panic in notification worker")
		}
	}()

	for event := range s.queue {
		s.deliver(ctx, event)
	}
}

func (s *Service) deliver(ctx context.Context, event models.EscalationEvent) {
	for _, sink := range s.sinks {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.Timeout)
		err := sink.Send(sendCtx, event)
		cancel()
		if err != nil {
			s.metrics.NotificationFailures.Add(1)
			log.Error().Err(err).
				Str("sink", sink.Name()).
				Str("event_id", event.ID).
				Str("camera_id", event.CameraID).
				Msg("Failed to deliver notification")
			continue
		}
		s.metrics.NotificationsSent.Add(1)
		log.Debug().Str("sink", sink.Name()).Str("event_id", event.ID).Msg("Notification delivered")
	}
}

// Shutdown stops accepting events, drains the queue and waits for the
// workers until ctx expires.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("Notification service shutdown")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
