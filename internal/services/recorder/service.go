package recorder

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"labguard-worker-go/internal/metrics"
	"labguard-worker-go/internal/models"
)

// ImageWriter stores one image under a relative key.
type ImageWriter interface {
	Write(key string, frame *models.RawFrame) error
}

// Service is the persistence writer. It drains the shared snapshot queue on
// one goroutine until Stop is called.
type Service struct {
	queue   chan *models.PersistRequest
	writer  ImageWriter
	metrics *metrics.Metrics

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewService creates a writer with its own queue of the given capacity.
func NewService(capacity int, writer ImageWriter, m *metrics.Metrics) *Service {
	if m == nil {
		m = metrics.New()
	}
	return &Service{
		queue:   make(chan *models.PersistRequest, max(capacity, 1)),
		writer:  writer,
		metrics: m,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Queue is shared by every camera context.
func (s *Service) Queue() chan *models.PersistRequest { return s.queue }

func (s *Service) Start() {
	s.startOnce.Do(func() {
		go s.run()
		log.Info().Int("capacity", cap(s.queue)).Msg("Snapshot recorder started")
	})
}

func (s *Service) run() {
	defer close(s.done)
	for {
		select {
		case req := <-s.queue:
			if req != nil {
				s.write(req)
			}
		case <-s.stop:
			log.Info().Msg("Snapshot recorder received stop signal")
			s.drain()
			return
		}
	}
}

// drain writes what is queued at stop time. Producers that are still
// pushing cannot keep it running past one queue's worth of requests.
func (s *Service) drain() {
	for range cap(s.queue) {
		select {
		case req := <-s.queue:
			if req != nil {
				s.write(req)
			}
		default:
			return
		}
	}
}

func (s *Service) write(req *models.PersistRequest) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.PersistFailures.Add(1)
			log.Error().Str("key", req.Key).Interface("panic", r).Msg("Recovered from panic while writing snapshot")
		}
	}()

	start := time.Now()
	if err := s.writer.Write(req.Key, req.Frame); err != nil {
		s.metrics.PersistFailures.Add(1)
		log.Error().Err(err).Str("key", req.Key).Msg("Failed to write snapshot")
		return
	}
	s.metrics.PersistWrites.Add(1)
	log.Debug().Str("key", req.Key).Dur("took", time.Since(start)).Msg("Snapshot written")
}

// Stop signals the writer to flush pending requests and waits for it to
// finish, or for ctx to expire.
func (s *Service) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	select {
	case <-s.done:
		log.Info().Msg("Snapshot recorder stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
