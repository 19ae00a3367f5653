package detection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"labguard-worker-go/internal/helpers"
	"labguard-worker-go/internal/metrics"
	"labguard-worker-go/internal/models"
)

// Processor runs one detection pass over a frame.
type Processor interface {
	Process(ctx context.Context, frame *models.RawFrame, cc *models.CameraContext)
}

// ProcessorFactory builds the processor owned by one worker, so each worker
// can hold its own model handles.
type ProcessorFactory func(workerID int) (Processor, error)

type job struct {
	frame *models.RawFrame
	cc    *models.CameraContext
}

// Worker consumes its own queue with one processor.
type Worker struct {
	id        int
	queue     chan job
	processor Processor
	cancel    context.CancelFunc
	done      chan struct{}
}

func (w *Worker) ID() int { return w.id }

// Pending is the number of frames waiting in the worker's queue.
func (w *Worker) Pending() int { return len(w.queue) }

// SchedulerOptions size the pool.
type SchedulerOptions struct {
	Workers     int
	QueueSize   int
	PopTimeout  time.Duration
	StopTimeout time.Duration
}

// Service is the detection worker pool. Frames are assigned round-robin
// across workers.
type Service struct {
	opts    SchedulerOptions
	metrics *metrics.Metrics

	mu      sync.Mutex
	workers []*Worker
	next    int
	started bool
}

func NewService(opts SchedulerOptions, factory ProcessorFactory, m *metrics.Metrics) (*Service, error) {
	if opts.Workers < 1 {
		return nil, fmt.Errorf("worker count must be positive, got %d", opts.Workers)
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}
	if opts.PopTimeout <= 0 {
		opts.PopTimeout = time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 2 * time.Second
	}
	if m == nil {
		m = metrics.New()
	}

	s := &Service{opts: opts, metrics: m}
	for i := 0; i < opts.Workers; i++ {
		p, err := factory(i)
		if err != nil {
			return nil, fmt.Errorf("create processor for worker %d: %w", i, err)
		}
		s.workers = append(s.workers, &Worker{
			id:        i,
			queue:     make(chan job, opts.QueueSize),
			processor: p,
			done:      make(chan struct{}),
		})
	}
	return s, nil
}

// Start launches every worker goroutine.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	for _, w := range s.workers {
		wctx, cancel := context.WithCancel(ctx)
		w.cancel = cancel
		go s.runWorker(wctx, w)
	}
	log.Info().Int("workers", len(s.workers)).Msg("Detection workers started")
}

// Submit hands the frame to the next worker in rotation. It never blocks;
// a full worker queue drops its oldest frame.
func (s *Service) Submit(frame *models.RawFrame, cc *models.CameraContext) {
	s.mu.Lock()
	w := s.workers[s.next]
	s.next = (s.next + 1) % len(s.workers)
	dropped := helpers.PushDropOldest(w.queue, job{frame: frame, cc: cc})
	s.mu.Unlock()

	if dropped {
		s.metrics.FramesDropWorker.Add(1)
	}
}

// Next returns the index of the worker that receives the next frame.
func (s *Service) Next() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

func (s *Service) Workers() []*Worker {
	return s.workers
}

func (s *Service) runWorker(ctx context.Context, w *Worker) {
	defer close(w.done)
	logger := log.With().Int("worker_id", w.id).Logger()
	logger.Debug().Msg("Detection worker running")

	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("Detection worker stopping")
			return
		case j := <-w.queue:
			s.handle(ctx, w, j)
		case <-time.After(s.opts.PopTimeout):
			continue
		}
	}
}

func (s *Service) handle(ctx context.Context, w *Worker, j job) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.PassErrors.Add(1)
			log.Error().
				Int("worker_id", w.id).
				Str("camera_id", j.cc.CameraID).
				Int64("frame_id", j.frame.FrameID).
				Interface("panic", r).
				Msg("Recovered from panic in detection pass")
		}
	}()

	if !j.cc.IsRunning() || j.frame.Empty() {
		return
	}
	w.processor.Process(ctx, j.frame, j.cc)
}

// StopAll signals every worker and waits up to the stop timeout. It returns
// the number of workers that did not exit in time.
func (s *Service) StopAll() int {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()
	if !started {
		return 0
	}

	for _, w := range s.workers {
		if w.cancel != nil {
			w.cancel()
		}
	}

	timer := time.NewTimer(s.opts.StopTimeout)
	defer timer.Stop()
	expired := false
	stragglers := 0
	for _, w := range s.workers {
		stopped := false
		if expired {
			select {
			case <-w.done:
				stopped = true
			default:
			}
		} else {
			select {
			case <-w.done:
				stopped = true
			case <-timer.C:
				expired = true
			}
		}
		if !stopped {
			stragglers++
			log.Warn().Int("worker_id", w.id).Msg("Detection worker did not stop in time")
		}
	}
	if stragglers == 0 {
		log.Info().Int("workers", len(s.workers)).Msg("Detection workers stopped")
	}
	return stragglers
}
