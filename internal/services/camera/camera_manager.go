package camera

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"labguard-worker-go/internal/metrics"
	"labguard-worker-go/internal/models"
)

var (
	ErrCameraExists   = errors.New("camera is already running")
	ErrCameraNotFound = errors.New("camera not found")
	ErrNoSource       = errors.New("url or ip_address is required")
)

// Reader runs a camera's frame source until the session ends.
type Reader interface {
	Run(ctx context.Context, cc *models.CameraContext) error
}

// Associator consumes a camera's association queue.
type Associator interface {
	Run(ctx context.Context, cc *models.CameraContext)
}

// DisplaySink receives annotated previews.
type DisplaySink interface {
	Publish(frame *models.RawFrame) error
	StopStream(cameraID string)
}

// Scheduler is the detection worker pool shared by all cameras.
type Scheduler interface {
	Start(ctx context.Context)
	StopAll() int
}

// Options configure camera sessions.
type Options struct {
	Context models.ContextOptions
	// SourceURL builds a stream URL from an IP address and channel.
	SourceURL      func(ip, channel string) string
	DefaultChannel string
	StopTimeout    time.Duration
	PopTimeout     time.Duration
}

// CameraManager is the registry of camera sessions. It owns the detection
// scheduler and the per-camera reader, association and display loops.
type CameraManager struct {
	opts       Options
	reader     Reader
	associator Associator
	display    DisplaySink
	scheduler  Scheduler
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mutex   sync.RWMutex
	cameras map[string]*CameraLifecycle
}

func NewCameraManager(opts Options, scheduler Scheduler, reader Reader, associator Associator, display DisplaySink, m *metrics.Metrics, logger zerolog.Logger) *CameraManager {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	if opts.PopTimeout <= 0 {
		opts.PopTimeout = time.Second
	}
	if m == nil {
		m = metrics.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &CameraManager{
		opts:       opts,
		reader:     reader,
		associator: associator,
		display:    display,
		scheduler:  scheduler,
		metrics:    m,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		cameras:    make(map[string]*CameraLifecycle),
	}
}

// Start launches the detection workers.
func (cm *CameraManager) Start() {
	cm.scheduler.Start(cm.ctx)
	cm.logger.Info().Msg("Camera manager started")
}

// StartCamera creates a camera context and starts its session. A stopped
// session with the same id is replaced.
func (cm *CameraManager) StartCamera(req models.CameraRequest) (*models.CameraContext, error) {
	uri, channel, err := cm.resolveSource(req)
	if err != nil {
		return nil, err
	}

	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	if existing, ok := cm.cameras[req.CameraID]; ok {
		if existing.cc.State() != models.StateStopped {
			return nil, fmt.Errorf("camera %s: %w", req.CameraID, ErrCameraExists)
		}
		delete(cm.cameras, req.CameraID)
	}

	cc := models.NewCameraContext(req.CameraID, uri, channel, cm.opts.Context)
	cl := newCameraLifecycle(cc, cm)
	cm.cameras[req.CameraID] = cl
	cl.start(cm.ctx)

	cm.logger.Info().Str("camera_id", req.CameraID).Str("channel", channel).Msg("Camera started")
	return cc, nil
}

func (cm *CameraManager) resolveSource(req models.CameraRequest) (uri, channel string, err error) {
	channel = req.Channel
	if channel == "" {
		channel = cm.opts.DefaultChannel
	}
	switch {
	case req.URL != "":
		return req.URL, channel, nil
	case req.IPAddress != "" && cm.opts.SourceURL != nil:
		return cm.opts.SourceURL(req.IPAddress, channel), channel, nil
	default:
		return "", "", ErrNoSource
	}
}

// StopCamera stops a session and removes it from the registry.
func (cm *CameraManager) StopCamera(cameraID string) error {
	cm.mutex.Lock()
	cl, ok := cm.cameras[cameraID]
	if ok {
		delete(cm.cameras, cameraID)
	}
	cm.mutex.Unlock()

	if !ok {
		return fmt.Errorf("camera %s: %w", cameraID, ErrCameraNotFound)
	}
	cl.stop(cm.opts.StopTimeout)
	return nil
}

func (cm *CameraManager) Get(cameraID string) (*models.CameraContext, bool) {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	cl, ok := cm.cameras[cameraID]
	if !ok {
		return nil, false
	}
	return cl.cc, true
}

// List returns all camera contexts ordered by id.
func (cm *CameraManager) List() []*models.CameraContext {
	cm.mutex.RLock()
	out := make([]*models.CameraContext, 0, len(cm.cameras))
	for _, cl := range cm.cameras {
		out = append(out, cl.cc)
	}
	cm.mutex.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CameraID < out[j].CameraID })
	return out
}

// Shutdown stops every camera, then the detection workers.
func (cm *CameraManager) Shutdown(ctx context.Context) error {
	cm.mutex.Lock()
	sessions := make([]*CameraLifecycle, 0, len(cm.cameras))
	for id, cl := range cm.cameras {
		sessions = append(sessions, cl)
		delete(cm.cameras, id)
	}
	cm.mutex.Unlock()

	var wg sync.WaitGroup
	for _, cl := range sessions {
		wg.Add(1)
		go func(cl *CameraLifecycle) {
			defer wg.Done()
			cl.stop(cm.opts.StopTimeout)
		}(cl)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		cm.logger.Warn().Err(err).Msg("Timed out stopping cameras")
	}

	if stragglers := cm.scheduler.StopAll(); stragglers > 0 {
		cm.logger.Warn().Int("stragglers", stragglers).Msg("Detection workers did not stop in time")
	}
	cm.cancel()
	cm.logger.Info().Int("cameras", len(sessions)).Msg("Camera manager shutdown")
	return err
}
