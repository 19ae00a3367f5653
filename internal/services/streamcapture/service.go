package streamcapture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"labguard-worker-go/internal/config"
	"labguard-worker-go/internal/helpers"
	"labguard-worker-go/internal/metrics"
	"labguard-worker-go/internal/models"
)

// ErrSessionAbandoned is returned once a camera exceeds its retry budget.
var ErrSessionAbandoned = errors.New("camera session abandoned after max retries")

var (
	errNoCapture  = errors.New("no open capture")
	errEmptyFrame = errors.New("empty frame")
)

// Capture is an open video stream.
type Capture interface {
	Read() (*models.RawFrame, error)
	Close() error
}

// Opener opens a video stream by URI.
type Opener interface {
	Open(ctx context.Context, uri string) (Capture, error)
}

// Submitter hands frames to the detection worker pool.
type Submitter interface {
	Submit(frame *models.RawFrame, cc *models.CameraContext)
}

// Policy controls read pacing and reconnection.
type Policy struct {
	ReconnectAfter   int
	MaxRetries       int
	InitialDelay     time.Duration
	MaxDelay         time.Duration
	BackoffFactor    float64
	ReadFailureDelay time.Duration
	FrameInterval    time.Duration
}

func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		ReconnectAfter:   cfg.ReconnectAfterFailures,
		MaxRetries:       cfg.MaxRetries,
		InitialDelay:     cfg.ReconnectInitialDelay,
		MaxDelay:         cfg.ReconnectMaxDelay,
		BackoffFactor:    cfg.ReconnectBackoffFactor,
		ReadFailureDelay: cfg.ReadFailureDelay,
		FrameInterval:    cfg.FrameInterval,
	}
}

// Service reads frames from one camera at a time and recovers from stalls
type Service struct {
	policy    Policy
	opener    Opener
	submitter Submitter
	metrics   *metrics.Metrics
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewService creates a frame source. A nil submitter sends frames straight
// to the camera's frame channel.
func NewService(policy Policy, opener Opener, submitter Submitter, m *metrics.Metrics) *Service {
	if m == nil {
		m = metrics.New()
	}
	return &Service{
		policy:    policy,
		opener:    opener,
		submitter: submitter,
		metrics:   m,
		sleep:     sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Run reads until ctx is cancelled, the camera leaves the running state or
// the retry budget is exhausted. An open failure ends the session at once.
func (s *Service) Run(ctx context.Context, cc *models.CameraContext) error {
	logger := log.With().Str("camera_id", cc.CameraID).Logger()

	capture, err := s.opener.Open(ctx, cc.URI)
	if err != nil {
		logger.Error().Err(err).Str("uri", cc.URI).Msg("Failed to open camera stream")
		return fmt.Errorf("open camera %s: %w", cc.CameraID, err)
	}
	defer func() {
		if capture != nil {
			capture.Close()
		}
	}()
	logger.Info().Msg("Camera stream opened")

	failures := 0
	delay := s.policy.InitialDelay
	frameID := int64(0)

	for cc.IsRunning() {
		if ctx.Err() != nil {
			return nil
		}

		frame, readErr := s.read(capture)
		if readErr != nil {
			failures++
			s.metrics.ReadFailures.Add(1)
			s.logReadFailure(logger, failures, readErr)

			if failures >= s.policy.ReconnectAfter {
				if capture != nil {
					capture.Close()
					capture = nil
				}
				logger.Info().Dur("delay", delay).Int("failures", failures).Msg("Reconnecting to camera")
				if err := s.sleep(ctx, delay); err != nil {
					return nil
				}
				s.metrics.Reconnects.Add(1)

				c, err := s.opener.Open(ctx, cc.URI)
				if err == nil {
					capture = c
					failures = 0
					delay = s.policy.InitialDelay
					logger.Info().Msg("Camera reconnected")
					continue
				}
				delay = s.nextDelay(delay)
				logger.Warn().Err(err).Dur("next_delay", delay).Int("failures", failures).Msg("Camera reconnect failed")
			}

			if failures >= s.policy.MaxRetries {
				s.metrics.SessionsAbandon.Add(1)
				logger.Error().Int("failures", failures).Msg("Max retries reached, abandoning camera session")
				return fmt.Errorf("camera %s: %w", cc.CameraID, ErrSessionAbandoned)
			}

			if failures < s.policy.ReconnectAfter {
				if err := s.sleep(ctx, s.policy.ReadFailureDelay); err != nil {
					return nil
				}
			}
			continue
		}

		if failures > 0 {
			logger.Info().Int("failures", failures).Msg("Camera stream recovered")
			failures = 0
			delay = s.policy.InitialDelay
		}

		frameID++
		now := time.Now()
		frame.CameraID = cc.CameraID
		frame.FrameID = frameID
		if frame.Timestamp.IsZero() {
			frame.Timestamp = now
		}
		cc.MarkFrameRead(now)
		s.metrics.FramesRead.Add(1)
		s.sendFrameToPipeline(frame, cc)

		if err := s.sleep(ctx, s.policy.FrameInterval); err != nil {
			return nil
		}
	}
	return nil
}

func (s *Service) read(capture Capture) (*models.RawFrame, error) {
	if capture == nil {
		return nil, errNoCapture
	}
	frame, err := capture.Read()
	if err != nil {
		return nil, err
	}
	if frame.Empty() {
		return nil, errEmptyFrame
	}
	return frame, nil
}

func (s *Service) nextDelay(d time.Duration) time.Duration {
	next := time.Duration(float64(d) * s.policy.BackoffFactor)
	if next > s.policy.MaxDelay {
		next = s.policy.MaxDelay
	}
	return next
}

// logReadFailure gets quieter as a stall drags on.
func (s *Service) logReadFailure(logger zerolog.Logger, failures int, err error) {
	switch {
	case failures == 1:
		logger.Warn().Err(err).Msg("Failed to read frame")
	case failures <= 5:
		logger.Warn().Err(err).Int("failures", failures).Msg("Frame read still failing")
	case failures == s.policy.ReconnectAfter:
		logger.Warn().Int("failures", failures).Msg("Camera may be reconfiguring, starting reconnect cycle")
	default:
		logger.Debug().Err(err).Int("failures", failures).Msg("Frame read failed")
	}
}

// sendFrameToPipeline hands the frame to the worker pool, or to the
// camera's own frame channel when no pool is attached.
func (s *Service) sendFrameToPipeline(frame *models.RawFrame, cc *models.CameraContext) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("camera_id", cc.CameraID).
				Int64("frame_id", frame.FrameID).
				Interface("panic", r).
				Msg("Recovered from panic during frame send")
		}
	}()

	if s.submitter != nil {
		s.submitter.Submit(frame, cc)
		return
	}
	if helpers.PushDropOldest(cc.Frames, frame) {
		s.metrics.FramesDropSource.Add(1)
	}
}
