package camera

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"labguard-worker-go/internal/logging"
	"labguard-worker-go/internal/models"
)

// CameraLifecycle runs one camera session: the frame reader, the
// association loop and the preview loop.
type CameraLifecycle struct {
	cc     *models.CameraContext
	cm     *CameraManager
	logger zerolog.Logger

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func newCameraLifecycle(cc *models.CameraContext, cm *CameraManager) *CameraLifecycle {
	return &CameraLifecycle{
		cc:     cc,
		cm:     cm,
		logger: logging.WithCamera(cm.logger, cc.CameraID),
		done:   make(chan struct{}),
	}
}

func (cl *CameraLifecycle) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	cl.cancel = cancel
	cl.cc.SetState(models.StateRunning)
	cl.cm.metrics.ActiveCameras.Add(1)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		cl.runStreamReader(ctx)
	}()
	go func() {
		defer wg.Done()
		cl.runAssociation(ctx)
	}()
	go func() {
		defer wg.Done()
		cl.runPublisher(ctx)
	}()

	go func() {
		wg.Wait()
		cl.cc.SetState(models.StateStopped)
		cl.cm.metrics.ActiveCameras.Add(-1)
		cl.logger.Info().Msg("Camera session ended")
		close(cl.done)
	}()
}

// runStreamReader ends the whole session when the reader returns, whether
// the stream failed to open or was abandoned after retries.
func (cl *CameraLifecycle) runStreamReader(ctx context.Context) {
	defer cl.cc.CompareAndSwapState(models.StateRunning, models.StateStopping)
	defer func() {
		if r := recover(); r != nil {
			cl.logger.Error().Interface("panic", r).Msg("Stream reader panic recovered")
		}
	}()

	if err := cl.cm.reader.Run(ctx, cl.cc); err != nil && !errors.Is(err, context.Canceled) {
		cl.logger.Error().Err(err).Msg("Camera session ended by reader")
	}
}

func (cl *CameraLifecycle) runAssociation(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			cl.logger.Error().Interface("panic", r).Msg("Association panic recovered")
		}
	}()
	cl.cm.associator.Run(ctx, cl.cc)
}

// runPublisher forwards annotated previews to the display sink.
func (cl *CameraLifecycle) runPublisher(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			cl.logger.Error().Interface("panic", r).Msg("Publisher panic recovered")
		}
	}()
	if cl.cm.display == nil {
		return
	}

	for cl.cc.IsRunning() {
		select {
		case <-ctx.Done():
			return
		case frame := <-cl.cc.ToDisplay:
			if err := cl.cm.display.Publish(frame); err != nil {
				cl.logger.Debug().Err(err).Int64("frame_id", frame.FrameID).Msg("Failed to publish preview")
			}
		case <-time.After(cl.cm.opts.PopTimeout):
		}
	}
}

// stop moves the session to stopping, cancels its loops and waits up to
// timeout for them to exit.
func (cl *CameraLifecycle) stop(timeout time.Duration) {
	cl.stopOnce.Do(func() {
		cl.cc.CompareAndSwapState(models.StateRunning, models.StateStopping)
		cl.cancel()

		select {
		case <-cl.done:
			cl.logger.Info().Msg("Camera stopped")
		case <-time.After(timeout):
			cl.logger.Warn().Dur("timeout", timeout).Msg("Camera loops did not stop in time")
		}
		if cl.cm.display != nil {
			cl.cm.display.StopStream(cl.cc.CameraID)
		}
	})
}
