package vision

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/rs/zerolog/log"
	"gocv.io/x/gocv"

	"labguard-worker-go/internal/models"
	"labguard-worker-go/internal/services/streamcapture"
)

var errReadFailed = errors.New("failed to read frame from VideoCapture")

// Opener opens RTSP streams and video files through OpenCV's FFmpeg backend.
// Width and Height resize decoded frames; zero keeps the native size.
type Opener struct {
	Width  int
	Height int
}

func (o Opener) Open(ctx context.Context, uri string) (streamcapture.Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vc, err := gocv.OpenVideoCaptureWithAPI(uri, gocv.VideoCaptureFFmpeg)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("video capture is not opened")
	}

	// Minimal buffer for low latency
	vc.Set(gocv.VideoCaptureBufferSize, 1)

	log.Info().
		Float64("actual_fps", vc.Get(gocv.VideoCaptureFPS)).
		Float64("actual_width", vc.Get(gocv.VideoCaptureFrameWidth)).
		Float64("actual_height", vc.Get(gocv.VideoCaptureFrameHeight)).
		Msg("VideoCapture opened successfully with actual properties")

	return &capture{vc: vc, img: gocv.NewMat(), width: o.Width, height: o.Height}, nil
}

type capture struct {
	vc     *gocv.VideoCapture
	img    gocv.Mat
	width  int
	height int
}

// Read decodes the next frame into a BGR24 RawFrame.
func (c *capture) Read() (*models.RawFrame, error) {
	if ok := c.vc.Read(&c.img); !ok {
		return nil, errReadFailed
	}
	if c.img.Empty() {
		return nil, fmt.Errorf("received empty frame from VideoCapture")
	}

	w, h := c.img.Cols(), c.img.Rows()
	var data []byte
	if c.width > 0 && c.height > 0 && (w != c.width || h != c.height) {
		resized := gocv.NewMat()
		defer resized.Close()
		gocv.Resize(c.img, &resized, image.Pt(c.width, c.height), 0, 0, gocv.InterpolationLinear)
		data = resized.ToBytes()
		w, h = c.width, c.height
	} else {
		data = c.img.ToBytes()
	}

	return &models.RawFrame{
		Data:      data,
		Timestamp: time.Now(),
		Width:     w,
		Height:    h,
		Format:    "BGR24",
	}, nil
}

func (c *capture) Close() error {
	c.img.Close()
	return c.vc.Close()
}
