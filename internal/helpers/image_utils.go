package helpers

import (
	"fmt"
	"math"

	"labguard-worker-go/internal/models"
)

// CropRect is an integer pixel rectangle, half-open on X2/Y2.
type CropRect struct {
	X1, Y1, X2, Y2 int
}

func (r CropRect) Empty() bool { return r.X2 <= r.X1 || r.Y2 <= r.Y1 }

// PaddedRect grows box by padding on every side and clamps it to the frame.
func PaddedRect(box models.BBox, padding, width, height int) CropRect {
	return CropRect{
		X1: clampInt(int(math.Floor(box.X1))-padding, 0, width),
		Y1: clampInt(int(math.Floor(box.Y1))-padding, 0, height),
		X2: clampInt(int(math.Ceil(box.X2))+padding, 0, width),
		Y2: clampInt(int(math.Ceil(box.Y2))+padding, 0, height),
	}
}

// SafeCrop copies the padded box region out of a BGR24 frame. The result
// is always inside the frame; an empty region is an error.
func SafeCrop(frame *models.RawFrame, box models.BBox, padding int) (*models.RawFrame, error) {
	if frame.Empty() {
		return nil, fmt.Errorf("empty frame")
	}
	if len(frame.Data) < frame.Width*frame.Height*3 {
		return nil, fmt.Errorf("frame data too short: %d bytes for %dx%d", len(frame.Data), frame.Width, frame.Height)
	}
	r := PaddedRect(box, padding, frame.Width, frame.Height)
	if r.Empty() {
		return nil, fmt.Errorf("crop region %+v is empty", r)
	}

	w, h := r.X2-r.X1, r.Y2-r.Y1
	out := make([]byte, w*h*3)
	stride := frame.Width * 3
	for row := 0; row < h; row++ {
		src := (r.Y1+row)*stride + r.X1*3
		copy(out[row*w*3:(row+1)*w*3], frame.Data[src:src+w*3])
	}
	return &models.RawFrame{
		CameraID:  frame.CameraID,
		Data:      out,
		Timestamp: frame.Timestamp,
		FrameID:   frame.FrameID,
		Width:     w,
		Height:    h,
		Format:    frame.Format,
	}, nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
