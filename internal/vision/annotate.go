package vision

import (
	"fmt"
	"image"
	"image/color"

	"github.com/rs/zerolog/log"
	"gocv.io/x/gocv"

	"labguard-worker-go/internal/models"
)

var (
	trackColor  = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	faceColor   = color.RGBA{R: 255, G: 0, B: 0, A: 255}
	objectColor = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	textColor   = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

// Annotator draws boxes on copies of BGR24 frames.
type Annotator struct{}

// Annotate draws each tracked object with an "id, conf" label.
func (Annotator) Annotate(frame *models.RawFrame, dets []models.DetectionInfo) *models.RawFrame {
	return draw(frame, func(mat *gocv.Mat) {
		for _, d := range dets {
			r := rect(d.BBox)
			gocv.Rectangle(mat, r, trackColor, 2)
			label := fmt.Sprintf("id: %d, conf: %.2f", d.TrackID, d.Confidence)
			drawLabel(mat, label, r.Min, trackColor)
		}
	})
}

// AnnotateEvidence draws the face box in red and the object box in green.
func (Annotator) AnnotateEvidence(frame *models.RawFrame, face, object models.BBox) *models.RawFrame {
	return draw(frame, func(mat *gocv.Mat) {
		gocv.Rectangle(mat, rect(face), faceColor, 2)
		gocv.Rectangle(mat, rect(object), objectColor, 2)
	})
}

func draw(frame *models.RawFrame, fn func(mat *gocv.Mat)) *models.RawFrame {
	out := frame.Clone()
	if out.Empty() {
		return out
	}
	mat, err := gocv.NewMatFromBytes(out.Height, out.Width, gocv.MatTypeCV8UC3, out.Data)
	if err != nil {
		log.Warn().Err(err).Str("camera_id", frame.CameraID).Msg("Failed to create Mat for annotation")
		return out
	}
	defer mat.Close()

	fn(&mat)
	out.Data = mat.ToBytes()
	return out
}

func drawLabel(mat *gocv.Mat, text string, at image.Point, bg color.RGBA) {
	size := gocv.GetTextSize(text, gocv.FontHersheySimplex, 0.5, 1)
	top := at.Y - size.Y - 6
	if top < 0 {
		top = at.Y
	}
	box := image.Rect(at.X, top, at.X+size.X+6, top+size.Y+6)
	gocv.Rectangle(mat, box, bg, -1)
	gocv.PutText(mat, text, image.Pt(box.Min.X+3, box.Max.Y-3), gocv.FontHersheySimplex, 0.5, textColor, 1)
}

func rect(b models.BBox) image.Rectangle {
	return image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2))
}
