package association

import (
	"errors"
	"math"

	"labguard-worker-go/internal/models"
)

// ErrDegenerateBox is returned when keypoints do not span a usable face box.
var ErrDegenerateBox = errors.New("degenerate face box")

// Face box construction constants, in pixels.
const (
	faceHeightFactor = 3
	faceBottomPad    = 20
	faceEyePad       = 40
)

// Thresholds are the geometric gates applied to an object and pose pair.
// Distance thresholds are multiples of the face box height.
type Thresholds struct {
	AboveNoseRatio float64
	MaxAreaRatio   float64
	MinAreaRatio   float64
	MaxHeightRatio float64
	MinHeightRatio float64
	Consumption    float64
	Nose           float64
	Wrist          float64
}

// Rejection names the gate that discarded a pair.
type Rejection string

const (
	Accepted        Rejection = ""
	RejectAboveNose Rejection = "above_nose"
	RejectArea      Rejection = "area"
	RejectHeight    Rejection = "height"
	RejectDistance  Rejection = "distance"
)

// Assessment is the outcome of matching one object with one pose.
type Assessment struct {
	Behavior  models.Behavior
	FaceBox   models.BBox
	NoseDist  float64
	WristDist float64
}

// Score ranks poses for an object; lower is closer.
func (a Assessment) Score() float64 { return a.NoseDist + a.WristDist }

// FaceBox derives a face region from eye, ear and nose keypoints. The
// height is three eye-to-nose offsets above the eyes and below the nose.
func FaceBox(p models.PoseSample, frameW, frameH int) (models.BBox, error) {
	avgEyeY := math.Floor((p.LeftEye.Y + p.RightEye.Y) / 2)
	h := math.Abs(p.Nose.Y-avgEyeY) * faceHeightFactor

	box := models.BBox{
		X1: math.Min(p.LeftEar.X, p.RightEye.X-faceEyePad),
		Y1: math.Max(math.Floor(avgEyeY-h), 0),
		X2: math.Max(p.RightEar.X, p.LeftEye.X+faceEyePad),
		Y2: math.Min(math.Floor(p.Nose.Y+h)+faceBottomPad, float64(frameH)),
	}
	box.X1 = math.Max(box.X1, 0)
	box.X2 = math.Min(box.X2, float64(frameW))

	if box.X2 <= box.X1 || box.Y2 <= box.Y1 {
		return models.BBox{}, ErrDegenerateBox
	}
	return box, nil
}

// Assess applies the position, size and proximity gates to an object box
// and a pose.
func Assess(obj models.BBox, pose models.PoseSample, frameW, frameH int, th Thresholds) (Assessment, Rejection, error) {
	face, err := FaceBox(pose, frameW, frameH)
	if err != nil {
		return Assessment{}, Accepted, err
	}

	if obj.Y1 < pose.Nose.Y*th.AboveNoseRatio {
		return Assessment{}, RejectAboveNose, nil
	}

	objArea, faceArea := obj.Area(), face.Area()
	if objArea >= faceArea*th.MaxAreaRatio || objArea < faceArea*th.MinAreaRatio {
		return Assessment{}, RejectArea, nil
	}

	objH, faceH := obj.Height(), face.Height()
	if objH >= faceH*th.MaxHeightRatio || objH < faceH*th.MinHeightRatio {
		return Assessment{}, RejectHeight, nil
	}

	noseDist := pose.Nose.Dist(obj.Clamp(pose.Nose))
	center := obj.Center()
	wristDist := math.Min(pose.LeftWrist.Dist(center), pose.RightWrist.Dist(center))

	a := Assessment{FaceBox: face, NoseDist: noseDist, WristDist: wristDist}
	switch {
	case noseDist <= th.Consumption*faceH:
		a.Behavior = models.BehaviorDrinking
	case wristDist <= th.Wrist*faceH && noseDist <= th.Nose*faceH:
		a.Behavior = models.BehaviorHolding
	default:
		return Assessment{}, RejectDistance, nil
	}
	return a, Accepted, nil
}
