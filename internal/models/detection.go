package models

import (
	"math"
	"time"
)

// Point is a pixel coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Dist returns the euclidean distance between two points.
func (p Point) Dist(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// BBox is an axis-aligned box in pixel coordinates, (X1,Y1) top-left.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

func (b BBox) Width() float64  { return b.X2 - b.X1 }
func (b BBox) Height() float64 { return b.Y2 - b.Y1 }

func (b BBox) Area() float64 {
	if b.X2 <= b.X1 || b.Y2 <= b.Y1 {
		return 0
	}
	return b.Width() * b.Height()
}

// Center uses integer division on the corner sum, matching how track
// centres are stored.
func (b BBox) Center() Point {
	return Point{
		X: math.Floor((b.X1 + b.X2) / 2),
		Y: math.Floor((b.Y1 + b.Y2) / 2),
	}
}

// Clamp returns the point of the box closest to p.
func (b BBox) Clamp(p Point) Point {
	return Point{
		X: math.Max(b.X1, math.Min(p.X, b.X2)),
		Y: math.Max(b.Y1, math.Min(p.Y, b.Y2)),
	}
}

// IoU is intersection over union; zero when the union is empty.
func (b BBox) IoU(o BBox) float64 {
	inter := BBox{
		X1: math.Max(b.X1, o.X1),
		Y1: math.Max(b.Y1, o.Y1),
		X2: math.Min(b.X2, o.X2),
		Y2: math.Min(b.Y2, o.Y2),
	}.Area()
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Detection is a single object returned by a detector model.
// TrackID <= 0 means the tracker did not assign an identity.
type Detection struct {
	TrackID   int32   `json:"track_id"`
	ClassID   int     `json:"class_id"`
	ClassName string  `json:"class_name"`
	Score     float32 `json:"score"`
	BBox      BBox    `json:"bbox"`
	ModelName string  `json:"model_name"`
}

func (d Detection) Tracked() bool { return d.TrackID > 0 }

// DetectionInfo is what a worker records for a tracked object in the
// camera's shared state.
type DetectionInfo struct {
	TrackID    int32   `json:"track_id"`
	BBox       BBox    `json:"bbox"`
	Center     Point   `json:"center"`
	Confidence float32 `json:"confidence"`
	ClassID    int     `json:"class_id"`
	ClassName  string  `json:"class_name"`
	Label      string  `json:"label,omitempty"`
}

// Keypoint indices in the COCO-17 layout returned by pose models.
const (
	KeypointNose       = 0
	KeypointLeftEye    = 1
	KeypointRightEye   = 2
	KeypointLeftEar    = 3
	KeypointRightEar   = 4
	KeypointLeftWrist  = 9
	KeypointRightWrist = 10
	KeypointCount      = 17
)

// PoseSample holds the keypoints the association step needs for one person.
type PoseSample struct {
	Nose       Point `json:"nose"`
	LeftEye    Point `json:"left_eye"`
	RightEye   Point `json:"right_eye"`
	LeftEar    Point `json:"left_ear"`
	RightEar   Point `json:"right_ear"`
	LeftWrist  Point `json:"left_wrist"`
	RightWrist Point `json:"right_wrist"`
}

// PoseFromKeypoints picks the named keypoints out of a COCO-17 array.
// It returns false when the array is too short.
func PoseFromKeypoints(kps []Point) (PoseSample, bool) {
	if len(kps) <= KeypointRightWrist {
		return PoseSample{}, false
	}
	return PoseSample{
		Nose:       kps[KeypointNose],
		LeftEye:    kps[KeypointLeftEye],
		RightEye:   kps[KeypointRightEye],
		LeftEar:    kps[KeypointLeftEar],
		RightEar:   kps[KeypointRightEar],
		LeftWrist:  kps[KeypointLeftWrist],
		RightWrist: kps[KeypointRightWrist],
	}, true
}

// Behavior is how a person is interacting with an object.
type Behavior string

const (
	BehaviorDrinking Behavior = "drinking"
	BehaviorHolding  Behavior = "holding"
)

// EscalationEvent is emitted once per person per day when a violation is
// confirmed.
type EscalationEvent struct {
	ID                string    `json:"id"`
	PersonID          string    `json:"person_id"`
	CameraID          string    `json:"camera_id"`
	TrackID           int32     `json:"track_id"`
	ClassID           int       `json:"class_id"`
	ClassName         string    `json:"class_name"`
	Confidence        float32   `json:"confidence"`
	Behavior          Behavior  `json:"behavior"`
	ObjectBox         BBox      `json:"object_box"`
	FaceBox           BBox      `json:"face_box"`
	NewIdentity       bool      `json:"new_identity"`
	IncomplianceCount int       `json:"incompliance_count"`
	SnapshotKey       string    `json:"snapshot_key"`
	FaceKey           string    `json:"face_key"`
	Timestamp         time.Time `json:"timestamp"`
}
