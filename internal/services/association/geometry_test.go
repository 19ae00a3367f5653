package association

import (
	"errors"
	"testing"

	"labguard-worker-go/internal/models"
)

var testThresholds = Thresholds{
	AboveNoseRatio: 0.65,
	MaxAreaRatio:   4,
	MinAreaRatio:   0.1,
	MaxHeightRatio: 2.85,
	MinHeightRatio: 0.35,
	Consumption:    0.3,
	Nose:           1.1,
	Wrist:          0.5,
}

// frontalPose has its face box at (240,160)-(360,250): 120x90.
func frontalPose() models.PoseSample {
	return models.PoseSample{
		Nose:       models.Point{X: 300, Y: 200},
		LeftEye:    models.Point{X: 320, Y: 190},
		RightEye:   models.Point{X: 280, Y: 190},
		LeftEar:    models.Point{X: 340, Y: 195},
		RightEar:   models.Point{X: 260, Y: 195},
		LeftWrist:  models.Point{X: 300, Y: 260},
		RightWrist: models.Point{X: 330, Y: 300},
	}
}

// cupAtMouth is 40x70 just below the nose.
var cupAtMouth = models.BBox{X1: 290, Y1: 215, X2: 330, Y2: 285}

func TestFaceBox(t *testing.T) {
	got, err := FaceBox(frontalPose(), 640, 480)
	if err != nil {
		t.Fatalf("FaceBox() error = %v", err)
	}
	want := models.BBox{X1: 240, Y1: 160, X2: 360, Y2: 250}
	if got != want {
		t.Errorf("FaceBox() = %+v, want %+v", got, want)
	}
}

func TestFaceBoxClampsToFrame(t *testing.T) {
	p := frontalPose()
	p.Nose.Y, p.LeftEye.Y, p.RightEye.Y = 20, 5, 5
	got, err := FaceBox(p, 640, 60)
	if err != nil {
		t.Fatalf("FaceBox() error = %v", err)
	}
	if got.Y1 != 0 || got.Y2 != 60 {
		t.Errorf("FaceBox() = %+v, want Y clamped to [0,60]", got)
	}
}

func TestFaceBoxDegenerate(t *testing.T) {
	p := frontalPose()
	// Everything on one spot near the bottom edge collapses the box.
	p.Nose = models.Point{X: 300, Y: 480}
	p.LeftEye, p.RightEye = p.Nose, p.Nose
	_, err := FaceBox(p, 640, 480)
	if !errors.Is(err, ErrDegenerateBox) {
		t.Errorf("FaceBox() error = %v, want ErrDegenerateBox", err)
	}
}

func TestAssessDrinking(t *testing.T) {
	a, rej, err := Assess(cupAtMouth, frontalPose(), 640, 480, testThresholds)
	if err != nil || rej != Accepted {
		t.Fatalf("Assess() = %v, %v", rej, err)
	}
	if a.Behavior != models.BehaviorDrinking {
		t.Errorf("Behavior = %q, want drinking", a.Behavior)
	}
	if a.NoseDist != 15 {
		t.Errorf("NoseDist = %v, want 15", a.NoseDist)
	}
}

func TestAssessHolding(t *testing.T) {
	// 40x70 box whose top sits 40px below the nose; left wrist at its centre.
	obj := models.BBox{X1: 280, Y1: 240, X2: 320, Y2: 310}
	p := frontalPose()
	p.LeftWrist = obj.Center()
	a, rej, err := Assess(obj, p, 640, 480, testThresholds)
	if err != nil || rej != Accepted {
		t.Fatalf("Assess() = %v, %v", rej, err)
	}
	if a.Behavior != models.BehaviorHolding {
		t.Errorf("Behavior = %q, want holding", a.Behavior)
	}
}

func TestAssessRejections(t *testing.T) {
	tests := []struct {
		name string
		obj  models.BBox
		th   func(Thresholds) Thresholds
		want Rejection
	}{
		{
			name: "area five times the face",
			obj:  models.BBox{X1: 200, Y1: 200, X2: 440, Y2: 425}, // 240x225 = 54000 = 5x10800
			want: RejectArea,
		},
		{
			name: "tiny object",
			obj:  models.BBox{X1: 300, Y1: 210, X2: 310, Y2: 250}, // 400 < 1080
			want: RejectArea,
		},
		{
			name: "above 0.95 of nose height",
			obj:  models.BBox{X1: 290, Y1: 180, X2: 330, Y2: 250},
			th:   func(t Thresholds) Thresholds { t.AboveNoseRatio = 0.95; return t },
			want: RejectAboveNose,
		},
		{
			name: "too tall",
			obj:  models.BBox{X1: 300, Y1: 210, X2: 320, Y2: 470}, // 260 >= 2.85*90
			want: RejectHeight,
		},
		{
			name: "far from face and hands",
			obj:  models.BBox{X1: 500, Y1: 300, X2: 540, Y2: 370},
			want: RejectDistance,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := testThresholds
			if tt.th != nil {
				th = tt.th(th)
			}
			_, rej, err := Assess(tt.obj, frontalPose(), 640, 480, th)
			if err != nil {
				t.Fatalf("Assess() error = %v", err)
			}
			if rej != tt.want {
				t.Errorf("Assess() rejection = %q, want %q", rej, tt.want)
			}
		})
	}
}
