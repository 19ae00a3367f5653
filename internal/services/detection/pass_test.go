package detection

import (
	"context"
	"errors"
	"testing"
	"time"

	"labguard-worker-go/internal/metrics"
	"labguard-worker-go/internal/models"
)

type fakePose struct {
	calls int
	poses []models.PoseSample
	err   error
}

func (f *fakePose) EstimatePose(context.Context, *models.RawFrame) ([]models.PoseSample, error) {
	f.calls++
	return f.poses, f.err
}

type labelClassifier map[int]string // keyed by crop width

func (l labelClassifier) Classify(_ context.Context, crop *models.RawFrame) (string, float32, error) {
	label, ok := l[crop.Width]
	if !ok {
		return "", 0, errors.New("unknown object")
	}
	return label, 0.9, nil
}

func bgr(w, h int) *models.RawFrame {
	return &models.RawFrame{CameraID: "cam1", FrameID: 1, Width: w, Height: h, Data: make([]byte, w*h*3)}
}

func newTestCamera() *models.CameraContext {
	cc := models.NewCameraContext("cam1", "", "", models.ContextOptions{AssociateBuffer: 10, DisplayBuffer: 3})
	cc.SetState(models.StateRunning)
	return cc
}

func TestPassForwardsCandidates(t *testing.T) {
	pose := &fakePose{poses: []models.PoseSample{{}}}
	d := &staticDetector{name: "yolo", dets: []models.Detection{
		det(7, 39, 0.8, 10, 10, 30, 50),
		det(0, 39, 0.8, 40, 10, 60, 50), // untracked
	}}
	m := metrics.New()
	p := NewPass(0, d, pose, nil, nil, PassOptions{}, m)
	cc := newTestCamera()

	p.Process(context.Background(), bgr(100, 100), cc)

	dets, poses := cc.Snapshot()
	if len(dets) != 1 || dets[7].ClassID != 39 {
		t.Fatalf("detections = %+v, want only track 7", dets)
	}
	if dets[7].Center != (models.Point{X: 20, Y: 30}) {
		t.Errorf("center = %+v", dets[7].Center)
	}
	if len(poses) != 1 || pose.calls != 1 {
		t.Errorf("poses = %d, calls = %d", len(poses), pose.calls)
	}
	if len(cc.ToAssociate) != 1 {
		t.Errorf("toAssociate = %d, want 1", len(cc.ToAssociate))
	}
	if len(cc.ToDisplay) != 1 {
		t.Errorf("toDisplay = %d, want 1", len(cc.ToDisplay))
	}
}

func TestPassSkipsFlaggedAndDistractors(t *testing.T) {
	pose := &fakePose{poses: []models.PoseSample{{}}}
	d := &staticDetector{name: "yolo", dets: []models.Detection{
		det(7, 39, 0.8, 10, 10, 30, 50), // flagged
		det(8, 39, 0.8, 40, 10, 60, 50), // crop width 20 + padding 0 -> water bottle
	}}
	classifier := labelClassifier{20: "Water_Bottle"}
	m := metrics.New()
	p := NewPass(0, d, pose, classifier, nil, PassOptions{DistractorLabels: []string{"water_bottle"}}, m)
	cc := newTestCamera()
	cc.Flag(7)

	p.Process(context.Background(), bgr(100, 100), cc)

	dets, _ := cc.Snapshot()
	if len(dets) != 0 {
		t.Errorf("detections = %+v, want none", dets)
	}
	if pose.calls != 0 {
		t.Errorf("pose estimated %d times with no survivors", pose.calls)
	}
	if len(cc.ToAssociate) != 0 {
		t.Error("frame forwarded to association without candidates")
	}
	if len(cc.ToDisplay) != 1 {
		t.Error("annotated frame not published")
	}
	if m.DistractorsFiltered.Load() != 1 {
		t.Errorf("distractors filtered = %d, want 1", m.DistractorsFiltered.Load())
	}
}

func TestPassClassifierErrorSkipsOnlyThatDetection(t *testing.T) {
	d := &staticDetector{name: "yolo", dets: []models.Detection{
		det(1, 39, 0.8, 10, 10, 30, 50), // width 20, unknown to classifier
		det(2, 41, 0.8, 40, 10, 70, 50), // width 30
	}}
	classifier := labelClassifier{30: "coffee_cup"}
	p := NewPass(0, d, &fakePose{}, classifier, nil, PassOptions{}, nil)
	cc := newTestCamera()

	p.Process(context.Background(), bgr(100, 100), cc)

	dets, _ := cc.Snapshot()
	if len(dets) != 1 || dets[2].Label != "coffee_cup" {
		t.Errorf("detections = %+v, want track 2 labelled coffee_cup", dets)
	}
}

func TestPassDetectorFailureStillPublishesPreview(t *testing.T) {
	d := &staticDetector{name: "yolo", err: errors.New("unavailable")}
	cc := newTestCamera()
	cc.PutDetection(models.DetectionInfo{TrackID: 3})
	p := NewPass(0, d, &fakePose{}, nil, nil, PassOptions{}, nil)

	p.Process(context.Background(), bgr(10, 10), cc)

	if dets, _ := cc.Snapshot(); len(dets) != 0 {
		t.Error("stale detections survived a new pass")
	}
	if len(cc.ToDisplay) != 1 {
		t.Error("preview not published after detector failure")
	}
}

func TestPassClearsFlagsPeriodically(t *testing.T) {
	cc := newTestCamera()
	cc.Flag(7)
	p := NewPass(0, &staticDetector{name: "yolo"}, nil, nil, nil, PassOptions{FlagClearInterval: 2 * time.Hour}, nil)

	p.now = func() time.Time { return cc.CreatedAt.Add(time.Hour) }
	p.Process(context.Background(), bgr(10, 10), cc)
	if !cc.IsFlagged(7) {
		t.Fatal("flags cleared early")
	}

	p.now = func() time.Time { return cc.CreatedAt.Add(2*time.Hour + time.Second) }
	p.Process(context.Background(), bgr(10, 10), cc)
	if cc.IsFlagged(7) {
		t.Error("flags not cleared after interval")
	}
}

func TestPassDisplayDropOldest(t *testing.T) {
	p := NewPass(0, &staticDetector{name: "yolo"}, nil, nil, nil, PassOptions{}, nil)
	cc := newTestCamera()
	for i := int64(1); i <= 5; i++ {
		f := bgr(2, 2)
		f.FrameID = i
		p.Process(context.Background(), f, cc)
	}
	if len(cc.ToDisplay) != 3 {
		t.Fatalf("toDisplay = %d, want 3", len(cc.ToDisplay))
	}
	if oldest := <-cc.ToDisplay; oldest.FrameID != 3 {
		t.Errorf("oldest preview = %d, want 3", oldest.FrameID)
	}
}
