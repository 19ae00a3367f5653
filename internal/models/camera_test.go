package models

import (
	"sync"
	"testing"
	"time"
)

func TestRecordProximityWindow(t *testing.T) {
	cc := NewCameraContext("cam1", "rtsp://x", "101", ContextOptions{})
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if n := cc.RecordProximity(7, base, 2*time.Second); n != 1 {
		t.Fatalf("first event count = %d, want 1", n)
	}
	if n := cc.RecordProximity(7, base.Add(1500*time.Millisecond), 2*time.Second); n != 2 {
		t.Fatalf("second event count = %d, want 2", n)
	}
	// 2.5s after the first event: it falls out of the window.
	if n := cc.RecordProximity(7, base.Add(2500*time.Millisecond), 2*time.Second); n != 2 {
		t.Fatalf("third event count = %d, want 2", n)
	}
	if n := cc.RecordProximity(8, base, 2*time.Second); n != 1 {
		t.Errorf("other track count = %d, want 1", n)
	}
}

func TestProximityHistoryIsBounded(t *testing.T) {
	cc := NewCameraContext("cam1", "", "", ContextOptions{})
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	window := 2 * time.Second

	for id := int32(0); id < 100; id++ {
		cc.RecordProximity(id, base, window)
	}
	cc.RecordProximity(500, base.Add(3*time.Second), window)
	if n := cc.PruneProximity(base.Add(3*time.Second), window); n != 1 {
		t.Errorf("tracks after prune = %d, want 1", n)
	}

	cc.ForgetProximity(500)
	if n := cc.PruneProximity(base.Add(3*time.Second), window); n != 0 {
		t.Errorf("tracks after forget = %d, want 0", n)
	}
	if n := cc.RecordProximity(500, base.Add(4*time.Second), window); n != 1 {
		t.Errorf("count after forget = %d, want a fresh history", n)
	}
}

func TestClearFlaggedIfDue(t *testing.T) {
	cc := NewCameraContext("cam1", "", "", ContextOptions{})
	cc.Flag(3)
	cc.Flag(4)

	if cc.ClearFlaggedIfDue(cc.CreatedAt.Add(time.Hour), 2*time.Hour) {
		t.Fatal("cleared before interval elapsed")
	}
	if !cc.IsFlagged(3) {
		t.Fatal("track 3 should still be flagged")
	}
	if !cc.ClearFlaggedIfDue(cc.CreatedAt.Add(2*time.Hour), 2*time.Hour) {
		t.Fatal("expected clear at 2h")
	}
	if cc.FlaggedCount() != 0 {
		t.Errorf("FlaggedCount() = %d, want 0", cc.FlaggedCount())
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	cc := NewCameraContext("cam1", "", "", ContextOptions{})
	cc.PutDetection(DetectionInfo{TrackID: 7, ClassID: 39})
	cc.SetPoses([]PoseSample{{Nose: Point{X: 1, Y: 2}}})

	if !cc.HasCandidates() {
		t.Fatal("HasCandidates() = false, want true")
	}
	dets, poses := cc.Snapshot()
	cc.ResetDetections()
	cc.SetPoses(nil)

	if len(dets) != 1 || len(poses) != 1 {
		t.Fatalf("snapshot lost data after reset: %d dets, %d poses", len(dets), len(poses))
	}
	if cc.HasCandidates() {
		t.Error("HasCandidates() = true after reset")
	}
}

func TestConcurrentWritersAndSnapshots(t *testing.T) {
	cc := NewCameraContext("cam1", "", "", ContextOptions{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func(id int32) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				cc.ResetDetections()
				cc.PutDetection(DetectionInfo{TrackID: id})
				cc.SetPoses([]PoseSample{{}})
			}
		}(int32(i + 1))
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				cc.Snapshot()
				cc.HasCandidates()
			}
		}()
	}
	wg.Wait()
}

func TestStateTransitions(t *testing.T) {
	cc := NewCameraContext("cam1", "", "", ContextOptions{})
	if cc.State() != StateStopped {
		t.Fatalf("initial state = %v, want stopped", cc.State())
	}
	if !cc.CompareAndSwapState(StateStopped, StateRunning) {
		t.Fatal("CAS stopped->running failed")
	}
	if cc.CompareAndSwapState(StateStopped, StateRunning) {
		t.Error("second CAS should fail")
	}
	if !cc.IsRunning() {
		t.Error("IsRunning() = false")
	}
}

func TestBBoxGeometry(t *testing.T) {
	a := BBox{X1: 0, Y1: 0, X2: 10, Y2: 10}
	if got := a.IoU(a); got != 1 {
		t.Errorf("IoU(self) = %v, want 1", got)
	}
	b := BBox{X1: 5, Y1: 0, X2: 15, Y2: 10}
	if got := a.IoU(b); got < 0.333 || got > 0.334 {
		t.Errorf("IoU() = %v, want 1/3", got)
	}
	if got := (BBox{}).IoU(BBox{}); got != 0 {
		t.Errorf("IoU(empty) = %v, want 0", got)
	}
	if c := (BBox{X1: 1, Y1: 1, X2: 4, Y2: 4}).Center(); c != (Point{X: 2, Y: 2}) {
		t.Errorf("Center() = %v, want (2,2)", c)
	}
	if p := a.Clamp(Point{X: 20, Y: -5}); p != (Point{X: 10, Y: 0}) {
		t.Errorf("Clamp() = %v", p)
	}
}
