package detection

import (
	"context"
	"sync"
	"testing"
	"time"

	"labguard-worker-go/internal/models"
)

type recordingProcessor struct {
	mu     sync.Mutex
	frames []int64
	block  chan struct{}
}

func (r *recordingProcessor) Process(_ context.Context, frame *models.RawFrame, _ *models.CameraContext) {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	r.frames = append(r.frames, frame.FrameID)
	r.mu.Unlock()
}

func (r *recordingProcessor) seen() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.frames...)
}

func newTestScheduler(t *testing.T, workers int, procs []*recordingProcessor) *Service {
	t.Helper()
	s, err := NewService(SchedulerOptions{Workers: workers, QueueSize: 8, PopTimeout: 10 * time.Millisecond, StopTimeout: 200 * time.Millisecond},
		func(id int) (Processor, error) { return procs[id], nil }, nil)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return s
}

func runningCamera() *models.CameraContext {
	cc := models.NewCameraContext("cam1", "", "", models.ContextOptions{})
	cc.SetState(models.StateRunning)
	return cc
}

func frame(id int64) *models.RawFrame {
	return &models.RawFrame{CameraID: "cam1", FrameID: id, Width: 1, Height: 1, Data: []byte{0, 0, 0}}
}

func TestSubmitRoundRobin(t *testing.T) {
	procs := []*recordingProcessor{{}, {}, {}}
	s := newTestScheduler(t, 3, procs)
	cc := runningCamera()

	for i := int64(1); i <= 4; i++ {
		s.Submit(frame(i), cc)
	}

	counts := []int{s.workers[0].Pending(), s.workers[1].Pending(), s.workers[2].Pending()}
	if counts[0] != 2 || counts[1] != 1 || counts[2] != 1 {
		t.Errorf("queue sizes = %v, want [2 1 1]", counts)
	}
	if s.Next() != 1 {
		t.Errorf("Next() = %d, want 1", s.Next())
	}
	first, second := <-s.workers[0].queue, <-s.workers[0].queue
	if first.frame.FrameID != 1 || second.frame.FrameID != 4 {
		t.Errorf("worker 0 frames = %d,%d, want 1,4", first.frame.FrameID, second.frame.FrameID)
	}
}

func TestSubmitConcurrentFairness(t *testing.T) {
	procs := []*recordingProcessor{{}, {}, {}, {}}
	s, err := NewService(SchedulerOptions{Workers: 4, QueueSize: 1000}, func(id int) (Processor, error) { return procs[id], nil }, nil)
	if err != nil {
		t.Fatal(err)
	}
	cc := runningCamera()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s.Submit(frame(int64(i)), cc)
			}
		}()
	}
	wg.Wait()
	for i, w := range s.workers {
		if w.Pending() != 200 {
			t.Errorf("worker %d pending = %d, want 200", i, w.Pending())
		}
	}
}

func TestWorkersProcessInOrder(t *testing.T) {
	procs := []*recordingProcessor{{}, {}}
	s := newTestScheduler(t, 2, procs)
	s.Start(context.Background())
	cc := runningCamera()

	for i := int64(1); i <= 6; i++ {
		s.Submit(frame(i), cc)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(procs[0].seen())+len(procs[1].seen()) < 6 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := procs[0].seen(); len(got) != 3 || got[0] != 1 || got[1] != 3 || got[2] != 5 {
		t.Errorf("worker 0 processed %v, want [1 3 5]", got)
	}
	if n := s.StopAll(); n != 0 {
		t.Errorf("StopAll() stragglers = %d, want 0", n)
	}
}

func TestStopAllIsBounded(t *testing.T) {
	stuck := &recordingProcessor{block: make(chan struct{})}
	defer close(stuck.block)
	s := newTestScheduler(t, 2, []*recordingProcessor{stuck, {}})
	s.Start(context.Background())
	s.Submit(frame(1), runningCamera())
	time.Sleep(30 * time.Millisecond)

	start := time.Now()
	if n := s.StopAll(); n != 1 {
		t.Errorf("StopAll() stragglers = %d, want 1", n)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("StopAll() took %v", elapsed)
	}
}

func TestStoppedCameraFramesSkipped(t *testing.T) {
	procs := []*recordingProcessor{{}}
	s := newTestScheduler(t, 1, procs)
	s.Start(context.Background())
	defer s.StopAll()

	cc := models.NewCameraContext("cam1", "", "", models.ContextOptions{})
	s.Submit(frame(1), cc)
	time.Sleep(50 * time.Millisecond)
	if got := procs[0].seen(); len(got) != 0 {
		t.Errorf("processed %v for a stopped camera", got)
	}
}
