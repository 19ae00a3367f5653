package models

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// CameraState represents the atomic state of a camera session
type CameraState int32

const (
	StateStopped CameraState = iota
	StateRunning
	StateStopping
)

func (s CameraState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// RawFrame represents a decoded BGR24 frame
type RawFrame struct {
	CameraID  string
	Data      []byte
	Timestamp time.Time
	FrameID   int64
	Width     int
	Height    int
	Format    string
}

// Clone returns a deep copy so annotation never touches the original pixels.
func (f *RawFrame) Clone() *RawFrame {
	if f == nil {
		return nil
	}
	c := *f
	c.Data = append([]byte(nil), f.Data...)
	return &c
}

// Empty reports whether the frame carries no pixels.
func (f *RawFrame) Empty() bool {
	return f == nil || len(f.Data) == 0 || f.Width <= 0 || f.Height <= 0
}

// PersistRequest asks the snapshot writer to store Frame under Key.
type PersistRequest struct {
	Key   string
	Frame *RawFrame
}

// CameraContext is the per-camera shared state of one camera session.
//
// Lock order when more than one is needed: detections, then poses.
// The flagged-set lock is never held together with the others.
type CameraContext struct {
	CameraID  string
	URI       string
	Channel   string
	CreatedAt time.Time

	Frames      chan *RawFrame
	ToAssociate chan *RawFrame
	ToDisplay   chan *RawFrame
	ToPersist   chan *PersistRequest

	detMu    sync.Mutex
	detected map[int32]DetectionInfo

	poseMu sync.Mutex
	poses  []PoseSample

	flagMu        sync.Mutex
	flagged       map[int32]struct{}
	lastFlagClear time.Time

	// proximity is owned by the camera's association goroutine.
	proximity map[int32][]time.Time

	state         int32
	framesRead    int64
	lastFrameUnix int64
}

// ContextOptions sizes the per-camera channels.
type ContextOptions struct {
	FrameBuffer     int
	AssociateBuffer int
	DisplayBuffer   int
	// PersistQueue is shared between cameras; nil gets a private queue.
	PersistQueue  chan *PersistRequest
	PersistBuffer int
}

func NewCameraContext(cameraID, uri, channel string, opts ContextOptions) *CameraContext {
	persist := opts.PersistQueue
	if persist == nil {
		persist = make(chan *PersistRequest, max(opts.PersistBuffer, 1))
	}
	now := time.Now()
	return &CameraContext{
		CameraID:      cameraID,
		URI:           uri,
		Channel:       channel,
		CreatedAt:     now,
		Frames:        make(chan *RawFrame, max(opts.FrameBuffer, 1)),
		ToAssociate:   make(chan *RawFrame, max(opts.AssociateBuffer, 1)),
		ToDisplay:     make(chan *RawFrame, max(opts.DisplayBuffer, 1)),
		ToPersist:     persist,
		detected:      make(map[int32]DetectionInfo),
		flagged:       make(map[int32]struct{}),
		lastFlagClear: now,
		proximity:     make(map[int32][]time.Time),
	}
}

func (cc *CameraContext) SetState(s CameraState) { atomic.StoreInt32(&cc.state, int32(s)) }

func (cc *CameraContext) State() CameraState { return CameraState(atomic.LoadInt32(&cc.state)) }

// CompareAndSwapState transitions the session state atomically.
func (cc *CameraContext) CompareAndSwapState(from, to CameraState) bool {
	return atomic.CompareAndSwapInt32(&cc.state, int32(from), int32(to))
}

func (cc *CameraContext) IsRunning() bool { return cc.State() == StateRunning }

// MarkFrameRead records reader progress for health reporting.
func (cc *CameraContext) MarkFrameRead(at time.Time) {
	atomic.AddInt64(&cc.framesRead, 1)
	atomic.StoreInt64(&cc.lastFrameUnix, at.UnixNano())
}

func (cc *CameraContext) FramesRead() int64 { return atomic.LoadInt64(&cc.framesRead) }

func (cc *CameraContext) LastFrameTime() time.Time {
	n := atomic.LoadInt64(&cc.lastFrameUnix)
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// ResetDetections clears the detections recorded by the previous pass.
func (cc *CameraContext) ResetDetections() {
	cc.detMu.Lock()
	clear(cc.detected)
	cc.detMu.Unlock()
}

// PutDetection records a surviving detection keyed by track id.
func (cc *CameraContext) PutDetection(info DetectionInfo) {
	cc.detMu.Lock()
	cc.detected[info.TrackID] = info
	cc.detMu.Unlock()
}

// SetPoses replaces the pose samples of the previous pass.
func (cc *CameraContext) SetPoses(poses []PoseSample) {
	cc.poseMu.Lock()
	cc.poses = append(cc.poses[:0], poses...)
	cc.poseMu.Unlock()
}

// HasCandidates reports whether both detections and poses are present.
func (cc *CameraContext) HasCandidates() bool {
	cc.detMu.Lock()
	defer cc.detMu.Unlock()
	cc.poseMu.Lock()
	defer cc.poseMu.Unlock()
	return len(cc.detected) > 0 && len(cc.poses) > 0
}

// Snapshot copies detections and poses under both locks.
func (cc *CameraContext) Snapshot() (map[int32]DetectionInfo, []PoseSample) {
	cc.detMu.Lock()
	defer cc.detMu.Unlock()
	cc.poseMu.Lock()
	defer cc.poseMu.Unlock()

	dets := make(map[int32]DetectionInfo, len(cc.detected))
	for id, d := range cc.detected {
		dets[id] = d
	}
	poses := append([]PoseSample(nil), cc.poses...)
	return dets, poses
}

// SortedTrackIDs returns the keys of a detection snapshot in ascending order.
func SortedTrackIDs(dets map[int32]DetectionInfo) []int32 {
	ids := make([]int32, 0, len(dets))
	for id := range dets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (cc *CameraContext) IsFlagged(trackID int32) bool {
	cc.flagMu.Lock()
	defer cc.flagMu.Unlock()
	_, ok := cc.flagged[trackID]
	return ok
}

// Flag excludes the track from further processing until the next clear.
func (cc *CameraContext) Flag(trackID int32) {
	cc.flagMu.Lock()
	cc.flagged[trackID] = struct{}{}
	cc.flagMu.Unlock()
}

func (cc *CameraContext) FlaggedCount() int {
	cc.flagMu.Lock()
	defer cc.flagMu.Unlock()
	return len(cc.flagged)
}

// ClearFlaggedIfDue empties the flagged set once interval has elapsed
// since the previous clear. It reports whether a clear happened.
func (cc *CameraContext) ClearFlaggedIfDue(now time.Time, interval time.Duration) bool {
	cc.flagMu.Lock()
	defer cc.flagMu.Unlock()
	if now.Sub(cc.lastFlagClear) < interval {
		return false
	}
	clear(cc.flagged)
	cc.lastFlagClear = now
	return true
}

// RecordProximity appends now to the track's history, drops entries older
// than window and returns how many remain.
func (cc *CameraContext) RecordProximity(trackID int32, now time.Time, window time.Duration) int {
	history := append(cc.proximity[trackID], now)
	kept := history[:0]
	for _, t := range history {
		if now.Sub(t) <= window {
			kept = append(kept, t)
		}
	}
	cc.proximity[trackID] = kept
	return len(kept)
}

// ForgetProximity drops a track's history, e.g. once it has been flagged.
func (cc *CameraContext) ForgetProximity(trackID int32) {
	delete(cc.proximity, trackID)
}

// PruneProximity drops tracks whose newest entry is older than window and
// returns how many tracks are still tracked.
func (cc *CameraContext) PruneProximity(now time.Time, window time.Duration) int {
	for id, history := range cc.proximity {
		if len(history) == 0 || now.Sub(history[len(history)-1]) > window {
			delete(cc.proximity, id)
		}
	}
	return len(cc.proximity)
}

// CameraRequest for API
type CameraRequest struct {
	CameraID  string `json:"camera_id" binding:"required"`
	URL       string `json:"url,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	Channel   string `json:"channel,omitempty"`
}

// CameraResponse for API
type CameraResponse struct {
	CameraID      string    `json:"camera_id"`
	URL           string    `json:"url"`
	Channel       string    `json:"channel,omitempty"`
	State         string    `json:"state"`
	CreatedAt     time.Time `json:"created_at"`
	LastFrameTime time.Time `json:"last_frame_time"`
	FramesRead    int64     `json:"frames_read"`
	FlaggedTracks int       `json:"flagged_tracks"`
	MJPEGUrl      string    `json:"mjpeg_url"`
}
