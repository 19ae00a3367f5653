package association

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"labguard-worker-go/internal/helpers"
	"labguard-worker-go/internal/metrics"
	"labguard-worker-go/internal/models"
	"labguard-worker-go/internal/services/identity"
)

// Resolver decides whether a confirmed face is escalated.
type Resolver interface {
	Resolve(ctx context.Context, faceCrop *models.RawFrame) (identity.Decision, error)
}

// Notifier delivers escalation events. It must not block.
type Notifier interface {
	Dispatch(event models.EscalationEvent)
}

// EvidenceAnnotator draws the face and object boxes on a copy of the frame.
type EvidenceAnnotator interface {
	AnnotateEvidence(frame *models.RawFrame, face, object models.BBox) *models.RawFrame
}

// Options tune the association step.
type Options struct {
	Thresholds       Thresholds
	RequiredDuration time.Duration
	RequiredCount    int
	FaceCropPadding  int
	PopTimeout       time.Duration
}

// Engine pairs tracked objects with nearby people and escalates sustained
// violations. One Run goroutine per camera.
type Engine struct {
	opts      Options
	resolver  Resolver
	notifier  Notifier
	annotator EvidenceAnnotator
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewEngine(opts Options, resolver Resolver, notifier Notifier, annotator EvidenceAnnotator, m *metrics.Metrics) *Engine {
	if opts.PopTimeout <= 0 {
		opts.PopTimeout = time.Second
	}
	if m == nil {
		m = metrics.New()
	}
	return &Engine{
		opts:      opts,
		resolver:  resolver,
		notifier:  notifier,
		annotator: annotator,
		metrics:   m,
		now:       time.Now,
	}
}

// Run consumes the camera's association queue until the camera stops or
// ctx is cancelled.
func (e *Engine) Run(ctx context.Context, cc *models.CameraContext) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("camera_id", cc.CameraID).Interface("panic", r).Msg("Recovered from panic in association loop")
		}
	}()

	log.Info().Str("camera_id", cc.CameraID).Msg("Association loop started")
	defer log.Info().Str("camera_id", cc.CameraID).Msg("Association loop stopped")

	for cc.IsRunning() {
		select {
		case <-ctx.Done():
			return
		case frame := <-cc.ToAssociate:
			e.ProcessFrame(ctx, frame, cc)
		case <-time.After(e.opts.PopTimeout):
		}
	}
}

// ProcessFrame associates the camera's latest detections and poses against
// frame and returns the events it escalated.
func (e *Engine) ProcessFrame(ctx context.Context, frame *models.RawFrame, cc *models.CameraContext) (events []models.EscalationEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("camera_id", cc.CameraID).Interface("panic", r).Msg("Recovered from panic while associating frame")
		}
	}()
	if frame.Empty() {
		return nil
	}
	now := e.now()
	cc.PruneProximity(now, e.opts.RequiredDuration)

	dets, poses := cc.Snapshot()
	if len(dets) == 0 || len(poses) == 0 {
		return nil
	}

	for _, trackID := range models.SortedTrackIDs(dets) {
		if cc.IsFlagged(trackID) {
			continue
		}
		det := dets[trackID]
		best, ok := e.closestPose(frame, det, poses)
		if !ok {
			continue
		}
		e.metrics.Candidates.Add(1)

		if n := cc.RecordProximity(trackID, now, e.opts.RequiredDuration); n < e.opts.RequiredCount {
			log.Debug().Str("camera_id", cc.CameraID).Int32("track_id", trackID).Int("count", n).Msg("Proximity recorded")
			continue
		}
		e.metrics.Confirmations.Add(1)

		if event, ok := e.confirm(ctx, frame, cc, det, best); ok {
			events = append(events, event)
		}
	}
	return events
}

// closestPose returns the accepted pose with the lowest nose plus wrist
// distance. Errors and panics skip only the offending pair.
func (e *Engine) closestPose(frame *models.RawFrame, det models.DetectionInfo, poses []models.PoseSample) (Assessment, bool) {
	best, found := Assessment{}, false
	bestScore := math.Inf(1)
	for i, pose := range poses {
		a, ok := e.assessPair(frame, det, pose, i)
		if !ok {
			continue
		}
		if s := a.Score(); s < bestScore {
			best, bestScore, found = a, s, true
		}
	}
	return best, found
}

func (e *Engine) assessPair(frame *models.RawFrame, det models.DetectionInfo, pose models.PoseSample, idx int) (a Assessment, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.metrics.PairErrors.Add(1)
			ok = false
			log.Error().Str("camera_id", frame.CameraID).Int32("track_id", det.TrackID).Int("pose", idx).
				Interface("panic", r).Msg("Recovered from panic while assessing pair")
		}
	}()

	a, rej, err := Assess(det.BBox, pose, frame.Width, frame.Height, e.opts.Thresholds)
	if err != nil {
		if !errors.Is(err, ErrDegenerateBox) {
			e.metrics.PairErrors.Add(1)
		}
		return Assessment{}, false
	}
	return a, rej == Accepted
}

// confirm resolves identity for a temporally confirmed track. The track is
// flagged whether the violation is escalated or suppressed.
func (e *Engine) confirm(ctx context.Context, frame *models.RawFrame, cc *models.CameraContext, det models.DetectionInfo, a Assessment) (models.EscalationEvent, bool) {
	logger := log.With().Str("camera_id", cc.CameraID).Int32("track_id", det.TrackID).Int64("frame_id", frame.FrameID).Logger()

	face, err := helpers.SafeCrop(frame, a.FaceBox, e.opts.FaceCropPadding)
	if err != nil {
		e.metrics.PairErrors.Add(1)
		logger.Warn().Err(err).Msg("Face crop failed")
		return models.EscalationEvent{}, false
	}

	decision, err := e.resolver.Resolve(ctx, face)
	if err != nil {
		e.metrics.PairErrors.Add(1)
		logger.Warn().Err(err).Msg("Identity resolution failed")
		return models.EscalationEvent{}, false
	}
	cc.Flag(det.TrackID)
	cc.ForgetProximity(det.TrackID)

	if decision.Outcome == identity.Suppress {
		e.metrics.Suppressions.Add(1)
		logger.Info().Str("person_id", decision.PersonID).Msg("Violation already reported today, suppressed")
		return models.EscalationEvent{}, false
	}

	event := models.EscalationEvent{
		ID:                uuid.NewString(),
		PersonID:          decision.PersonID,
		CameraID:          cc.CameraID,
		TrackID:           det.TrackID,
		ClassID:           det.ClassID,
		ClassName:         det.ClassName,
		Confidence:        det.Confidence,
		Behavior:          a.Behavior,
		ObjectBox:         det.BBox,
		FaceBox:           a.FaceBox,
		NewIdentity:       decision.NewIdentity,
		IncomplianceCount: decision.IncomplianceCount,
		SnapshotKey:       SnapshotKey(decision.PersonID, decision.Day),
		FaceKey:           FaceKey(decision.PersonID, decision.Day),
		Timestamp:         decision.At,
	}

	e.persist(cc, event.SnapshotKey, e.evidence(frame, a.FaceBox, det.BBox))
	e.persist(cc, event.FaceKey, face)

	if e.notifier != nil {
		e.notifier.Dispatch(event)
	}
	e.metrics.Escalations.Add(1)
	logger.Info().
		Str("person_id", event.PersonID).
		Str("behavior", string(event.Behavior)).
		Bool("new_identity", event.NewIdentity).
		Int("incompliance_count", event.IncomplianceCount).
		Msg("Violation escalated")
	return event, true
}

func (e *Engine) evidence(frame *models.RawFrame, face, object models.BBox) *models.RawFrame {
	if e.annotator == nil {
		return frame.Clone()
	}
	return e.annotator.AnnotateEvidence(frame, face, object)
}

func (e *Engine) persist(cc *models.CameraContext, key string, img *models.RawFrame) {
	if helpers.PushDropOldest(cc.ToPersist, &models.PersistRequest{Key: key, Frame: img}) {
		e.metrics.PersistDropped.Add(1)
	}
}

// SnapshotKey is the storage key of an escalation's evidence frame.
func SnapshotKey(personID, day string) string {
	return fmt.Sprintf("incompliances/%s/Person_%s_%s.jpg", personID, personID, day)
}

// FaceKey is the storage key of an escalation's face crop.
func FaceKey(personID, day string) string {
	return fmt.Sprintf("faces/%s/Person_%s_%s.jpg", personID, personID, day)
}
