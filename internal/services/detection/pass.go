package detection

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"labguard-worker-go/internal/helpers"
	"labguard-worker-go/internal/inference"
	"labguard-worker-go/internal/metrics"
	"labguard-worker-go/internal/models"
)

// Annotator draws tracked objects on a copy of the frame for live preview.
type Annotator interface {
	Annotate(frame *models.RawFrame, dets []models.DetectionInfo) *models.RawFrame
}

// PassOptions tune the per-frame detection pass.
type PassOptions struct {
	DistractorLabels  []string
	CropPadding       int
	FlagClearInterval time.Duration
}

// Pass is the per-worker detection pass. Classifier and Annotator are optional.
type Pass struct {
	workerID    int
	detector    inference.Detector
	pose        inference.PoseEstimator
	classifier  inference.Classifier
	annotator   Annotator
	distractors map[string]struct{}
	opts        PassOptions
	metrics     *metrics.Metrics
	now         func() time.Time
}

func NewPass(workerID int, detector inference.Detector, pose inference.PoseEstimator, classifier inference.Classifier, annotator Annotator, opts PassOptions, m *metrics.Metrics) *Pass {
	distractors := make(map[string]struct{}, len(opts.DistractorLabels))
	for _, l := range opts.DistractorLabels {
		distractors[strings.ToLower(l)] = struct{}{}
	}
	if m == nil {
		m = metrics.New()
	}
	return &Pass{
		workerID:    workerID,
		detector:    detector,
		pose:        pose,
		classifier:  classifier,
		annotator:   annotator,
		distractors: distractors,
		opts:        opts,
		metrics:     m,
		now:         time.Now,
	}
}

// Process records this frame's tracked detections and poses in the camera
// context, forwards candidate frames to association and always publishes an
// annotated preview.
func (p *Pass) Process(ctx context.Context, frame *models.RawFrame, cc *models.CameraContext) {
	p.metrics.Passes.Add(1)
	logger := log.With().Int("worker_id", p.workerID).Str("camera_id", cc.CameraID).Int64("frame_id", frame.FrameID).Logger()

	if p.opts.FlagClearInterval > 0 && cc.ClearFlaggedIfDue(p.now(), p.opts.FlagClearInterval) {
		logger.Info().Msg("Cleared flagged tracks")
	}

	cc.ResetDetections()
	cc.SetPoses(nil)

	var drawn []models.DetectionInfo
	dets, err := p.detector.Detect(ctx, frame)
	if err != nil {
		p.metrics.PassErrors.Add(1)
		logger.Warn().Err(err).Str("model", p.detector.Name()).Msg("Object detection failed")
	}

	survivors := 0
	for _, d := range dets {
		if !d.Tracked() {
			continue
		}
		info := models.DetectionInfo{
			TrackID:    d.TrackID,
			BBox:       d.BBox,
			Center:     d.BBox.Center(),
			Confidence: d.Score,
			ClassID:    d.ClassID,
			ClassName:  d.ClassName,
		}
		drawn = append(drawn, info)
		if cc.IsFlagged(d.TrackID) {
			continue
		}
		if p.keep(ctx, frame, &info) {
			cc.PutDetection(info)
			p.metrics.Detections.Add(1)
			survivors++
		}
	}

	if survivors > 0 && p.pose != nil {
		poses, err := p.pose.EstimatePose(ctx, frame)
		if err != nil {
			logger.Warn().Err(err).Msg("Pose estimation failed")
		} else {
			cc.SetPoses(poses)
		}
	}

	if cc.HasCandidates() {
		if helpers.PushDropOldest(cc.ToAssociate, frame) {
			p.metrics.FramesDropAssoc.Add(1)
		}
	}

	if helpers.PushDropOldest(cc.ToDisplay, p.annotate(frame, drawn)) {
		p.metrics.FramesDropDisplay.Add(1)
	}
}

// keep runs the classifier filter on one detection. Failures drop the
// detection without affecting the rest of the frame.
func (p *Pass) keep(ctx context.Context, frame *models.RawFrame, info *models.DetectionInfo) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			log.Error().
				Str("camera_id", frame.CameraID).
				Int32("track_id", info.TrackID).
				Interface("panic", r).
				Msg("Recovered from panic while filtering detection")
		}
	}()

	if p.classifier == nil {
		return true
	}
	crop, err := helpers.SafeCrop(frame, info.BBox, p.opts.CropPadding)
	if err != nil {
		log.Debug().Err(err).Str("camera_id", frame.CameraID).Int32("track_id", info.TrackID).Msg("Skipping detection, crop failed")
		return false
	}
	label, _, err := p.classifier.Classify(ctx, crop)
	if err != nil {
		log.Warn().Err(err).Str("camera_id", frame.CameraID).Int32("track_id", info.TrackID).Msg("Classifier failed, skipping detection")
		return false
	}
	info.Label = label
	if _, distractor := p.distractors[strings.ToLower(label)]; distractor {
		p.metrics.DistractorsFiltered.Add(1)
		return false
	}
	return true
}

func (p *Pass) annotate(frame *models.RawFrame, drawn []models.DetectionInfo) *models.RawFrame {
	if p.annotator == nil {
		return frame.Clone()
	}
	return p.annotator.Annotate(frame, drawn)
}
