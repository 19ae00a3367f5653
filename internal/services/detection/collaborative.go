package detection

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"labguard-worker-go/internal/inference"
	"labguard-worker-go/internal/models"
)

// EnsembleOptions tune collaborative inference.
type EnsembleOptions struct {
	IoUThreshold  float64
	MinVotes      int
	AvgConfidence float64
}

// Ensemble runs several detectors on the same frame and keeps only objects
// that enough models agree on. It satisfies inference.Detector.
type Ensemble struct {
	detectors []inference.Detector
	opts      EnsembleOptions
}

func NewEnsemble(detectors []inference.Detector, opts EnsembleOptions) *Ensemble {
	if opts.MinVotes < 1 {
		opts.MinVotes = 1
	}
	return &Ensemble{detectors: detectors, opts: opts}
}

func (e *Ensemble) Name() string {
	names := make([]string, len(e.detectors))
	for i, d := range e.detectors {
		names[i] = d.Name()
	}
	return strings.Join(names, "+")
}

// Detect runs every model concurrently. A failing model casts no votes; the
// call fails only when every model fails.
func (e *Ensemble) Detect(ctx context.Context, frame *models.RawFrame) ([]models.Detection, error) {
	if len(e.detectors) == 0 {
		return nil, fmt.Errorf("no detectors configured")
	}
	if len(e.detectors) == 1 {
		return e.detectors[0].Detect(ctx, frame)
	}

	results := make([][]models.Detection, len(e.detectors))
	errs := make([]error, len(e.detectors))
	var g errgroup.Group
	for i, d := range e.detectors {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("detector %s panicked: %v", d.Name(), r)
				}
			}()
			dets, err := d.Detect(ctx, frame)
			if err != nil {
				errs[i] = err
				return nil
			}
			for j := range dets {
				dets[j].ModelName = d.Name()
			}
			results[i] = dets
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for i, err := range errs {
		if err != nil {
			failed++
			log.Warn().Err(err).Str("model", e.detectors[i].Name()).Msg("Detector failed during collaborative inference")
		}
	}
	if failed == len(e.detectors) {
		return nil, fmt.Errorf("all %d detectors failed: %w", failed, errs[0])
	}

	return e.combine(results), nil
}

// combine applies the vote gate, groups matching boxes and merges each group.
func (e *Ensemble) combine(results [][]models.Detection) []models.Detection {
	voting := 0
	for _, r := range results {
		if len(r) > 0 {
			voting++
		}
	}
	if voting < e.opts.MinVotes {
		return nil
	}

	var merged []models.Detection
	for _, group := range e.matchObjects(results) {
		if d, ok := e.mergeGroup(group); ok {
			merged = append(merged, d)
		}
	}
	return merged
}

type voted struct {
	model int
	det   models.Detection
}

// matchObjects groups detections of the same class from different models
// whose boxes overlap above the IoU threshold. Each model contributes at
// most one box per group.
func (e *Ensemble) matchObjects(results [][]models.Detection) [][]voted {
	var flat []voted
	for m, dets := range results {
		for _, d := range dets {
			flat = append(flat, voted{model: m, det: d})
		}
	}

	used := make([]bool, len(flat))
	var groups [][]voted
	for i := range flat {
		if used[i] {
			continue
		}
		used[i] = true
		group := []voted{flat[i]}
		seen := map[int]bool{flat[i].model: true}
		for j := i + 1; j < len(flat); j++ {
			if used[j] || seen[flat[j].model] {
				continue
			}
			if flat[j].det.ClassID != flat[i].det.ClassID {
				continue
			}
			if flat[i].det.BBox.IoU(flat[j].det.BBox) > e.opts.IoUThreshold {
				used[j] = true
				seen[flat[j].model] = true
				group = append(group, flat[j])
			}
		}
		if len(group) >= max(e.opts.MinVotes, 2) {
			groups = append(groups, group)
		}
	}
	return groups
}

// mergeGroup takes the envelope of the boxes and the mean confidence.
func (e *Ensemble) mergeGroup(group []voted) (models.Detection, bool) {
	out := group[0].det
	out.ModelName = "ensemble"
	box := out.BBox
	var sum float64
	for _, v := range group {
		b := v.det.BBox
		box.X1 = math.Min(box.X1, b.X1)
		box.Y1 = math.Min(box.Y1, b.Y1)
		box.X2 = math.Max(box.X2, b.X2)
		box.Y2 = math.Max(box.Y2, b.Y2)
		sum += float64(v.det.Score)
		if !out.Tracked() && v.det.Tracked() {
			out.TrackID = v.det.TrackID
		}
	}
	avg := sum / float64(len(group))
	if avg < e.opts.AvgConfidence {
		return models.Detection{}, false
	}
	out.BBox = box
	out.Score = float32(avg)
	return out, true
}
