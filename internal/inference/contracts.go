// Package inference defines the model capabilities the pipeline consumes and
// a gRPC client that provides them.
package inference

import (
	"context"
	"sync"

	"labguard-worker-go/internal/models"
)

// Detector finds target objects in a frame. Returned detections carry a
// tracker id when the model tracks across frames.
type Detector interface {
	Name() string
	Detect(ctx context.Context, frame *models.RawFrame) ([]models.Detection, error)
}

// PoseEstimator returns one sample per person in the frame.
type PoseEstimator interface {
	EstimatePose(ctx context.Context, frame *models.RawFrame) ([]models.PoseSample, error)
}

// Classifier labels an object crop, e.g. "water_bottle" or "coffee_cup".
type Classifier interface {
	Classify(ctx context.Context, crop *models.RawFrame) (label string, score float32, err error)
}

// Embedder maps a face crop to an identity embedding. An empty embedding
// means no face was found.
type Embedder interface {
	Embed(ctx context.Context, faceCrop *models.RawFrame) ([]float64, error)
}

// Serialize wraps a detector so calls go through mu, for accelerators that
// cannot run two inferences at once.
func Serialize(d Detector, mu *sync.Mutex) Detector {
	return &serializedDetector{inner: d, mu: mu}
}

type serializedDetector struct {
	inner Detector
	mu    *sync.Mutex
}

func (s *serializedDetector) Name() string { return s.inner.Name() }

func (s *serializedDetector) Detect(ctx context.Context, frame *models.RawFrame) ([]models.Detection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Detect(ctx, frame)
}

// SerializePose is Serialize for pose models.
func SerializePose(p PoseEstimator, mu *sync.Mutex) PoseEstimator {
	return &serializedPose{inner: p, mu: mu}
}

type serializedPose struct {
	inner PoseEstimator
	mu    *sync.Mutex
}

func (s *serializedPose) EstimatePose(ctx context.Context, frame *models.RawFrame) ([]models.PoseSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.EstimatePose(ctx, frame)
}

// SerializeClassifier is Serialize for classifiers.
func SerializeClassifier(c Classifier, mu *sync.Mutex) Classifier {
	return &serializedClassifier{inner: c, mu: mu}
}

type serializedClassifier struct {
	inner Classifier
	mu    *sync.Mutex
}

func (s *serializedClassifier) Classify(ctx context.Context, crop *models.RawFrame) (string, float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Classify(ctx, crop)
}

// SerializeEmbedder is Serialize for face embedders.
func SerializeEmbedder(e Embedder, mu *sync.Mutex) Embedder {
	return &serializedEmbedder{inner: e, mu: mu}
}

type serializedEmbedder struct {
	inner Embedder
	mu    *sync.Mutex
}

func (s *serializedEmbedder) Embed(ctx context.Context, faceCrop *models.RawFrame) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Embed(ctx, faceCrop)
}
