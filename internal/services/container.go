package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"labguard-worker-go/internal/config"
	"labguard-worker-go/internal/inference"
	"labguard-worker-go/internal/logging"
	"labguard-worker-go/internal/metrics"
	"labguard-worker-go/internal/models"
	"labguard-worker-go/internal/services/association"
	"labguard-worker-go/internal/services/camera"
	"labguard-worker-go/internal/services/detection"
	"labguard-worker-go/internal/services/identity"
	"labguard-worker-go/internal/services/messaging"
	"labguard-worker-go/internal/services/notification"
	"labguard-worker-go/internal/services/publisher"
	"labguard-worker-go/internal/services/recorder"
	"labguard-worker-go/internal/services/retention"
	"labguard-worker-go/internal/services/streamcapture"
	"labguard-worker-go/internal/vision"
)

// ServiceContainer holds all services
type ServiceContainer struct {
	Config        *config.Config
	Metrics       *metrics.Metrics
	CameraManager *camera.CameraManager
	Publisher     *publisher.Service
	Messaging     *messaging.Service

	recorder   *recorder.Service
	notifier   *notification.Service
	retention  *retention.Service
	mqtt       *notification.MQTTSink
	identityDB *identity.PostgresStore
	clients    []*inference.Client
}

// NewServiceContainer builds the pipeline from cfg and starts the detection
// workers, the persistence writer and the notifier. Cameras are started
// separately with StartConfiguredCameras.
func NewServiceContainer(cfg *config.Config) (*ServiceContainer, error) {
	sc := &ServiceContainer{
		Config:  cfg,
		Metrics: metrics.New(),
	}
	if err := sc.build(); err != nil {
		sc.closeConnections()
		return nil, err
	}
	return sc, nil
}

func (sc *ServiceContainer) build() error {
	cfg := sc.Config
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return fmt.Errorf("invalid TIMEZONE %q: %w", cfg.Timezone, err)
	}
	if len(cfg.AIGRPCURLs) == 0 {
		return errors.New("at least one inference endpoint is required")
	}

	sc.recorder = recorder.NewService(cfg.PersistBufferSize, vision.JPEGWriter{Root: cfg.SnapshotDir, Quality: cfg.OutputQuality}, sc.Metrics)

	sinks, err := sc.buildSinks()
	if err != nil {
		return err
	}
	sc.notifier = notification.NewService(notification.Options{
		Workers:    cfg.NotifyWorkers,
		BufferSize: cfg.NotifyBufferSize,
		Timeout:    cfg.NotifyTimeout,
	}, sc.Metrics, sinks...)

	quality := cfg.OutputQuality
	encode := func(f *models.RawFrame) ([]byte, error) {
		return vision.EncodeJPEG(f, quality)
	}

	// One client and one accelerator lock per inference endpoint.
	locks := make([]*sync.Mutex, len(cfg.AIGRPCURLs))
	for i, endpoint := range cfg.AIGRPCURLs {
		client, err := inference.NewClient(endpoint, inference.ClientOptions{
			Timeout:          cfg.AITimeout,
			Encoder:          encode,
			TargetClasses:    cfg.TargetClasses,
			DetectConfidence: cfg.DetectConfidence,
			PoseModel:        cfg.PoseModel,
			PoseConfidence:   cfg.PoseConfidence,
			PoseIoU:          cfg.PoseIoU,
			ClassifierModel:  cfg.ClassifierModel,
			EmbedderModel:    cfg.EmbedderModel,
		})
		if err != nil {
			return err
		}
		sc.clients = append(sc.clients, client)
		locks[i] = &sync.Mutex{}
	}

	scheduler, err := detection.NewService(detection.SchedulerOptions{
		Workers:     cfg.WorkerCount,
		QueueSize:   cfg.WorkerQueueSize,
		PopTimeout:  cfg.WorkerPopTimeout,
		StopTimeout: cfg.WorkerStopTimeout,
	}, func(workerID int) (detection.Processor, error) {
		idx := workerID % len(sc.clients)
		return sc.newPass(workerID, sc.clients[idx], locks[idx]), nil
	}, sc.Metrics)
	if err != nil {
		return err
	}

	store, err := sc.identityStore()
	if err != nil {
		return err
	}
	embedder := sc.clients[0].Embedder()
	if cfg.SharedAccelerator {
		embedder = inference.SerializeEmbedder(embedder, locks[0])
	}
	resolver := identity.NewService(embedder, store, cfg.FaceMatchThreshold, loc)

	snapshotDir := cfg.SnapshotDir
	sc.retention = retention.NewService(retention.Options{
		Period:   cfg.RetentionPeriod,
		Interval: cfg.RetentionInterval,
	}, store, func(cutoff time.Time) (int, error) {
		return recorder.SweepBefore(snapshotDir, cutoff)
	}, sc.Metrics)

	engine := association.NewEngine(association.Options{
		Thresholds: association.Thresholds{
			AboveNoseRatio: cfg.AboveNoseRatio,
			MaxAreaRatio:   cfg.MaxAreaRatio,
			MinAreaRatio:   cfg.MinAreaRatio,
			MaxHeightRatio: cfg.MaxHeightRatio,
			MinHeightRatio: cfg.MinHeightRatio,
			Consumption:    cfg.ConsumptionThreshold,
			Nose:           cfg.NoseThreshold,
			Wrist:          cfg.WristThreshold,
		},
		RequiredDuration: cfg.RequiredDuration,
		RequiredCount:    cfg.RequiredCount,
		FaceCropPadding:  cfg.FaceCropPadding,
		PopTimeout:       cfg.WorkerPopTimeout,
	}, resolver, sc.notifier, vision.Annotator{}, sc.Metrics)

	reader := streamcapture.NewService(streamcapture.PolicyFromConfig(cfg),
		vision.Opener{Width: cfg.FrameWidth, Height: cfg.FrameHeight}, scheduler, sc.Metrics)

	sc.Publisher = publisher.NewService(encode)

	sc.CameraManager = camera.NewCameraManager(camera.Options{
		Context: models.ContextOptions{
			FrameBuffer:     cfg.FrameBufferSize,
			AssociateBuffer: cfg.AssociateBufferSize,
			DisplayBuffer:   cfg.DisplayBufferSize,
			PersistQueue:    sc.recorder.Queue(),
		},
		SourceURL:      cfg.RTSPURL,
		DefaultChannel: cfg.RTSPDefaultChannel,
		StopTimeout:    cfg.WorkerStopTimeout,
		PopTimeout:     cfg.WorkerPopTimeout,
	}, scheduler, reader, engine, sc.Publisher, sc.Metrics, logging.NewServiceLogger(cfg, "camera"))

	sc.recorder.Start()
	sc.notifier.Start(context.Background())
	sc.CameraManager.Start()
	sc.retention.Start()
	return nil
}

// newPass wires one worker's models. With a shared accelerator every model
// call on the endpoint goes through lock.
func (sc *ServiceContainer) newPass(workerID int, client *inference.Client, lock *sync.Mutex) *detection.Pass {
	cfg := sc.Config

	detectors := make([]inference.Detector, 0, len(cfg.DetectorModels))
	for _, model := range cfg.DetectorModels {
		d := client.Detector(model)
		if cfg.SharedAccelerator {
			d = inference.Serialize(d, lock)
		}
		detectors = append(detectors, d)
	}
	var detector inference.Detector
	if len(detectors) == 1 {
		detector = detectors[0]
	} else {
		detector = detection.NewEnsemble(detectors, detection.EnsembleOptions{
			IoUThreshold:  cfg.CollabIoUThreshold,
			MinVotes:      cfg.CollabMinVotes,
			AvgConfidence: cfg.CollabAvgConfidence,
		})
	}

	pose := client.PoseEstimator()
	if cfg.SharedAccelerator {
		pose = inference.SerializePose(pose, lock)
	}

	var classifier inference.Classifier
	if cfg.ClassifierModel != "" {
		classifier = client.Classifier()
		if cfg.SharedAccelerator {
			classifier = inference.SerializeClassifier(classifier, lock)
		}
	}

	return detection.NewPass(workerID, detector, pose, classifier, vision.Annotator{}, detection.PassOptions{
		DistractorLabels:  cfg.DistractorLabels,
		CropPadding:       cfg.ObjectCropPadding,
		FlagClearInterval: cfg.FlagClearInterval,
	}, sc.Metrics)
}

func (sc *ServiceContainer) buildSinks() ([]notification.Sink, error) {
	cfg := sc.Config
	var sinks []notification.Sink

	if cfg.NatsEnabled {
		msg, err := messaging.NewService(cfg)
		if err != nil {
			// Alerts still go to the other sinks.
			log.Warn().Err(err).Msg("NATS unavailable, violation alerts will not be published to NATS")
		} else {
			sc.Messaging = msg
			sinks = append(sinks, notification.NewNATSSink(msg, cfg.AlertsSubject))
		}
	}

	if cfg.MQTTEnabled {
		sink, err := notification.NewMQTTSink(cfg)
		if err != nil {
			return nil, err
		}
		sc.mqtt = sink
		sinks = append(sinks, sink)
	}
	return sinks, nil
}

func (sc *ServiceContainer) identityStore() (identity.Store, error) {
	if sc.Config.DatabaseURL == "" {
		log.Info().Msg("DATABASE_URL not set, identities are kept in memory")
		return identity.NewMemoryStore(), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := identity.OpenPostgres(ctx, sc.Config.DatabaseURL)
	if err != nil {
		return nil, err
	}
	sc.identityDB = db
	return db, nil
}

// StartConfiguredCameras starts every camera declared in CAMERAS. Failures
// are logged and do not stop the others.
func (sc *ServiceContainer) StartConfiguredCameras() int {
	started := 0
	for _, spec := range sc.Config.Cameras {
		_, err := sc.CameraManager.StartCamera(models.CameraRequest{
			CameraID:  spec.ID,
			URL:       spec.URL,
			IPAddress: spec.IPAddress,
			Channel:   spec.Channel,
		})
		if err != nil {
			log.Error().Err(err).Str("camera_id", spec.ID).Msg("Failed to start configured camera")
			continue
		}
		started++
	}
	return started
}

// Shutdown stops cameras and workers first, then drains persistence and
// notifications and waits out any retention run before closing external
// connections.
func (sc *ServiceContainer) Shutdown(ctx context.Context) error {
	var errs []error

	if sc.CameraManager != nil {
		if err := sc.CameraManager.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("camera manager: %w", err))
		}
	}
	if sc.Publisher != nil {
		if err := sc.Publisher.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("publisher: %w", err))
		}
	}
	if sc.recorder != nil {
		if err := sc.recorder.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("recorder: %w", err))
		}
	}
	if sc.notifier != nil {
		if err := sc.notifier.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("notifier: %w", err))
		}
	}
	if sc.Messaging != nil {
		if err := sc.Messaging.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("messaging: %w", err))
		}
		sc.Messaging = nil
	}
	if sc.retention != nil {
		if err := sc.retention.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("retention: %w", err))
		}
	}
	sc.closeConnections()

	return errors.Join(errs...)
}

func (sc *ServiceContainer) closeConnections() {
	if sc.Messaging != nil {
		if err := sc.Messaging.Shutdown(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Failed to close NATS connection")
		}
	}
	if sc.mqtt != nil {
		sc.mqtt.Close()
	}
	if sc.identityDB != nil {
		if err := sc.identityDB.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close identity database")
		}
	}
	for _, c := range sc.clients {
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Str("endpoint", c.Endpoint()).Msg("Failed to close inference client")
		}
	}
	sc.mqtt, sc.identityDB, sc.clients = nil, nil, nil
}
