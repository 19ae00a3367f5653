package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// Application
	Version     string
	Environment string
	WorkerID    string
	Port        int
	LogLevel    string

	// Logdy (lightweight web log viewer)
	LogdyEnabled bool
	LogdyHost    string
	LogdyPort    int

	// Inference services. One endpoint per accelerator; worker i uses
	// endpoint i % len(AIGRPCURLs).
	AIGRPCURLs        []string
	AITimeout         time.Duration
	AIRetries         int
	DetectorModels    []string
	PoseModel         string
	ClassifierModel   string
	EmbedderModel     string
	TargetClasses     []int
	DetectConfidence  float64
	PoseConfidence    float64
	PoseIoU           float64
	SharedAccelerator bool
	DistractorLabels  []string

	// Collaborative multi-model inference
	CollabIoUThreshold  float64
	CollabMinVotes      int
	CollabAvgConfidence float64

	// Detection worker pool
	WorkerCount       int
	WorkerQueueSize   int
	WorkerStopTimeout time.Duration
	WorkerPopTimeout  time.Duration

	// Per-camera channel capacities
	FrameBufferSize     int
	AssociateBufferSize int
	DisplayBufferSize   int
	PersistBufferSize   int

	// Camera read / reconnect policy
	RTSPUsername           string
	RTSPPassword           string
	RTSPDefaultChannel     string
	ReconnectAfterFailures int
	MaxRetries             int
	ReconnectInitialDelay  time.Duration
	ReconnectMaxDelay      time.Duration
	ReconnectBackoffFactor float64
	ReadFailureDelay       time.Duration
	FrameInterval          time.Duration
	Cameras                []CameraSpec

	// Decoded frame size; zero keeps the stream's native size
	FrameWidth  int
	FrameHeight int

	// Association heuristics
	RequiredDuration     time.Duration
	RequiredCount        int
	AboveNoseRatio       float64
	MaxAreaRatio         float64
	MinAreaRatio         float64
	MaxHeightRatio       float64
	MinHeightRatio       float64
	ConsumptionThreshold float64
	NoseThreshold        float64
	WristThreshold       float64
	ObjectCropPadding    int
	FaceCropPadding      int
	FlagClearInterval    time.Duration

	// Identity / dedup
	FaceMatchThreshold float64
	Timezone           string
	DatabaseURL        string

	// Persistence
	SnapshotDir   string
	OutputQuality int

	// Retention: evidence and identities older than RetentionPeriod are
	// removed every RetentionInterval. Zero disables retention.
	RetentionPeriod   time.Duration
	RetentionInterval time.Duration

	// NATS (for messaging and alerts)
	// Default: nats://localhost:4222 (works with Docker Compose setup)
	NatsEnabled        bool
	NatsURL            string
	NatsConnectTimeout time.Duration
	NatsReconnectWait  time.Duration
	NatsMaxReconnects  int
	NatsDrainTimeout   time.Duration
	AlertsSubject      string

	// MQTT
	MQTTEnabled  bool
	MQTTBroker   string
	MQTTPort     int
	MQTTClientID string
	MQTTTopic    string
	MQTTUsername string
	MQTTPassword string

	// Notification dispatcher
	NotifyWorkers    int
	NotifyBufferSize int
	NotifyTimeout    time.Duration

	// Swagger Configuration
	SwaggerHost string
	SwaggerPort int

	// Graceful Shutdown
	ShutdownTimeout time.Duration
}

// CameraSpec is a camera declared at startup through CAMERAS.
type CameraSpec struct {
	ID        string
	IPAddress string
	Channel   string
	URL       string
}

func Load() *Config {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("No .env file found or error loading .env file, using environment variables and defaults")
	} else {
		log.Info().Msg("Loaded configuration from .env file")
	}

	return &Config{
		// Application
		Version:     getEnv("VERSION", "1.0.0"),
		Environment: getEnv("ENVIRONMENT", "development"),
		WorkerID:    getEnv("WORKER_ID", "worker-1"),
		Port:        getEnvInt("PORT", 8000),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		LogdyEnabled: getEnvBool("LOGDY_ENABLED", false),
		LogdyHost:    getEnv("LOGDY_HOST", "localhost"),
		LogdyPort:    getEnvInt("LOGDY_PORT", 8080),

		// Inference
		AIGRPCURLs:        getEnvList("AI_GRPC_URLS", []string{"localhost:50052"}),
		AITimeout:         getEnvDuration("AI_TIMEOUT", 5*time.Second),
		AIRetries:         getEnvInt("AI_RETRIES", 3),
		DetectorModels:    getEnvList("DETECTOR_MODELS", []string{"yolo11x"}),
		PoseModel:         getEnv("POSE_MODEL", "yolo11x-pose"),
		ClassifierModel:   getEnv("CLASSIFIER_MODEL", "bottle-cls"),
		EmbedderModel:     getEnv("EMBEDDER_MODEL", "facenet"),
		TargetClasses:     getEnvIntList("TARGET_CLASSES", []int{39, 40, 41, 46, 47, 48, 49, 50, 51, 52, 53, 54, 55}),
		DetectConfidence:  getEnvFloat("DETECT_CONFIDENCE", 0.3),
		PoseConfidence:    getEnvFloat("POSE_CONFIDENCE", 0.8),
		PoseIoU:           getEnvFloat("POSE_IOU", 0.7),
		SharedAccelerator: getEnvBool("SHARED_ACCELERATOR", false),
		DistractorLabels:  getEnvList("DISTRACTOR_LABELS", []string{"water_bottle"}),

		CollabIoUThreshold:  getEnvFloat("COLLAB_IOU_THRESHOLD", 0.9),
		CollabMinVotes:      getEnvInt("COLLAB_MIN_VOTES", 2),
		CollabAvgConfidence: getEnvFloat("COLLAB_AVG_CONFIDENCE", 0.3),

		// Worker pool
		WorkerCount:       getEnvInt("WORKER_COUNT", 2),
		WorkerQueueSize:   getEnvInt("WORKER_QUEUE_SIZE", 32),
		WorkerStopTimeout: getEnvDuration("WORKER_STOP_TIMEOUT", 2*time.Second),
		WorkerPopTimeout:  getEnvDuration("WORKER_POP_TIMEOUT", 1*time.Second),

		FrameBufferSize:     getEnvInt("FRAME_BUFFER_SIZE", 10),
		AssociateBufferSize: getEnvInt("ASSOCIATE_BUFFER_SIZE", 10),
		DisplayBufferSize:   getEnvInt("DISPLAY_BUFFER_SIZE", 3),
		PersistBufferSize:   getEnvInt("PERSIST_BUFFER_SIZE", 10),

		// Cameras
		RTSPUsername:           getEnv("RTSP_USERNAME", "admin"),
		RTSPPassword:           getEnv("RTSP_PASSWORD", ""),
		RTSPDefaultChannel:     getEnv("RTSP_DEFAULT_CHANNEL", "101"),
		ReconnectAfterFailures: getEnvInt("RECONNECT_AFTER_FAILURES", 10),
		MaxRetries:             getEnvInt("MAX_RETRIES", 30),
		ReconnectInitialDelay:  getEnvDuration("RECONNECT_INITIAL_DELAY", 1*time.Second),
		ReconnectMaxDelay:      getEnvDuration("RECONNECT_MAX_DELAY", 10*time.Second),
		ReconnectBackoffFactor: getEnvFloat("RECONNECT_BACKOFF_FACTOR", 1.5),
		ReadFailureDelay:       getEnvDuration("READ_FAILURE_DELAY", 100*time.Millisecond),
		FrameInterval:          getEnvDuration("FRAME_INTERVAL", 10*time.Millisecond),
		Cameras:                parseCameras(os.Getenv("CAMERAS")),
		FrameWidth:             getEnvInt("FRAME_WIDTH", 0),
		FrameHeight:            getEnvInt("FRAME_HEIGHT", 0),

		// Association
		RequiredDuration:     getEnvDuration("REQUIRED_DURATION", 2*time.Second),
		RequiredCount:        getEnvInt("REQUIRED_COUNT", 3),
		AboveNoseRatio:       getEnvFloat("ABOVE_NOSE_RATIO", 0.65),
		MaxAreaRatio:         getEnvFloat("MAX_AREA_RATIO", 4.0),
		MinAreaRatio:         getEnvFloat("MIN_AREA_RATIO", 0.1),
		MaxHeightRatio:       getEnvFloat("MAX_HEIGHT_RATIO", 2.85),
		MinHeightRatio:       getEnvFloat("MIN_HEIGHT_RATIO", 0.35),
		ConsumptionThreshold: getEnvFloat("CONSUMPTION_THRESHOLD", 0.3),
		NoseThreshold:        getEnvFloat("NOSE_THRESHOLD", 1.1),
		WristThreshold:       getEnvFloat("WRIST_THRESHOLD", 0.5),
		ObjectCropPadding:    getEnvInt("OBJECT_CROP_PADDING", 10),
		FaceCropPadding:      getEnvInt("FACE_CROP_PADDING", 30),
		FlagClearInterval:    getEnvDuration("FLAG_CLEAR_INTERVAL", 2*time.Hour),

		// Identity
		FaceMatchThreshold: getEnvFloat("FACE_MATCH_THRESHOLD", 0.6),
		Timezone:           getEnv("TIMEZONE", "Local"),
		DatabaseURL:        getEnv("DATABASE_URL", ""),

		SnapshotDir:   getEnv("SNAPSHOT_DIR", "./snapshots"),
		OutputQuality: getEnvInt("OUTPUT_QUALITY", 90),

		RetentionPeriod:   getEnvDuration("RETENTION_PERIOD", 365*24*time.Hour),
		RetentionInterval: getEnvDuration("RETENTION_INTERVAL", 24*time.Hour),

		// NATS (configured for Docker Compose setup)
		NatsEnabled:        getEnvBool("NATS_ENABLED", true),
		NatsURL:            getNatsURL(),
		NatsConnectTimeout: getEnvDuration("NATS_CONNECT_TIMEOUT", 10*time.Second),
		NatsReconnectWait:  getEnvDuration("NATS_RECONNECT_WAIT", 2*time.Second),
		NatsMaxReconnects:  getEnvInt("NATS_MAX_RECONNECTS", -1), // -1 = unlimited
		NatsDrainTimeout:   getEnvDuration("NATS_DRAIN_TIMEOUT", 5*time.Second),
		AlertsSubject:      getEnv("ALERTS_SUBJECT", "lab.violations"),

		MQTTEnabled:  getEnvBool("MQTT_ENABLED", false),
		MQTTBroker:   getEnv("MQTT_BROKER", "localhost"),
		MQTTPort:     getEnvInt("MQTT_PORT", 1883),
		MQTTClientID: getEnv("MQTT_CLIENT_ID", "labguard-worker"),
		MQTTTopic:    getEnv("MQTT_TOPIC", "lab/violations"),
		MQTTUsername: getEnv("MQTT_USERNAME", ""),
		MQTTPassword: getEnv("MQTT_PASSWORD", ""),

		NotifyWorkers:    getEnvInt("NOTIFY_WORKERS", 2),
		NotifyBufferSize: getEnvInt("NOTIFY_BUFFER_SIZE", 64),
		NotifyTimeout:    getEnvDuration("NOTIFY_TIMEOUT", 2*time.Second),

		SwaggerHost: getEnv("SWAGGER_HOST", "localhost"),
		SwaggerPort: getEnvInt("SWAGGER_PORT", 8000),

		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

// RTSPURL builds the stream address for a camera that was declared by IP
// address and channel only.
func (c *Config) RTSPURL(ip, channel string) string {
	if channel == "" {
		channel = c.RTSPDefaultChannel
	}
	if c.RTSPPassword == "" {
		return fmt.Sprintf("rtsp://%s/Streaming/Channels/%s", ip, channel)
	}
	return fmt.Sprintf("rtsp://%s:%s@%s/Streaming/Channels/%s", c.RTSPUsername, c.RTSPPassword, ip, channel)
}

// parseCameras reads "id=ip[:channel]" or "id=rtsp://..." entries separated by ';'.
func parseCameras(raw string) []CameraSpec {
	var cams []CameraSpec
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, target, ok := strings.Cut(entry, "=")
		if !ok || id == "" || target == "" {
			log.Warn().Str("entry", entry).Msg("Ignoring malformed CAMERAS entry")
			continue
		}
		spec := CameraSpec{ID: strings.TrimSpace(id)}
		target = strings.TrimSpace(target)
		if strings.Contains(target, "://") {
			spec.URL = target
		} else if ip, ch, found := strings.Cut(target, ":"); found {
			spec.IPAddress, spec.Channel = ip, ch
		} else {
			spec.IPAddress = target
		}
		cams = append(cams, spec)
	}
	return cams
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getEnvIntList(key string, defaultValue []int) []int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []int
	for _, part := range strings.Split(value, ",") {
		parsed, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			log.Warn().Str("key", key).Str("value", part).Msg("Invalid integer in list, using default")
			return defaultValue
		}
		out = append(out, parsed)
	}
	return out
}

// Helper functions for Docker environment detection
func isRunningInDocker() bool {
	if os.Getenv("DOCKER_CONTAINER") == "true" {
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}

// getNatsURL returns the appropriate NATS URL based on environment
func getNatsURL() string {
	if envURL := os.Getenv("NATS_URL"); envURL != "" {
		return envURL
	}

	// If running in Docker, use service name; otherwise use localhost
	if isRunningInDocker() {
		return "nats://nats:4222"
	}

	return "nats://localhost:4222"
}
