package inference

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"labguard-worker-go/internal/models"
)

// Inference service methods. Requests and responses are google.protobuf.Struct.
const (
	MethodDetect       = "/labguard.inference.v1.Inference/Detect"
	MethodEstimatePose = "/labguard.inference.v1.Inference/EstimatePose"
	MethodClassify     = "/labguard.inference.v1.Inference/Classify"
	MethodEmbed        = "/labguard.inference.v1.Inference/Embed"
)

// FrameEncoder compresses a frame before it goes on the wire.
type FrameEncoder func(frame *models.RawFrame) ([]byte, error)

// ClientOptions configures the models served behind one endpoint.
// Without an Encoder frames are sent as raw pixels, which only suits
// small crops.
type ClientOptions struct {
	Timeout          time.Duration
	Encoder          FrameEncoder
	TargetClasses    []int
	DetectConfidence float64
	PoseModel        string
	PoseConfidence   float64
	PoseIoU          float64
	ClassifierModel  string
	EmbedderModel    string
}

// Client manages a gRPC connection to an inference server with backoff
// after consecutive failures.
type Client struct {
	opts     ClientOptions
	endpoint string

	mu   sync.RWMutex
	conn *grpc.ClientConn

	// Retry management
	lastFailTime     time.Time
	consecutiveFails int
	maxRetryBackoff  time.Duration
}

// NewClient dials endpoint lazily; the connection is established on first use.
func NewClient(endpoint string, opts ClientOptions, dialOpts ...grpc.DialOption) (*Client, error) {
	target := endpoint
	if len(dialOpts) == 0 {
		normalized, creds, err := parseGRPCEndpoint(endpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to parse AI endpoint %s: %w", endpoint, err)
		}
		target = normalized
		dialOpts = []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	}

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to AI service at %s: %w", target, err)
	}

	log.Info().
		Str("ai_endpoint", target).
		Msg("AI gRPC connection initialized")

	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Client{
		opts:            opts,
		endpoint:        endpoint,
		conn:            conn,
		maxRetryBackoff: 30 * time.Second,
	}, nil
}

func (c *Client) Endpoint() string { return c.endpoint }

// Close releases the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// IsInBadState checks if the connection is in a failure state
func (c *Client) IsInBadState() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return true
	}
	state := c.conn.GetState()
	return state == connectivity.TransientFailure || state == connectivity.Shutdown
}

func (c *Client) invoke(ctx context.Context, method string, req map[string]any) (*structpb.Struct, error) {
	if !c.shouldRetry() {
		return nil, fmt.Errorf("in backoff period after consecutive failures")
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil, fmt.Errorf("AI client closed")
	}

	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	out := &structpb.Struct{}
	if err := conn.Invoke(ctx, method, in, out); err != nil {
		c.recordFailure()
		return nil, fmt.Errorf("inference %s failed: %w", method, err)
	}

	c.mu.Lock()
	c.consecutiveFails = 0
	c.mu.Unlock()
	return out, nil
}

// shouldRetry determines if we should attempt a call based on exponential backoff
func (c *Client) shouldRetry() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.consecutiveFails == 0 {
		return true
	}

	// Exponential backoff: 1s, 2s, 4s, 8s, 16s, 30s (max)
	backoff := time.Duration(1<<uint(min(c.consecutiveFails-1, 5))) * time.Second
	if backoff > c.maxRetryBackoff {
		backoff = c.maxRetryBackoff
	}
	return time.Since(c.lastFailTime) >= backoff
}

func (c *Client) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.consecutiveFails++
	c.lastFailTime = time.Now()

	if c.consecutiveFails <= 5 {
		log.Warn().
			Str("ai_endpoint", c.endpoint).
			Int("consecutive_fails", c.consecutiveFails).
			Msg("AI call failure recorded")
	}
}

func (c *Client) frameFields(frame *models.RawFrame) (map[string]any, error) {
	format, image := frame.Format, frame.Data
	if c.opts.Encoder != nil {
		encoded, err := c.opts.Encoder(frame)
		if err != nil {
			return nil, fmt.Errorf("encode frame %d: %w", frame.FrameID, err)
		}
		format, image = "jpeg", encoded
	}
	return map[string]any{
		"camera_id": frame.CameraID,
		"frame_id":  frame.FrameID,
		"width":     frame.Width,
		"height":    frame.Height,
		"format":    format,
		"image":     image,
	}, nil
}

// Detector returns the object detector served under model.
func (c *Client) Detector(model string) Detector {
	return &grpcDetector{client: c, model: model}
}

type grpcDetector struct {
	client *Client
	model  string
}

func (d *grpcDetector) Name() string { return d.model }

func (d *grpcDetector) Detect(ctx context.Context, frame *models.RawFrame) ([]models.Detection, error) {
	req, err := d.client.frameFields(frame)
	if err != nil {
		return nil, err
	}
	req["model"] = d.model
	req["confidence"] = d.client.opts.DetectConfidence
	classes := make([]any, len(d.client.opts.TargetClasses))
	for i, cls := range d.client.opts.TargetClasses {
		classes[i] = cls
	}
	req["classes"] = classes
	req["track"] = true

	resp, err := d.client.invoke(ctx, MethodDetect, req)
	if err != nil {
		return nil, err
	}
	return parseDetections(resp, d.model)
}

func parseDetections(resp *structpb.Struct, model string) ([]models.Detection, error) {
	items := resp.GetFields()["detections"].GetListValue().GetValues()
	dets := make([]models.Detection, 0, len(items))
	for i, item := range items {
		f := item.GetStructValue().GetFields()
		box := f["bbox"].GetListValue().GetValues()
		if len(box) != 4 {
			return nil, fmt.Errorf("detection %d: bbox has %d values", i, len(box))
		}
		dets = append(dets, models.Detection{
			TrackID:   int32(f["track_id"].GetNumberValue()),
			ClassID:   int(f["class_id"].GetNumberValue()),
			ClassName: f["class_name"].GetStringValue(),
			Score:     float32(f["score"].GetNumberValue()),
			BBox: models.BBox{
				X1: box[0].GetNumberValue(),
				Y1: box[1].GetNumberValue(),
				X2: box[2].GetNumberValue(),
				Y2: box[3].GetNumberValue(),
			},
			ModelName: model,
		})
	}
	return dets, nil
}

// PoseEstimator returns the configured pose model.
func (c *Client) PoseEstimator() PoseEstimator { return &grpcPose{client: c} }

type grpcPose struct{ client *Client }

func (p *grpcPose) EstimatePose(ctx context.Context, frame *models.RawFrame) ([]models.PoseSample, error) {
	req, err := p.client.frameFields(frame)
	if err != nil {
		return nil, err
	}
	req["model"] = p.client.opts.PoseModel
	req["confidence"] = p.client.opts.PoseConfidence
	req["iou"] = p.client.opts.PoseIoU

	resp, err := p.client.invoke(ctx, MethodEstimatePose, req)
	if err != nil {
		return nil, err
	}
	return parsePoses(resp), nil
}

// parsePoses skips people whose keypoint array is incomplete.
func parsePoses(resp *structpb.Struct) []models.PoseSample {
	people := resp.GetFields()["poses"].GetListValue().GetValues()
	out := make([]models.PoseSample, 0, len(people))
	for _, person := range people {
		raw := person.GetStructValue().GetFields()["keypoints"].GetListValue().GetValues()
		kps := make([]models.Point, 0, len(raw))
		for _, kp := range raw {
			xy := kp.GetListValue().GetValues()
			if len(xy) < 2 {
				kps = append(kps, models.Point{})
				continue
			}
			kps = append(kps, models.Point{X: xy[0].GetNumberValue(), Y: xy[1].GetNumberValue()})
		}
		if sample, ok := models.PoseFromKeypoints(kps); ok {
			out = append(out, sample)
		}
	}
	return out
}

// Classifier returns the configured object classifier.
func (c *Client) Classifier() Classifier { return &grpcClassifier{client: c} }

type grpcClassifier struct{ client *Client }

func (g *grpcClassifier) Classify(ctx context.Context, crop *models.RawFrame) (string, float32, error) {
	req, err := g.client.frameFields(crop)
	if err != nil {
		return "", 0, err
	}
	req["model"] = g.client.opts.ClassifierModel
	resp, err := g.client.invoke(ctx, MethodClassify, req)
	if err != nil {
		return "", 0, err
	}
	f := resp.GetFields()
	return f["label"].GetStringValue(), float32(f["score"].GetNumberValue()), nil
}

// Embedder returns the configured face embedder.
func (c *Client) Embedder() Embedder { return &grpcEmbedder{client: c} }

type grpcEmbedder struct{ client *Client }

func (g *grpcEmbedder) Embed(ctx context.Context, faceCrop *models.RawFrame) ([]float64, error) {
	req, err := g.client.frameFields(faceCrop)
	if err != nil {
		return nil, err
	}
	req["model"] = g.client.opts.EmbedderModel
	resp, err := g.client.invoke(ctx, MethodEmbed, req)
	if err != nil {
		return nil, err
	}
	values := resp.GetFields()["embedding"].GetListValue().GetValues()
	emb := make([]float64, len(values))
	for i, v := range values {
		emb[i] = v.GetNumberValue()
	}
	return emb, nil
}

// parseGRPCEndpoint parses and normalizes the gRPC endpoint URL
func parseGRPCEndpoint(endpoint string) (string, credentials.TransportCredentials, error) {
	// Add scheme if missing
	if !strings.Contains(endpoint, "://") {
		if strings.Contains(endpoint, ".") && !strings.Contains(endpoint, ":") {
			endpoint = "https://" + endpoint + ":443"
		} else if strings.Contains(endpoint, ":") {
			parts := strings.Split(endpoint, ":")
			if len(parts) == 2 {
				if port, err := strconv.Atoi(parts[1]); err == nil {
					if port == 443 || port == 8443 || port == 9443 {
						endpoint = "https://" + endpoint
					} else {
						endpoint = "http://" + endpoint
					}
				} else {
					endpoint = "http://" + endpoint
				}
			}
		} else {
			endpoint = "https://" + endpoint + ":443"
		}
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return "", nil, fmt.Errorf("invalid endpoint URL: %w", err)
	}

	host := u.Host
	if u.Port() == "" {
		switch u.Scheme {
		case "https":
			host = u.Hostname() + ":443"
		case "http":
			host = u.Hostname() + ":80"
		default:
			return "", nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
		}
	}

	var creds credentials.TransportCredentials
	switch u.Scheme {
	case "https":
		creds = credentials.NewTLS(&tls.Config{ServerName: u.Hostname()})
	case "http":
		creds = insecure.NewCredentials()
	default:
		return "", nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	return host, creds, nil
}
