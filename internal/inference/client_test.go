package inference

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"labguard-worker-go/internal/models"
)

type fakeServer struct {
	mu       sync.Mutex
	requests map[string]*structpb.Struct
}

func (s *fakeServer) handle(method string, resp map[string]any) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(_ any, _ context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
			in := &structpb.Struct{}
			if err := dec(in); err != nil {
				return nil, err
			}
			s.mu.Lock()
			s.requests[method] = in
			s.mu.Unlock()
			return structpb.NewStruct(resp)
		},
	}
}

func startServer(t *testing.T) (*Client, *fakeServer) {
	t.Helper()
	return startServerWith(t, ClientOptions{
		Timeout:          time.Second,
		TargetClasses:    []int{39, 41},
		DetectConfidence: 0.3,
		PoseModel:        "pose",
	})
}

func startServerWith(t *testing.T, opts ClientOptions) (*Client, *fakeServer) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	fs := &fakeServer{requests: map[string]*structpb.Struct{}}

	kp := func(x, y float64) any { return []any{x, y} }
	keypoints := make([]any, models.KeypointCount)
	for i := range keypoints {
		keypoints[i] = kp(float64(i), float64(i*2))
	}

	srv := grpc.NewServer()
	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: "labguard.inference.v1.Inference",
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			fs.handle("Detect", map[string]any{
				"detections": []any{
					map[string]any{"track_id": 7, "class_id": 39, "class_name": "bottle", "score": 0.8, "bbox": []any{10, 20, 30, 60}},
				},
			}),
			fs.handle("EstimatePose", map[string]any{
				"poses": []any{
					map[string]any{"keypoints": keypoints},
					map[string]any{"keypoints": []any{kp(1, 1)}},
				},
			}),
			fs.handle("Classify", map[string]any{"label": "water_bottle", "score": 0.91}),
			fs.handle("Embed", map[string]any{"embedding": []any{0.1, 0.2, 0.3}}),
		},
	}, struct{}{})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := NewClient("passthrough:///bufnet", opts,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client, fs
}

func testFrame() *models.RawFrame {
	return &models.RawFrame{CameraID: "cam1", FrameID: 3, Width: 2, Height: 1, Data: []byte{1, 2, 3, 4, 5, 6}}
}

func TestClientDetect(t *testing.T) {
	client, fs := startServer(t)
	dets, err := client.Detector("yolo").Detect(context.Background(), testFrame())
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if len(dets) != 1 {
		t.Fatalf("len(dets) = %d, want 1", len(dets))
	}
	d := dets[0]
	if d.TrackID != 7 || d.ClassID != 39 || d.ModelName != "yolo" {
		t.Errorf("Detect() = %+v", d)
	}
	if d.BBox != (models.BBox{X1: 10, Y1: 20, X2: 30, Y2: 60}) {
		t.Errorf("BBox = %+v", d.BBox)
	}

	req := fs.requests["Detect"].GetFields()
	if got := len(req["classes"].GetListValue().GetValues()); got != 2 {
		t.Errorf("request classes = %d, want 2", got)
	}
	if req["model"].GetStringValue() != "yolo" {
		t.Errorf("request model = %q", req["model"].GetStringValue())
	}
}

func TestClientPoseSkipsIncompletePeople(t *testing.T) {
	client, _ := startServer(t)
	poses, err := client.PoseEstimator().EstimatePose(context.Background(), testFrame())
	if err != nil {
		t.Fatalf("EstimatePose() error = %v", err)
	}
	if len(poses) != 1 {
		t.Fatalf("len(poses) = %d, want 1", len(poses))
	}
	if poses[0].LeftWrist != (models.Point{X: 9, Y: 18}) {
		t.Errorf("LeftWrist = %+v, want (9,18)", poses[0].LeftWrist)
	}
	if poses[0].RightEar != (models.Point{X: 4, Y: 8}) {
		t.Errorf("RightEar = %+v, want (4,8)", poses[0].RightEar)
	}
}

func TestClientClassifyAndEmbed(t *testing.T) {
	client, _ := startServer(t)
	label, score, err := client.Classifier().Classify(context.Background(), testFrame())
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if label != "water_bottle" || score < 0.9 {
		t.Errorf("Classify() = %q, %v", label, score)
	}

	emb, err := client.Embedder().Embed(context.Background(), testFrame())
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(emb) != 3 || emb[2] != 0.3 {
		t.Errorf("Embed() = %v", emb)
	}
}

func TestClientSendsEncodedHDFrames(t *testing.T) {
	payload := []byte{0xff, 0xd8, 0xff, 0xd9}
	var encoded int
	client, fs := startServerWith(t, ClientOptions{
		Timeout: time.Second,
		Encoder: func(f *models.RawFrame) ([]byte, error) {
			encoded++
			return payload, nil
		},
	})

	// 1080p BGR24 is larger than the default 4 MB gRPC receive limit.
	frame := &models.RawFrame{CameraID: "cam1", FrameID: 9, Width: 1920, Height: 1080, Format: "bgr24", Data: make([]byte, 1920*1080*3)}
	if _, err := client.Detector("yolo").Detect(context.Background(), frame); err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if encoded != 1 {
		t.Errorf("encoder calls = %d, want 1", encoded)
	}

	fs.mu.Lock()
	req := fs.requests["Detect"].GetFields()
	fs.mu.Unlock()
	if got := req["format"].GetStringValue(); got != "jpeg" {
		t.Errorf("request format = %q, want jpeg", got)
	}
	if got := req["image"].GetStringValue(); got != base64.StdEncoding.EncodeToString(payload) {
		t.Errorf("request image = %q", got)
	}
	if req["width"].GetNumberValue() != 1920 {
		t.Errorf("request width = %v", req["width"].GetNumberValue())
	}
}

func TestClientEncoderErrorSkipsCall(t *testing.T) {
	client, fs := startServerWith(t, ClientOptions{
		Timeout: time.Second,
		Encoder: func(*models.RawFrame) ([]byte, error) { return nil, errors.New("bad frame") },
	})
	if _, err := client.PoseEstimator().EstimatePose(context.Background(), testFrame()); err == nil {
		t.Fatal("EstimatePose() error = nil, want encode error")
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.requests["EstimatePose"]; ok {
		t.Error("request reached the server")
	}
	if client.consecutiveFails != 0 {
		t.Errorf("consecutiveFails = %d, want 0", client.consecutiveFails)
	}
}

func TestParseGRPCEndpoint(t *testing.T) {
	tests := []struct {
		in, host string
		tls      bool
	}{
		{"localhost:50052", "localhost:50052", false},
		{"gpu.example.com", "gpu.example.com:443", true},
		{"ai.internal:8443", "ai.internal:8443", true},
		{"http://10.0.0.4", "10.0.0.4:80", false},
	}
	for _, tt := range tests {
		host, creds, err := parseGRPCEndpoint(tt.in)
		if err != nil {
			t.Fatalf("parseGRPCEndpoint(%q) error = %v", tt.in, err)
		}
		if host != tt.host {
			t.Errorf("parseGRPCEndpoint(%q) host = %q, want %q", tt.in, host, tt.host)
		}
		if got := creds.Info().SecurityProtocol == "tls"; got != tt.tls {
			t.Errorf("parseGRPCEndpoint(%q) tls = %v, want %v", tt.in, got, tt.tls)
		}
	}
}

type countingDetector struct {
	mu      sync.Mutex
	active  int
	maxSeen int
}

func (c *countingDetector) Name() string { return "count" }

func (c *countingDetector) Detect(context.Context, *models.RawFrame) ([]models.Detection, error) {
	c.mu.Lock()
	c.active++
	if c.active > c.maxSeen {
		c.maxSeen = c.active
	}
	c.mu.Unlock()
	time.Sleep(2 * time.Millisecond)
	c.mu.Lock()
	c.active--
	c.mu.Unlock()
	return nil, nil
}

func TestSerializeExcludesConcurrentCalls(t *testing.T) {
	inner := &countingDetector{}
	var accel sync.Mutex
	a, b := Serialize(inner, &accel), Serialize(inner, &accel)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		d := a
		if i%2 == 1 {
			d = b
		}
		go func() {
			defer wg.Done()
			_, _ = d.Detect(context.Background(), nil)
		}()
	}
	wg.Wait()
	if inner.maxSeen != 1 {
		t.Errorf("max concurrent calls = %d, want 1", inner.maxSeen)
	}
}
