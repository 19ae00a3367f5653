package mjpeg

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"labguard-worker-go/internal/models"
)

func fakeEncode(f *models.RawFrame) ([]byte, error) {
	return []byte(fmt.Sprintf("jpeg-%s-%d", f.CameraID, f.FrameID)), nil
}

func startStream(t *testing.T, p *Publisher, cameraID string) *multipart.Reader {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.StreamMJPEGHTTP(w, r, cameraID)
	}))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if ct := resp.Header.Get("Content-Type"); ct != "multipart/x-mixed-replace; boundary=frame" {
		t.Fatalf("Content-Type = %q", ct)
	}
	return multipart.NewReader(resp.Body, boundary)
}

func nextPart(t *testing.T, mr *multipart.Reader) string {
	t.Helper()
	part, err := mr.NextPart()
	if err != nil {
		t.Fatalf("NextPart() error = %v", err)
	}
	b, err := io.ReadAll(part)
	if err != nil {
		t.Fatalf("read part: %v", err)
	}
	return string(b)
}

func TestStreamSendsLatestThenUpdates(t *testing.T) {
	p := NewPublisher(fakeEncode)
	p.keepalive = time.Hour
	p.Publish(&models.RawFrame{CameraID: "cam1", FrameID: 1})

	mr := startStream(t, p, "cam1")
	if got := nextPart(t, mr); got != "jpeg-cam1-1" {
		t.Fatalf("first part = %q", got)
	}

	p.Publish(&models.RawFrame{CameraID: "cam2", FrameID: 9})
	p.Publish(&models.RawFrame{CameraID: "cam1", FrameID: 2})
	if got := nextPart(t, mr); got != "jpeg-cam1-2" {
		t.Errorf("second part = %q, want jpeg-cam1-2", got)
	}
}

func TestStreamPlaceholderBeforeFirstFrame(t *testing.T) {
	p := NewPublisher(fakeEncode)
	p.keepalive = time.Hour
	mr := startStream(t, p, "cam1")
	if got := nextPart(t, mr); got != "jpeg-cam1-0" {
		t.Errorf("placeholder part = %q", got)
	}
}

func TestRemoveEndsStream(t *testing.T) {
	p := NewPublisher(fakeEncode)
	p.keepalive = time.Hour
	p.Publish(&models.RawFrame{CameraID: "cam1", FrameID: 1})
	mr := startStream(t, p, "cam1")
	nextPart(t, mr)

	p.Remove("cam1")
	if _, err := mr.NextPart(); err == nil {
		t.Error("stream still open after Remove")
	}
	if _, ok := p.Latest("cam1"); ok {
		t.Error("latest frame kept after Remove")
	}
}
