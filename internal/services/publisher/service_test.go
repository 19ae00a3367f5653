package publisher

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"labguard-worker-go/internal/models"
)

func TestBoundServerShutdownEndsOpenStreams(t *testing.T) {
	svc := NewService(func(f *models.RawFrame) ([]byte, error) { return []byte("jpeg"), nil })
	if err := svc.Publish(&models.RawFrame{CameraID: "cam1"}); err != nil {
		t.Fatal(err)
	}

	ts := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		svc.StreamMJPEGHTTP(w, r, "cam1")
	}))
	svc.BindServer(ts.Config)
	ts.Start()
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()
	// Wait for the first part so the handler is known to be running.
	if _, err := bufio.NewReader(resp.Body).ReadString('\n'); err != nil {
		t.Fatalf("read stream: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	if err := ts.Config.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Shutdown() took %v with a viewer connected", elapsed)
	}
}

func TestGetStreamURL(t *testing.T) {
	svc := NewService(func(*models.RawFrame) ([]byte, error) { return nil, nil })
	if got := svc.GetStreamURL("cam7"); got != "/cameras/cam7/stream" {
		t.Errorf("GetStreamURL() = %q", got)
	}
}
