package vision

import (
	"path/filepath"
	"testing"
)

func TestJPEGWriterPath(t *testing.T) {
	w := JPEGWriter{Root: "/data/snapshots"}

	got, err := w.path("faces/p1/Person_p1_2026-03-02.jpg")
	if err != nil {
		t.Fatalf("path() error = %v", err)
	}
	want := filepath.Join("/data/snapshots", "faces", "p1", "Person_p1_2026-03-02.jpg")
	if got != want {
		t.Errorf("path() = %q, want %q", got, want)
	}

	for _, key := range []string{"../etc/passwd", "/etc/passwd", "faces/../../x.jpg"} {
		if _, err := w.path(key); err == nil {
			t.Errorf("path(%q) accepted", key)
		}
	}
}
