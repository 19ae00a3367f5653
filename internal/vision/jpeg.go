package vision

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gocv.io/x/gocv"

	"labguard-worker-go/internal/models"
)

// EncodeJPEG encodes a BGR24 frame at the given quality.
func EncodeJPEG(frame *models.RawFrame, quality int) ([]byte, error) {
	if frame.Empty() {
		return nil, fmt.Errorf("empty frame")
	}
	mat, err := gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV8UC3, frame.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to create Mat from frame data: %w", err)
	}
	defer mat.Close()

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, mat, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, fmt.Errorf("failed to encode JPEG: %w", err)
	}
	defer buf.Close()

	// Copy before the native buffer is released
	b := buf.GetBytes()
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// JPEGWriter stores frames as JPEG files under Root.
type JPEGWriter struct {
	Root    string
	Quality int
}

func (w JPEGWriter) Write(key string, frame *models.RawFrame) error {
	path, err := w.path(key)
	if err != nil {
		return err
	}
	data, err := EncodeJPEG(frame, w.Quality)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func (w JPEGWriter) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid snapshot key %q", key)
	}
	return filepath.Join(w.Root, clean), nil
}
