package mjpeg

import (
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"labguard-worker-go/internal/models"
)

const boundary = "frame"

// Encoder turns a BGR24 frame into JPEG bytes.
type Encoder func(frame *models.RawFrame) ([]byte, error)

// Publisher keeps the latest JPEG per camera and fans it out to MJPEG
// viewers.
type Publisher struct {
	encode    Encoder
	keepalive time.Duration

	jpegMutex  sync.RWMutex
	latestJPEG map[string][]byte

	subMutex    sync.Mutex
	subscribers map[string]map[chan struct{}]struct{}
}

func NewPublisher(encode Encoder) *Publisher {
	return &Publisher{
		encode:      encode,
		keepalive:   2 * time.Second,
		latestJPEG:  make(map[string][]byte),
		subscribers: make(map[string]map[chan struct{}]struct{}),
	}
}

// Publish encodes frame as the camera's latest preview and wakes viewers.
func (p *Publisher) Publish(frame *models.RawFrame) error {
	b, err := p.encode(frame)
	if err != nil {
		return fmt.Errorf("failed to encode JPEG: %w", err)
	}

	p.jpegMutex.Lock()
	p.latestJPEG[frame.CameraID] = b
	p.jpegMutex.Unlock()

	p.notifyStreamers(frame.CameraID)
	return nil
}

func (p *Publisher) Latest(cameraID string) ([]byte, bool) {
	p.jpegMutex.RLock()
	defer p.jpegMutex.RUnlock()
	b, ok := p.latestJPEG[cameraID]
	return b, ok && len(b) > 0
}

// Remove forgets a camera and ends its open streams.
func (p *Publisher) Remove(cameraID string) {
	p.jpegMutex.Lock()
	delete(p.latestJPEG, cameraID)
	p.jpegMutex.Unlock()

	p.subMutex.Lock()
	for ch := range p.subscribers[cameraID] {
		close(ch)
	}
	delete(p.subscribers, cameraID)
	p.subMutex.Unlock()
}

func (p *Publisher) notifyStreamers(cameraID string) {
	p.subMutex.Lock()
	defer p.subMutex.Unlock()
	for ch := range p.subscribers[cameraID] {
		// Non-blocking notify (drop if viewer is behind)
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (p *Publisher) subscribe(cameraID string) chan struct{} {
	p.subMutex.Lock()
	defer p.subMutex.Unlock()
	ch := make(chan struct{}, 1)
	if p.subscribers[cameraID] == nil {
		p.subscribers[cameraID] = make(map[chan struct{}]struct{})
	}
	p.subscribers[cameraID][ch] = struct{}{}
	return ch
}

func (p *Publisher) unsubscribe(cameraID string, ch chan struct{}) {
	p.subMutex.Lock()
	defer p.subMutex.Unlock()
	if subs, ok := p.subscribers[cameraID]; ok {
		if _, ok := subs[ch]; ok {
			delete(subs, ch)
			close(ch)
		}
	}
}

// StreamMJPEGHTTP serves a multipart/x-mixed-replace stream until the
// client disconnects or the camera is removed.
func (p *Publisher) StreamMJPEGHTTP(w http.ResponseWriter, r *http.Request, cameraID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+boundary)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	notify := p.subscribe(cameraID)
	defer p.unsubscribe(cameraID, notify)

	writePart := func(jpeg []byte) bool {
		if _, err := io.WriteString(w, "--"+boundary+"\r\n"); err != nil {
			return false
		}
		if _, err := io.WriteString(w, "Content-Type: image/jpeg\r\n"); err != nil {
			return false
		}
		if _, err := io.WriteString(w, fmt.Sprintf("Content-Length: %d\r\n\r\n", len(jpeg))); err != nil {
			return false
		}
		if _, err := w.Write(jpeg); err != nil {
			return false
		}
		if _, err := io.WriteString(w, "\r\n"); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}
	writeLatest := func() bool {
		if b, ok := p.Latest(cameraID); ok {
			return writePart(b)
		}
		return true
	}

	first, ok := p.Latest(cameraID)
	if !ok {
		first = p.placeholder(cameraID)
	}
	if len(first) > 0 && !writePart(first) {
		return
	}

	keepaliveTicker := time.NewTicker(p.keepalive)
	defer keepaliveTicker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case _, open := <-notify:
			if !open {
				return
			}
			if !writeLatest() {
				return
			}
		case <-keepaliveTicker.C:
			if !writeLatest() {
				return
			}
		}
	}
}

// placeholder is a plain grey frame shown until the first preview arrives.
func (p *Publisher) placeholder(cameraID string) []byte {
	const w, h = 640, 360
	data := make([]byte, w*h*3)
	for i := range data {
		data[i] = 64
	}
	b, err := p.encode(&models.RawFrame{CameraID: cameraID, Data: data, Width: w, Height: h, Format: "BGR24"})
	if err != nil {
		log.Debug().Err(err).Str("camera_id", cameraID).Msg("Failed to encode placeholder")
		return nil
	}
	return b
}

func (p *Publisher) Shutdown() {
	p.subMutex.Lock()
	for id, subs := range p.subscribers {
		for ch := range subs {
			close(ch)
		}
		delete(p.subscribers, id)
	}
	p.subMutex.Unlock()
	log.Info().Msg("MJPEG Publisher shutting down")
}
