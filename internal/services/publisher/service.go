package publisher

import (
	"context"
	"fmt"
	"net/http"

	"labguard-worker-go/internal/models"
	"labguard-worker-go/internal/services/publisher/mjpeg"
)

// Service publishes annotated previews for live viewing.
type Service struct {
	mjpegPublisher *mjpeg.Publisher
}

func NewService(encode mjpeg.Encoder) *Service {
	return &Service{mjpegPublisher: mjpeg.NewPublisher(encode)}
}

func (s *Service) Publish(frame *models.RawFrame) error {
	return s.mjpegPublisher.Publish(frame)
}

func (s *Service) StreamMJPEGHTTP(w http.ResponseWriter, r *http.Request, cameraID string) {
	s.mjpegPublisher.StreamMJPEGHTTP(w, r, cameraID)
}

// StopStream drops the camera's preview and disconnects its viewers.
func (s *Service) StopStream(cameraID string) {
	s.mjpegPublisher.Remove(cameraID)
}

// BindServer ends open preview streams as soon as srv starts shutting down.
// Viewers otherwise hold their connections until the shutdown deadline.
func (s *Service) BindServer(srv *http.Server) {
	srv.RegisterOnShutdown(s.mjpegPublisher.Shutdown)
}

func (s *Service) Shutdown(ctx context.Context) error {
	s.mjpegPublisher.Shutdown()
	return nil
}

func (s *Service) GetStreamURL(cameraID string) string {
	return fmt.Sprintf("/cameras/%s/stream", cameraID)
}
