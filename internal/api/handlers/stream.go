package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"labguard-worker-go/internal/logging"
	"labguard-worker-go/internal/services/camera"
)

// Streamer serves a camera's live MJPEG preview.
type Streamer interface {
	StreamMJPEGHTTP(w http.ResponseWriter, r *http.Request, cameraID string)
}

type StreamHandler struct {
	cameras  CameraRegistry
	streamer Streamer
}

func NewStreamHandler(cameras CameraRegistry, streamer Streamer) *StreamHandler {
	return &StreamHandler{cameras: cameras, streamer: streamer}
}

// StreamMJPEG godoc
// @Summary Live annotated preview
// @Description Stream the camera's annotated frames as multipart MJPEG
// @Tags cameras
// @Produce multipart/x-mixed-replace
// @Param camera_id path string true "Camera ID"
// @Success 200 {file} binary
// @Failure 404 {object} ErrorResponse
// @Router /cameras/{camera_id}/stream [get]
func (h *StreamHandler) StreamMJPEG(c *gin.Context) {
	cameraID := c.Param("camera_id")
	if _, ok := h.cameras.Get(cameraID); !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: camera.ErrCameraNotFound.Error()})
		return
	}
	logging.Debug(c).Msg("MJPEG viewer connected")
	h.streamer.StreamMJPEGHTTP(c.Writer, c.Request, cameraID)
	logging.Debug(c).Msg("MJPEG viewer disconnected")
}
