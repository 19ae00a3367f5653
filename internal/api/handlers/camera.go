package handlers

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"

	"labguard-worker-go/internal/logging"
	"labguard-worker-go/internal/models"
	"labguard-worker-go/internal/services/camera"
)

// CameraRegistry is the part of the camera manager the API drives.
type CameraRegistry interface {
	StartCamera(req models.CameraRequest) (*models.CameraContext, error)
	StopCamera(cameraID string) error
	Get(cameraID string) (*models.CameraContext, bool)
	List() []*models.CameraContext
}

type CameraHandler struct {
	cameras   CameraRegistry
	streamURL func(cameraID string) string
}

func NewCameraHandler(cameras CameraRegistry, streamURL func(cameraID string) string) *CameraHandler {
	return &CameraHandler{cameras: cameras, streamURL: streamURL}
}

// StartCamera starts a camera session
// @Summary Start a camera
// @Description Start reading and analysing a camera by stream URL or by IP address and channel
// @Tags cameras
// @Accept json
// @Produce json
// @Param request body models.CameraRequest true "Camera configuration"
// @Success 201 {object} models.CameraResponse
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /cameras [post]
func (h *CameraHandler) StartCamera(c *gin.Context) {
	var req models.CameraRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logging.Warn(c).Err(err).Msg("Invalid request body")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	cc, err := h.cameras.StartCamera(req)
	if err != nil {
		logging.Error(c).Err(err).Str("camera_id", req.CameraID).Msg("Failed to start camera")
		c.JSON(statusFor(err), ErrorResponse{Error: err.Error()})
		return
	}

	logging.Info(c).Str("camera_id", req.CameraID).Str("channel", cc.Channel).Msg("Camera started successfully")
	c.JSON(http.StatusCreated, h.toResponse(cc))
}

// StopCamera stops a camera session
// @Summary Stop a camera
// @Description Stop a camera and remove it from the worker
// @Tags cameras
// @Param camera_id path string true "Camera ID"
// @Success 200 {object} map[string]string
// @Failure 404 {object} ErrorResponse
// @Router /cameras/{camera_id} [delete]
func (h *CameraHandler) StopCamera(c *gin.Context) {
	cameraID := c.Param("camera_id")
	if err := h.cameras.StopCamera(cameraID); err != nil {
		logging.Warn(c).Err(err).Msg("Failed to stop camera")
		c.JSON(statusFor(err), ErrorResponse{Error: err.Error()})
		return
	}

	logging.Info(c).Msg("Camera stopped successfully")
	c.JSON(http.StatusOK, gin.H{"message": "Camera stopped successfully"})
}

// GetCamera gets camera details
// @Summary Get camera details
// @Description Get state and counters of a specific camera
// @Tags cameras
// @Param camera_id path string true "Camera ID"
// @Success 200 {object} models.CameraResponse
// @Failure 404 {object} ErrorResponse
// @Router /cameras/{camera_id} [get]
func (h *CameraHandler) GetCamera(c *gin.Context) {
	cc, ok := h.cameras.Get(c.Param("camera_id"))
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: camera.ErrCameraNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, h.toResponse(cc))
}

// ListCameras lists all cameras
// @Summary List all cameras
// @Description Get list of all cameras with their details
// @Tags cameras
// @Success 200 {object} map[string]interface{}
// @Router /cameras [get]
func (h *CameraHandler) ListCameras(c *gin.Context) {
	contexts := h.cameras.List()
	cameras := make([]models.CameraResponse, 0, len(contexts))
	for _, cc := range contexts {
		cameras = append(cameras, h.toResponse(cc))
	}
	c.JSON(http.StatusOK, gin.H{
		"cameras": cameras,
		"count":   len(cameras),
	})
}

func (h *CameraHandler) toResponse(cc *models.CameraContext) models.CameraResponse {
	resp := models.CameraResponse{
		CameraID:      cc.CameraID,
		URL:           redactURL(cc.URI),
		Channel:       cc.Channel,
		State:         cc.State().String(),
		CreatedAt:     cc.CreatedAt,
		LastFrameTime: cc.LastFrameTime(),
		FramesRead:    cc.FramesRead(),
		FlaggedTracks: cc.FlaggedCount(),
	}
	if h.streamURL != nil {
		resp.MJPEGUrl = h.streamURL(cc.CameraID)
	}
	return resp
}

// redactURL hides stream credentials.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Redacted()
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, camera.ErrCameraNotFound):
		return http.StatusNotFound
	case errors.Is(err, camera.ErrCameraExists):
		return http.StatusConflict
	case errors.Is(err, camera.ErrNoSource):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
