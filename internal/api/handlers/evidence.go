package handlers

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"labguard-worker-go/internal/logging"
	"labguard-worker-go/internal/services/association"
)

const dayLayout = "2006-01-02"

// EvidenceHandler serves the evidence and face images written for
// escalated violations.
type EvidenceHandler struct {
	root string
}

type EvidenceItem struct {
	Day         string    `json:"day" example:"2024-05-01"`
	SnapshotURL string    `json:"snapshot_url"`
	FaceURL     string    `json:"face_url,omitempty"`
	FileSize    int64     `json:"file_size"`
	CreatedAt   time.Time `json:"created_at"`
}

type EvidenceResponse struct {
	PersonID string         `json:"person_id"`
	Total    int            `json:"total"`
	Items    []EvidenceItem `json:"items"`
}

func NewEvidenceHandler(root string) *EvidenceHandler {
	return &EvidenceHandler{root: root}
}

// ListEvidence godoc
// @Summary List violation evidence for a person
// @Description List the days a person was escalated, newest first
// @Tags evidence
// @Produce json
// @Param person_id path string true "Person ID"
// @Param limit query int false "Maximum number of items to return (default: 50)"
// @Param offset query int false "Number of items to skip (default: 0)"
// @Success 200 {object} EvidenceResponse
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /evidence/{person_id} [get]
func (h *EvidenceHandler) ListEvidence(c *gin.Context) {
	personID := c.Param("person_id")
	if _, err := uuid.Parse(personID); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid person_id"})
		return
	}

	limit := 50
	if limitStr := c.Query("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	offset := 0
	if offsetStr := c.Query("offset"); offsetStr != "" {
		if parsed, err := strconv.Atoi(offsetStr); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	items, err := h.itemsFor(personID)
	if err != nil {
		logging.Error(c).Err(err).Msg("Failed to list evidence")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to list evidence"})
		return
	}
	if len(items) == 0 {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no evidence found for person"})
		return
	}

	total := len(items)
	if offset > total {
		offset = total
	}
	end := min(offset+limit, total)

	c.JSON(http.StatusOK, EvidenceResponse{
		PersonID: personID,
		Total:    total,
		Items:    items[offset:end],
	})
}

// GetImage godoc
// @Summary Get an evidence image
// @Description Serve the annotated snapshot or the face crop of one escalation
// @Tags evidence
// @Produce image/jpeg
// @Param person_id path string true "Person ID"
// @Param day path string true "Day (YYYY-MM-DD)"
// @Param kind path string true "snapshot or face"
// @Success 200 {file} binary
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /evidence/{person_id}/{day}/{kind} [get]
func (h *EvidenceHandler) GetImage(c *gin.Context) {
	personID, day, kind := c.Param("person_id"), c.Param("day"), c.Param("kind")
	if _, err := uuid.Parse(personID); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid person_id"})
		return
	}
	if _, err := time.Parse(dayLayout, day); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "day must be YYYY-MM-DD"})
		return
	}

	var key string
	switch kind {
	case "snapshot":
		key = association.SnapshotKey(personID, day)
	case "face":
		key = association.FaceKey(personID, day)
	default:
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "kind must be snapshot or face"})
		return
	}

	path := filepath.Join(h.root, filepath.FromSlash(key))
	if _, err := os.Stat(path); err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "image not found"})
		return
	}
	c.Header("Content-Type", "image/jpeg")
	c.Header("Cache-Control", "private, max-age=3600")
	c.File(path)
}

func (h *EvidenceHandler) itemsFor(personID string) ([]EvidenceItem, error) {
	dir := filepath.Dir(filepath.Join(h.root, filepath.FromSlash(association.SnapshotKey(personID, "x"))))
	files, err := filepath.Glob(filepath.Join(dir, "Person_"+personID+"_*.jpg"))
	if err != nil {
		return nil, fmt.Errorf("failed to list evidence files: %w", err)
	}

	prefix := "Person_" + personID + "_"
	var items []EvidenceItem
	for _, file := range files {
		stat, err := os.Stat(file)
		if err != nil {
			log.Warn().Err(err).Str("file", file).Msg("Failed to stat evidence file")
			continue
		}
		day := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(file), prefix), ".jpg")
		if _, err := time.Parse(dayLayout, day); err != nil {
			continue
		}

		item := EvidenceItem{
			Day:         day,
			SnapshotURL: fmt.Sprintf("/evidence/%s/%s/snapshot", personID, day),
			FileSize:    stat.Size(),
			CreatedAt:   stat.ModTime(),
		}
		if _, err := os.Stat(filepath.Join(h.root, filepath.FromSlash(association.FaceKey(personID, day)))); err == nil {
			item.FaceURL = fmt.Sprintf("/evidence/%s/%s/face", personID, day)
		}
		items = append(items, item)
	}

	// Newest first
	sort.Slice(items, func(i, j int) bool { return items[i].Day > items[j].Day })
	return items, nil
}
