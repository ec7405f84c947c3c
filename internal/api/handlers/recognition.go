package handlers

import (
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/your-org/faceid/internal/models"
	"github.com/your-org/faceid/internal/recognition"
	"github.com/your-org/faceid/internal/storage"
	"github.com/your-org/faceid/internal/vision"
	"github.com/your-org/faceid/pkg/dto"
)

const timeLayout = "2006-01-02T15:04:05Z"

type RecognitionHandler struct {
	coordinator *recognition.Coordinator
}

func NewRecognitionHandler(coordinator *recognition.Coordinator) *RecognitionHandler {
	return &RecognitionHandler{coordinator: coordinator}
}

func (h *RecognitionHandler) Register(c *gin.Context) {
	var req dto.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	imageData, err := base64.StdEncoding.DecodeString(req.Image)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid base64 image"})
		return
	}

	result, err := h.coordinator.Enroll(c.Request.Context(), imageData, recognition.EnrollRequest{
		ExternalID:  req.ExternalID,
		DisplayName: req.DisplayName,
		ClientRef:   req.ClientRef,
	})
	if err != nil {
		writeRecognitionError(c, err)
		return
	}

	c.JSON(http.StatusCreated, registerResponse(result))
}

func (h *RecognitionHandler) Recognize(c *gin.Context) {
	var req dto.RecognizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	imageData, err := base64.StdEncoding.DecodeString(req.Image)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid base64 image"})
		return
	}

	result, err := h.coordinator.Identify(c.Request.Context(), imageData, recognition.IdentifyOptions{})
	if err != nil {
		writeRecognitionError(c, err)
		return
	}
	if result.Match == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":         "no match",
			"backend":       result.Backend,
			"processing_ms": result.ProcessingMs,
		})
		return
	}

	c.JSON(http.StatusOK, dto.RecognizeResponse{
		Match: dto.MatchResponse{
			UserID:      result.Match.UserID,
			ExternalID:  result.Match.ExternalID,
			DisplayName: result.Match.DisplayName,
			ClientRef:   result.Match.ClientRef,
			Distance:    result.Match.Distance,
			Similarity:  result.Match.Similarity,
		},
		Confidence:   result.Confidence,
		Backend:      result.Backend,
		CacheHit:     result.CacheHit,
		ProcessingMs: result.ProcessingMs,
	})
}

func (h *RecognitionHandler) Update(c *gin.Context) {
	var req dto.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	imageData, err := base64.StdEncoding.DecodeString(req.Image)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid base64 image"})
		return
	}

	result, err := h.coordinator.Update(c.Request.Context(), req.ExternalID, imageData)
	if err != nil {
		writeRecognitionError(c, err)
		return
	}

	c.JSON(http.StatusOK, registerResponse(result))
}

func (h *RecognitionHandler) Delete(c *gin.Context) {
	externalID := c.Param("externalId")
	if externalID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "external id required"})
		return
	}

	if err := h.coordinator.Delete(c.Request.Context(), externalID); err != nil {
		writeRecognitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (h *RecognitionHandler) GetProfile(c *gin.Context) {
	c.JSON(http.StatusOK, h.coordinator.CurrentSettings())
}

func (h *RecognitionHandler) SetProfile(c *gin.Context) {
	var req dto.ProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	switch {
	case req.Profile != "":
		if err := h.coordinator.ApplyProfile(req.Profile); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	case req.Threshold != nil:
		h.coordinator.SetThreshold(*req.Threshold)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "profile or threshold required"})
		return
	}

	c.JSON(http.StatusOK, h.coordinator.CurrentSettings())
}

func registerResponse(result *recognition.EnrollResult) dto.RegisterResponse {
	return dto.RegisterResponse{
		User:       userResponse(result.User),
		Confidence: result.Confidence,
		Box: dto.BoxResponse{
			X: result.Box.X, Y: result.Box.Y,
			W: result.Box.W, H: result.Box.H,
		},
		ProcessingMs: result.ProcessingMs,
	}
}

func userResponse(u *models.User) dto.UserResponse {
	resp := dto.UserResponse{
		ID:               u.ID,
		ExternalID:       u.ExternalID,
		DisplayName:      u.DisplayName,
		ClientRef:        u.ClientRef,
		Confidence:       u.Confidence,
		Active:           u.Active,
		CreatedAt:        u.CreatedAt.Format(timeLayout),
		UpdatedAt:        u.UpdatedAt.Format(timeLayout),
		RecognitionCount: u.RecognitionCount,
	}
	if u.LastRecognitionAt != nil {
		resp.LastRecognitionAt = u.LastRecognitionAt.Format(timeLayout)
	}
	return resp
}

// writeRecognitionError maps pipeline errors onto HTTP statuses. Unexpected
// errors are returned as an opaque 500: internals never leak to clients.
func writeRecognitionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, vision.ErrInvalidImage),
		errors.Is(err, vision.ErrNoFace),
		errors.Is(err, recognition.ErrFaceTooSmall),
		errors.Is(err, recognition.ErrFaceTooLarge),
		errors.Is(err, recognition.ErrLowQuality):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, storage.ErrDuplicate):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, vision.ErrTimeout):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
