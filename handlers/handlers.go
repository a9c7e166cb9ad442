package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"

	"case-triage-pipeline/database"
	"case-triage-pipeline/llm"
	"case-triage-pipeline/match"
	"case-triage-pipeline/metrics"
	"case-triage-pipeline/models"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"
)

// maxEncodedImageBytes bounds the base64 payload of image endpoints.
const maxEncodedImageBytes = 6 << 20

var allowedImageMimes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
}

type matchFinder interface {
	FindMatches(ctx context.Context, q match.Query) ([]models.Match, error)
}

type overrideApplier interface {
	Apply(ctx context.Context, caseID string, override models.AdminOverride) (*models.AiRisk, error)
	EffectiveRisk(ctx context.Context, caseID string) (*models.AiRisk, error)
}

type statsProvider interface {
	GetPipelineStats() (*database.PipelineStats, error)
}

type historyStore interface {
	AppendMatchHistory(ctx context.Context, userID, queryType string, matches []models.Match) error
}

// Handlers holds the HTTP endpoints of the triage service.
type Handlers struct {
	stats     statsProvider
	history   historyStore
	matcher   matchFinder
	overrides overrideApplier
	model     llm.Client

	// autoLinkThreshold is the minimum top score for suggesting a confident
	// single match to the caller.
	autoLinkThreshold float64
}

func NewHandlers(stats statsProvider, history historyStore, matcher matchFinder, overrides overrideApplier, model llm.Client, autoLinkThreshold float64) *Handlers {
	return &Handlers{
		stats:             stats,
		history:           history,
		matcher:           matcher,
		overrides:         overrides,
		model:             model,
		autoLinkThreshold: autoLinkThreshold,
	}
}

// HealthHandler returns service liveness.
func (h *Handlers) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "case-triage-pipeline",
	})
}

// StatusHandler returns screening progress counts.
func (h *Handlers) StatusHandler(c *gin.Context) {
	stats, err := h.stats.GetPipelineStats()
	if err != nil {
		log.Errorf("Failed to get pipeline stats: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get pipeline stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

type imageRequest struct {
	Image    string `json:"image" binding:"required"`
	MimeType string `json:"mime_type" binding:"required"`
}

// decodeImage validates and decodes the shared image payload shape.
func decodeImage(c *gin.Context, req *imageRequest) ([]byte, bool) {
	if len(req.Image) > maxEncodedImageBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image payload too large"})
		return nil, false
	}
	if !allowedImageMimes[req.MimeType] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported image mime type"})
		return nil, false
	}
	data, err := base64.StdEncoding.DecodeString(req.Image)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image must be valid base64"})
		return nil, false
	}
	if len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image must not be empty"})
		return nil, false
	}
	return data, true
}

// CaptionHandler generates a short accessibility caption for an image.
func (h *Handlers) CaptionHandler(c *gin.Context) {
	var req imageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	data, ok := decodeImage(c, &req)
	if !ok {
		return
	}

	caption, err := h.model.Caption(c.Request.Context(), data, req.MimeType)
	if err != nil {
		metrics.ModelCallsTotal.WithLabelValues("caption", "error").Inc()
		log.Errorf("Caption generation failed: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "caption generation failed"})
		return
	}
	metrics.ModelCallsTotal.WithLabelValues("caption", "success").Inc()

	c.JSON(http.StatusOK, gin.H{"caption": caption})
}

type matchRequest struct {
	imageRequest
	AnimalType  string   `json:"animal_type"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
	SaveHistory bool     `json:"save_history"`
}

// MatchesHandler ranks recent strays against an uploaded photo of a lost pet.
func (h *Handlers) MatchesHandler(c *gin.Context) {
	var req matchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	data, ok := decodeImage(c, &req.imageRequest)
	if !ok {
		return
	}

	switch req.AnimalType {
	case "", models.AnimalTypeCat, models.AnimalTypeDog, models.AnimalTypeOther, models.AnimalTypeUnknown:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid animal_type filter"})
		return
	}

	query := match.Query{
		Image:      llm.Image{Data: data, Mime: req.MimeType},
		AnimalType: req.AnimalType,
	}
	if req.Latitude != nil && req.Longitude != nil {
		query.Latitude = *req.Latitude
		query.Longitude = *req.Longitude
		query.HasLocation = true
	}

	matches, err := h.matcher.FindMatches(c.Request.Context(), query)
	if err != nil {
		metrics.MatchRequestsTotal.WithLabelValues("error").Inc()
		log.Errorf("Match ranking failed: %v", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "matching failed"})
		return
	}
	if len(matches) == 0 {
		metrics.MatchRequestsTotal.WithLabelValues("empty").Inc()
	} else {
		metrics.MatchRequestsTotal.WithLabelValues("success").Inc()
	}

	if req.SaveHistory {
		userID := c.GetString("user_id")
		if err := h.history.AppendMatchHistory(c.Request.Context(), userID, req.AnimalType, matches); err != nil {
			log.Warnf("Failed to save match history for user %s: %v", userID, err)
		}
	}

	if matches == nil {
		matches = []models.Match{}
	}
	resp := gin.H{"matches": matches}
	if topID, ok := match.PickTopMatch(matches, h.autoLinkThreshold); ok {
		resp["top_match_id"] = topID
	}
	c.JSON(http.StatusOK, resp)
}

type overrideRequest struct {
	Urgency    string `json:"urgency"`
	AnimalType string `json:"animal_type"`
	Note       string `json:"note"`
}

// OverrideHandler applies an admin triage decision to a case. Admin-only.
func (h *Handlers) OverrideHandler(c *gin.Context) {
	caseID := c.Param("id")
	if caseID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing case id"})
		return
	}

	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Urgency == "" && req.AnimalType == "" && req.Note == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "override must change at least one field"})
		return
	}

	override := models.AdminOverride{
		Urgency:      req.Urgency,
		AnimalType:   req.AnimalType,
		Note:         req.Note,
		OverriddenBy: c.GetString("user_id"),
	}

	risk, err := h.overrides.Apply(c.Request.Context(), caseID, override)
	if err != nil {
		if errors.Is(err, database.ErrCaseNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "case not found"})
			return
		}
		log.Errorf("Failed to apply override for case %s: %v", caseID, err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ai_risk": risk})
}

// RiskHandler returns the current risk annotation for a case.
func (h *Handlers) RiskHandler(c *gin.Context) {
	caseID := c.Param("id")
	if caseID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing case id"})
		return
	}

	risk, err := h.overrides.EffectiveRisk(c.Request.Context(), caseID)
	if err != nil {
		if errors.Is(err, database.ErrCaseNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "case not found"})
			return
		}
		log.Errorf("Failed to load risk for case %s: %v", caseID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load risk"})
		return
	}
	// No annotation at all means screening was never claimed; that is not
	// the same as a claim still in flight.
	if risk == nil {
		c.JSON(http.StatusOK, gin.H{"ai_risk": nil, "screening_state": models.ScreeningNotStarted})
		return
	}

	state := models.ScreeningComplete
	if !risk.Terminal() {
		state = models.ScreeningInProgress
	} else if risk.Error != nil && *risk.Error != "" {
		state = models.ScreeningFailed
	}
	c.JSON(http.StatusOK, gin.H{"ai_risk": risk, "screening_state": state})
}
