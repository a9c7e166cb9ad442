package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"case-triage-pipeline/database"
	"case-triage-pipeline/llm"
	"case-triage-pipeline/metrics"
	"case-triage-pipeline/models"
	"case-triage-pipeline/parser"
	"case-triage-pipeline/rabbitmq"

	"github.com/apex/log"
)

// fallbackReason is the deterministic triage written when screening fails.
// Failed screenings always surface as low urgency, never silently vanish.
const fallbackReason = "Automated screening could not complete. The case is queued for human review."

// screeningTimeout bounds one full screening: photo fetch, model call and
// fan-out writes.
const screeningTimeout = 5 * time.Minute

// caseStore is the slice of the database the triage service writes.
type caseStore interface {
	TryClaim(ctx context.Context, caseID, model string, claimTTL time.Duration) error
	ClearRisk(ctx context.Context, caseID string) error
	GetCase(ctx context.Context, caseID string) (*models.Case, error)
	FinalizeCaseRisk(ctx context.Context, caseID string, risk *models.AiRisk) error
	UpsertTrackingSnapshot(ctx context.Context, snap *models.TrackingSnapshot) error
	UpsertMapSnapshot(ctx context.Context, snap *models.MapSnapshot) error
	UpdateAnimalRisk(ctx context.Context, animalID string, risk *models.AiRisk) error
	InsertAuditEvent(ctx context.Context, caseID, actor, action string, detail any) error
}

// eventPublisher publishes downstream pipeline events.
type eventPublisher interface {
	PublishScreened(event models.ScreenedEvent) error
}

// photoFetcher loads the case photo from storage.
type photoFetcher interface {
	Fetch(ctx context.Context, pathOrURL string) ([]byte, string, error)
}

// TriageService screens inbound cases: claim, fetch photo, one model call,
// validate, fan out to every read destination.
type TriageService struct {
	store     caseStore
	photos    photoFetcher
	model     llm.Client
	publisher eventPublisher

	modelName string
	claimTTL  time.Duration
}

func NewTriageService(store caseStore, photos photoFetcher, model llm.Client, publisher eventPublisher, modelName string, claimTTL time.Duration) *TriageService {
	return &TriageService{
		store:     store,
		photos:    photos,
		model:     model,
		publisher: publisher,
		modelName: modelName,
		claimTTL:  claimTTL,
	}
}

// HandleCaseEvent processes one case-created delivery.
func (s *TriageService) HandleCaseEvent(msg *rabbitmq.Message) error {
	var event models.CaseEvent
	if err := msg.UnmarshalTo(&event); err != nil {
		return rabbitmq.Permanent(fmt.Errorf("invalid case event payload: %w", err))
	}
	if event.CaseID == "" {
		return rabbitmq.Permanent(errors.New("case event missing case_id"))
	}
	return s.Screen(context.Background(), event.CaseID)
}

// HandleRescreenEvent processes an explicit admin re-screen request. Unlike
// the normal path it clears the terminal state first, so a finished case
// screens again.
func (s *TriageService) HandleRescreenEvent(msg *rabbitmq.Message) error {
	var event models.CaseEvent
	if err := msg.UnmarshalTo(&event); err != nil {
		return rabbitmq.Permanent(fmt.Errorf("invalid rescreen event payload: %w", err))
	}
	if event.CaseID == "" {
		return rabbitmq.Permanent(errors.New("rescreen event missing case_id"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), screeningTimeout)
	defer cancel()

	if err := s.store.ClearRisk(ctx, event.CaseID); err != nil {
		if errors.Is(err, database.ErrCaseNotFound) {
			metrics.ScreeningsTotal.WithLabelValues("not_found").Inc()
			return rabbitmq.Permanent(err)
		}
		return err
	}
	if err := s.store.InsertAuditEvent(ctx, event.CaseID, "system", "rescreen_requested", nil); err != nil {
		log.Warnf("failed to record rescreen audit event for case %s: %v", event.CaseID, err)
	}
	return s.Screen(context.Background(), event.CaseID)
}

// Screen runs the full screening flow for one case. At most one invocation
// per case gets past the claim; the rest return nil without side effects.
func (s *TriageService) Screen(parent context.Context, caseID string) error {
	ctx, cancel := context.WithTimeout(parent, screeningTimeout)
	defer cancel()

	err := s.store.TryClaim(ctx, caseID, s.modelName, s.claimTTL)
	switch {
	case errors.Is(err, database.ErrAlreadyClaimed):
		// Redelivery or a concurrent worker. Not an error.
		log.Infof("case %s already claimed or screened, skipping", caseID)
		metrics.ScreeningsTotal.WithLabelValues("duplicate").Inc()
		return nil
	case errors.Is(err, database.ErrCaseNotFound):
		metrics.ScreeningsTotal.WithLabelValues("not_found").Inc()
		return rabbitmq.Permanent(err)
	case err != nil:
		return fmt.Errorf("failed to claim case %s: %w", caseID, err)
	}

	c, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		return fmt.Errorf("failed to load claimed case %s: %w", caseID, err)
	}

	risk, screenErr := s.runScreening(ctx, c)
	if screenErr != nil {
		// Model/photo failures terminate with the deterministic fallback so
		// the case surfaces to humans instead of looping forever.
		log.Errorf("screening failed for case %s: %v", caseID, screenErr)
		risk = s.fallbackRisk(screenErr)
		metrics.ScreeningsTotal.WithLabelValues("fallback").Inc()
	} else {
		metrics.ScreeningsTotal.WithLabelValues("success").Inc()
	}

	if err := s.fanOut(ctx, c, risk); err != nil {
		// Release the claim before requeueing, otherwise every redelivery
		// bounces off ErrAlreadyClaimed until the TTL expires and the case
		// sits in processing with no trigger left.
		if clearErr := s.store.ClearRisk(ctx, caseID); clearErr != nil {
			log.Errorf("failed to release claim for case %s after write failure: %v", caseID, clearErr)
		}
		return err
	}

	s.publishScreened(c, risk)
	return nil
}

// runScreening fetches the photo, calls the model once and validates the
// output. No retries: a failed call falls through to the fallback.
func (s *TriageService) runScreening(ctx context.Context, c *models.Case) (*models.AiRisk, error) {
	photoRef := c.PhotoPath
	if photoRef == "" {
		photoRef = c.PhotoURL
	}
	if photoRef == "" {
		return nil, errors.New("case has no photo reference")
	}

	image, mime, err := s.photos.Fetch(ctx, photoRef)
	if err != nil {
		return nil, fmt.Errorf("photo fetch failed: %w", err)
	}

	startedAt := time.Now()
	response, err := s.model.Screen(ctx, image, mime)
	metrics.ModelCallDurationSeconds.WithLabelValues("screen").Observe(time.Since(startedAt).Seconds())
	if err != nil {
		metrics.ModelCallsTotal.WithLabelValues("screen", "error").Inc()
		return nil, err
	}
	metrics.ModelCallsTotal.WithLabelValues("screen", "success").Inc()

	result, err := parser.ParseRisk(response)
	if err != nil {
		return nil, fmt.Errorf("model output rejected: %w", err)
	}

	now := time.Now().UTC()
	return &models.AiRisk{
		Processing:             false,
		Model:                  s.modelName,
		AnimalType:             result.AnimalType,
		VisibleIndicators:      result.VisibleIndicators,
		Urgency:                result.Urgency,
		Reason:                 result.Reason,
		Confidence:             result.Confidence,
		NeedsHumanVerification: true,
		Disclaimer:             result.Disclaimer,
		CreatedAt:              &now,
	}, nil
}

// fallbackRisk builds the deterministic terminal annotation for a failed
// screening: unknown type, low urgency, zero confidence, truncated error.
func (s *TriageService) fallbackRisk(cause error) *models.AiRisk {
	detail := llm.Truncate(cause.Error(), 500)
	return &models.AiRisk{
		Processing:             false,
		Error:                  &detail,
		Model:                  s.modelName,
		AnimalType:             models.AnimalTypeUnknown,
		VisibleIndicators:      []string{},
		Urgency:                models.UrgencyLow,
		Reason:                 fallbackReason,
		Confidence:             0,
		NeedsHumanVerification: true,
		Disclaimer:             models.DefaultDisclaimer,
	}
}

// fanOut writes the finished screening to every destination. The case row is
// the source of truth and must succeed; the projections and audit log are
// each best-effort and idempotent, so a partial failure is logged and
// repaired by the next write, never allowed to re-trigger screening.
func (s *TriageService) fanOut(ctx context.Context, c *models.Case, risk *models.AiRisk) error {
	if err := s.store.FinalizeCaseRisk(ctx, c.ID, risk); err != nil {
		metrics.FanoutWritesTotal.WithLabelValues("case", "error").Inc()
		return fmt.Errorf("failed to write case risk for %s: %w", c.ID, err)
	}
	metrics.FanoutWritesTotal.WithLabelValues("case", "success").Inc()

	if c.AnimalID != "" {
		if err := s.store.UpdateAnimalRisk(ctx, c.AnimalID, risk); err != nil {
			metrics.FanoutWritesTotal.WithLabelValues("animal", "error").Inc()
			log.Errorf("failed to update animal %s for case %s: %v", c.AnimalID, c.ID, err)
		} else {
			metrics.FanoutWritesTotal.WithLabelValues("animal", "success").Inc()
		}
	}

	screeningState := models.ScreeningComplete
	if risk.Error != nil && *risk.Error != "" {
		screeningState = models.ScreeningFailed
	}
	tracking := &models.TrackingSnapshot{
		CaseID:         c.ID,
		TrackingToken:  c.TrackingToken,
		Status:         c.Status,
		ScreeningState: screeningState,
		Urgency:        risk.Urgency,
		AnimalType:     risk.AnimalType,
		Reason:         risk.Reason,
		Disclaimer:     risk.Disclaimer,
	}
	if err := s.store.UpsertTrackingSnapshot(ctx, tracking); err != nil {
		metrics.FanoutWritesTotal.WithLabelValues("tracking", "error").Inc()
		log.Errorf("failed to upsert tracking snapshot for case %s: %v", c.ID, err)
	} else {
		metrics.FanoutWritesTotal.WithLabelValues("tracking", "success").Inc()
	}

	mapSnap := &models.MapSnapshot{
		CaseID:     c.ID,
		Latitude:   c.Latitude,
		Longitude:  c.Longitude,
		Urgency:    risk.Urgency,
		AnimalType: risk.AnimalType,
		Status:     c.Status,
	}
	if err := s.store.UpsertMapSnapshot(ctx, mapSnap); err != nil {
		metrics.FanoutWritesTotal.WithLabelValues("map", "error").Inc()
		log.Errorf("failed to upsert map snapshot for case %s: %v", c.ID, err)
	} else {
		metrics.FanoutWritesTotal.WithLabelValues("map", "success").Inc()
	}

	action := "screening_completed"
	if screeningState == models.ScreeningFailed {
		action = "screening_failed"
	}
	if err := s.store.InsertAuditEvent(ctx, c.ID, "system", action, risk); err != nil {
		metrics.FanoutWritesTotal.WithLabelValues("audit", "error").Inc()
		log.Errorf("failed to insert audit event for case %s: %v", c.ID, err)
	} else {
		metrics.FanoutWritesTotal.WithLabelValues("audit", "success").Inc()
	}

	return nil
}

func (s *TriageService) publishScreened(c *models.Case, risk *models.AiRisk) {
	if s.publisher == nil {
		return
	}
	event := models.ScreenedEvent{
		CaseID:     c.ID,
		AnimalID:   c.AnimalID,
		Urgency:    risk.Urgency,
		AnimalType: risk.AnimalType,
		Failed:     risk.Error != nil && *risk.Error != "",
	}
	if err := s.publisher.PublishScreened(event); err != nil {
		log.Warnf("failed to publish screened event for case %s: %v", c.ID, err)
	}
}
