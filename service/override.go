package service

import (
	"context"
	"fmt"

	"case-triage-pipeline/metrics"
	"case-triage-pipeline/models"

	"github.com/apex/log"
)

// overrideStore extends the triage store with the admin write paths.
type overrideStore interface {
	caseStore
	ApplyAdminOverride(ctx context.Context, caseID string, override models.AdminOverride) (*models.AiRisk, error)
	GetCaseRisk(ctx context.Context, caseID string) (*models.AiRisk, error)
}

// OverrideService applies admin triage decisions on top of AI screenings.
type OverrideService struct {
	store overrideStore
}

func NewOverrideService(store overrideStore) *OverrideService {
	return &OverrideService{store: store}
}

// validateOverride rejects values outside the triage enums. An empty field
// means "leave the AI value in effect".
func validateOverride(override models.AdminOverride) error {
	switch override.Urgency {
	case "", models.UrgencyHigh, models.UrgencyMedium, models.UrgencyLow:
	default:
		return fmt.Errorf("invalid override urgency %q", override.Urgency)
	}
	switch override.AnimalType {
	case "", models.AnimalTypeCat, models.AnimalTypeDog, models.AnimalTypeOther, models.AnimalTypeUnknown:
	default:
		return fmt.Errorf("invalid override animal type %q", override.AnimalType)
	}
	return nil
}

// Apply layers an admin override onto a case and refreshes the public
// projections to show the human decision. The AI fields inside the risk
// document are never modified, so the override is fully reversible on paper.
func (s *OverrideService) Apply(ctx context.Context, caseID string, override models.AdminOverride) (*models.AiRisk, error) {
	if err := validateOverride(override); err != nil {
		return nil, err
	}
	if override.OverriddenBy == "" {
		return nil, fmt.Errorf("override requires an admin identity")
	}

	risk, err := s.store.ApplyAdminOverride(ctx, caseID, override)
	if err != nil {
		return nil, err
	}
	metrics.OverridesTotal.Inc()

	if err := s.store.InsertAuditEvent(ctx, caseID, override.OverriddenBy, "admin_override", risk.AdminOverride); err != nil {
		log.Errorf("failed to record override audit event for case %s: %v", caseID, err)
	}

	s.refreshProjections(ctx, caseID, risk)
	return risk, nil
}

// EffectiveRisk returns the risk annotation with the override applied on top
// for display purposes: overridden urgency/type win, everything else comes
// from the AI screening.
func (s *OverrideService) EffectiveRisk(ctx context.Context, caseID string) (*models.AiRisk, error) {
	return s.store.GetCaseRisk(ctx, caseID)
}

// refreshProjections re-derives the public snapshots after an override so
// the tracking page and map reflect the admin decision.
func (s *OverrideService) refreshProjections(ctx context.Context, caseID string, risk *models.AiRisk) {
	c, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		log.Errorf("failed to reload case %s after override: %v", caseID, err)
		return
	}

	urgency := risk.Urgency
	animalType := risk.AnimalType
	if risk.AdminOverride.Overridden {
		if risk.AdminOverride.Urgency != "" {
			urgency = risk.AdminOverride.Urgency
		}
		if risk.AdminOverride.AnimalType != "" {
			animalType = risk.AdminOverride.AnimalType
		}
	}

	screeningState := models.ScreeningComplete
	if risk.Error != nil && *risk.Error != "" {
		screeningState = models.ScreeningFailed
	}
	tracking := &models.TrackingSnapshot{
		CaseID:         caseID,
		TrackingToken:  c.TrackingToken,
		Status:         c.Status,
		ScreeningState: screeningState,
		Urgency:        urgency,
		AnimalType:     animalType,
		Reason:         risk.Reason,
		Disclaimer:     risk.Disclaimer,
	}
	if err := s.store.UpsertTrackingSnapshot(ctx, tracking); err != nil {
		log.Errorf("failed to refresh tracking snapshot for case %s: %v", caseID, err)
	}

	mapSnap := &models.MapSnapshot{
		CaseID:     caseID,
		Latitude:   c.Latitude,
		Longitude:  c.Longitude,
		Urgency:    urgency,
		AnimalType: animalType,
		Status:     c.Status,
	}
	if err := s.store.UpsertMapSnapshot(ctx, mapSnap); err != nil {
		log.Errorf("failed to refresh map snapshot for case %s: %v", caseID, err)
	}
}
