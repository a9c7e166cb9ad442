package models

import (
	"time"
)

// Animal type values accepted from the screening model.
const (
	AnimalTypeCat     = "cat"
	AnimalTypeDog     = "dog"
	AnimalTypeOther   = "other"
	AnimalTypeUnknown = "unknown"
)

// Urgency values accepted from the screening model.
const (
	UrgencyHigh   = "high"
	UrgencyMedium = "medium"
	UrgencyLow    = "low"
)

// Triage source values recorded on the flattened case triage fields.
const (
	TriageSourceAI    = "ai"
	TriageSourceAdmin = "admin"
)

// DefaultDisclaimer is attached to every screening result unless the model
// supplies its own. The screening is never a veterinary diagnosis.
const DefaultDisclaimer = "This is an automated, non-diagnostic welfare screening. " +
	"It is not veterinary advice; a human reviewer verifies every result."

// AdminOverride layers a human decision on top of the AI screening without
// replacing the original AI fields.
type AdminOverride struct {
	Overridden   bool       `json:"overridden"`
	Urgency      string     `json:"urgency,omitempty"`
	AnimalType   string     `json:"animalType,omitempty"`
	Note         string     `json:"note,omitempty"`
	OverriddenBy string     `json:"overriddenBy,omitempty"`
	OverriddenAt *time.Time `json:"overriddenAt,omitempty"`
}

// AiRisk is the model-derived welfare screening attached to a case. The JSON
// field names and enum values are a compatibility contract with existing
// readers (tracking page, map, admin dashboard) and must not change.
type AiRisk struct {
	Processing             bool          `json:"processing"`
	Error                  *string       `json:"error"`
	Model                  string        `json:"model"`
	AnimalType             string        `json:"animalType"`
	VisibleIndicators      []string      `json:"visibleIndicators"`
	Urgency                string        `json:"urgency"`
	Reason                 string        `json:"reason"`
	Confidence             float64       `json:"confidence"`
	NeedsHumanVerification bool          `json:"needsHumanVerification"`
	Disclaimer             string        `json:"disclaimer"`
	CreatedAt              *time.Time    `json:"createdAt"`
	AdminOverride          AdminOverride `json:"adminOverride"`
}

// Terminal reports whether screening has finished for this annotation,
// either successfully (createdAt set) or with a recorded error. Screening
// never re-runs from a terminal state.
func (r *AiRisk) Terminal() bool {
	if r == nil {
		return false
	}
	if r.CreatedAt != nil {
		return true
	}
	return r.Error != nil && *r.Error != ""
}

// NewClaimedRisk returns the annotation skeleton written when a screening
// claim is acquired.
func NewClaimedRisk(model string) *AiRisk {
	return &AiRisk{
		Processing:             true,
		Model:                  model,
		NeedsHumanVerification: true,
		Disclaimer:             DefaultDisclaimer,
		AdminOverride:          AdminOverride{Overridden: false},
	}
}

// Case represents one citizen-submitted incident report.
type Case struct {
	ID            string    `json:"id"`
	CreatedAt     time.Time `json:"created_at"`
	ReporterID    string    `json:"reporter_id"`
	PhotoPath     string    `json:"photo_path"`
	PhotoURL      string    `json:"photo_url"`
	Latitude      float64   `json:"latitude"`
	Longitude     float64   `json:"longitude"`
	Description   string    `json:"description"`
	TrackingToken string    `json:"tracking_token"`
	AnimalID      string    `json:"animal_id,omitempty"`

	// Locally-inferred coarse fields, mirrored from the screening so read
	// paths do not have to unpack the nested risk document.
	AIType       string  `json:"ai_type"`
	AIConfidence float64 `json:"ai_confidence"`

	TriageUrgency string `json:"triage_urgency"`
	TriageReason  string `json:"triage_reason"`
	TriageSource  string `json:"triage_source"`

	Status string `json:"status"`

	Risk *AiRisk `json:"ai_risk,omitempty"`
}

// Animal aggregates sightings of a presumed-same animal across cases.
type Animal struct {
	ID                string    `json:"id"`
	Type              string    `json:"type"`
	CoverPhotoURL     string    `json:"cover_photo_url"`
	LastSeenLatitude  float64   `json:"last_seen_latitude"`
	LastSeenLongitude float64   `json:"last_seen_longitude"`
	SightingCount     int       `json:"sighting_count"`
	Status            string    `json:"status"`
	LatestRisk        *AiRisk   `json:"latest_risk,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// TrackingSnapshot is the public, eventually-consistent projection served to
// a reporter holding the case tracking token.
type TrackingSnapshot struct {
	CaseID         string    `json:"case_id"`
	TrackingToken  string    `json:"tracking_token"`
	Status         string    `json:"status"`
	ScreeningState string    `json:"screening_state"`
	Urgency        string    `json:"urgency"`
	AnimalType     string    `json:"animal_type"`
	Reason         string    `json:"reason"`
	Disclaimer     string    `json:"disclaimer"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Screening states surfaced on public snapshots. Derived from the risk
// fields, never inferred from absence.
const (
	ScreeningNotStarted = "not_screened"
	ScreeningInProgress = "in_progress"
	ScreeningFailed     = "failed"
	ScreeningComplete   = "complete"
)

// MapSnapshot is the public projection consumed by the map view.
type MapSnapshot struct {
	CaseID     string    `json:"case_id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Urgency    string    `json:"urgency"`
	AnimalType string    `json:"animal_type"`
	Status     string    `json:"status"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// AuditEvent is one append-only pipeline/admin action record.
type AuditEvent struct {
	ID        string    `json:"id"`
	CaseID    string    `json:"case_id"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// Match is one entry of a ranked lost-pet match result.
type Match struct {
	CandidateID       string  `json:"candidate_id"`
	Score             float64 `json:"score"`
	Reason            string  `json:"reason"`
	Type              string  `json:"type"`
	CoverPhotoURL     string  `json:"cover_photo_url"`
	LastSeenLatitude  float64 `json:"last_seen_latitude"`
	LastSeenLongitude float64 `json:"last_seen_longitude"`
	DistanceKm        float64 `json:"distance_km,omitempty"`
}

// CaseEvent is the inbound trigger published when a case is created or an
// admin requests a re-screen.
type CaseEvent struct {
	CaseID           string `json:"case_id"`
	PhotoStoragePath string `json:"photo_storage_path"`
	TrackingToken    string `json:"tracking_token"`
	AnimalID         string `json:"animal_id,omitempty"`
}

// ScreenedEvent is published downstream after the fan-out completes.
type ScreenedEvent struct {
	CaseID     string `json:"case_id"`
	AnimalID   string `json:"animal_id,omitempty"`
	Urgency    string `json:"urgency"`
	AnimalType string `json:"animal_type"`
	Failed     bool   `json:"failed"`
}
