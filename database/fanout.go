package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"case-triage-pipeline/models"

	"github.com/google/uuid"
)

// FinalizeCaseRisk writes a terminal risk annotation onto the case row and
// mirrors urgency/type into the flattened triage fields that read paths key
// off. It serves both the success path (risk.CreatedAt set) and the failure
// fallback (risk.Error set); either way the claim is released.
func (d *Database) FinalizeCaseRisk(ctx context.Context, caseID string, risk *models.AiRisk) error {
	doc, err := marshalRisk(risk)
	if err != nil {
		return err
	}

	var createdAt sql.NullTime
	if risk.CreatedAt != nil {
		createdAt = sql.NullTime{Time: *risk.CreatedAt, Valid: true}
	}
	var riskErr sql.NullString
	if risk.Error != nil && *risk.Error != "" {
		riskErr = sql.NullString{String: *risk.Error, Valid: true}
	}

	query := `
	UPDATE cases
	SET risk_processing = FALSE,
	    risk_error = ?,
	    risk_created_at = ?,
	    risk_doc = ?,
	    ai_type = ?,
	    ai_confidence = ?,
	    triage_urgency = ?,
	    triage_reason = ?,
	    triage_source = ?
	WHERE id = ?`

	_, err = d.db.ExecContext(ctx, query,
		riskErr,
		createdAt,
		doc,
		risk.AnimalType,
		risk.Confidence,
		risk.Urgency,
		risk.Reason,
		models.TriageSourceAI,
		caseID,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize risk for case %s: %w", caseID, err)
	}
	return nil
}

// UpsertTrackingSnapshot writes the public tracking projection. Same key,
// same payload: safe to repeat.
func (d *Database) UpsertTrackingSnapshot(ctx context.Context, snap *models.TrackingSnapshot) error {
	query := `
	INSERT INTO tracking_snapshots
		(case_id, tracking_token, status, screening_state, urgency, animal_type, reason, disclaimer)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON DUPLICATE KEY UPDATE
		status = VALUES(status),
		screening_state = VALUES(screening_state),
		urgency = VALUES(urgency),
		animal_type = VALUES(animal_type),
		reason = VALUES(reason),
		disclaimer = VALUES(disclaimer)`

	_, err := d.db.ExecContext(ctx, query,
		snap.CaseID, snap.TrackingToken, snap.Status, snap.ScreeningState,
		snap.Urgency, snap.AnimalType, snap.Reason, snap.Disclaimer)
	if err != nil {
		return fmt.Errorf("failed to upsert tracking snapshot for case %s: %w", snap.CaseID, err)
	}
	return nil
}

// UpsertMapSnapshot writes the public map projection.
func (d *Database) UpsertMapSnapshot(ctx context.Context, snap *models.MapSnapshot) error {
	query := `
	INSERT INTO map_snapshots (case_id, latitude, longitude, urgency, animal_type, status)
	VALUES (?, ?, ?, ?, ?, ?)
	ON DUPLICATE KEY UPDATE
		latitude = VALUES(latitude),
		longitude = VALUES(longitude),
		urgency = VALUES(urgency),
		animal_type = VALUES(animal_type),
		status = VALUES(status)`

	_, err := d.db.ExecContext(ctx, query,
		snap.CaseID, snap.Latitude, snap.Longitude, snap.Urgency, snap.AnimalType, snap.Status)
	if err != nil {
		return fmt.Errorf("failed to upsert map snapshot for case %s: %w", snap.CaseID, err)
	}
	return nil
}

// UpdateAnimalRisk denormalizes the latest screening onto the linked animal
// thread and refreshes its running type.
func (d *Database) UpdateAnimalRisk(ctx context.Context, animalID string, risk *models.AiRisk) error {
	doc, err := marshalRisk(risk)
	if err != nil {
		return err
	}

	// An "unknown" screening never downgrades a previously identified type.
	query := `
	UPDATE animals
	SET latest_risk = ?,
	    type = IF(? = 'unknown', type, ?),
	    updated_at = NOW()
	WHERE id = ?`

	result, err := d.db.ExecContext(ctx, query, doc, risk.AnimalType, risk.AnimalType, animalID)
	if err != nil {
		return fmt.Errorf("failed to update animal %s risk: %w", animalID, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("animal %s not found", animalID)
	}
	return nil
}

// InsertAuditEvent appends one pipeline/admin action record.
func (d *Database) InsertAuditEvent(ctx context.Context, caseID, actor, action string, detail any) error {
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("failed to marshal audit detail: %w", err)
	}

	query := `INSERT INTO audit_events (id, case_id, actor, action, detail) VALUES (?, ?, ?, ?, ?)`
	_, err = d.db.ExecContext(ctx, query, uuid.NewString(), caseID, actor, action, string(detailJSON))
	if err != nil {
		return fmt.Errorf("failed to insert audit event for case %s: %w", caseID, err)
	}
	return nil
}

// ApplyAdminOverride layers a human decision onto a screened case. The
// nested AI fields are preserved untouched; only the adminOverride
// sub-record and the flattened triage fields change.
func (d *Database) ApplyAdminOverride(ctx context.Context, caseID string, override models.AdminOverride) (*models.AiRisk, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin override transaction: %w", err)
	}
	defer tx.Rollback()

	var riskDoc sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT risk_doc FROM cases WHERE id = ? FOR UPDATE`, caseID).Scan(&riskDoc)
	if err == sql.ErrNoRows {
		return nil, ErrCaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read risk for case %s: %w", caseID, err)
	}

	risk := &models.AiRisk{
		NeedsHumanVerification: true,
		Disclaimer:             models.DefaultDisclaimer,
	}
	if riskDoc.Valid && riskDoc.String != "" {
		if risk, err = unmarshalRisk(riskDoc.String); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	override.Overridden = true
	override.OverriddenAt = &now
	risk.AdminOverride = override

	doc, err := marshalRisk(risk)
	if err != nil {
		return nil, err
	}

	// A partial override (note or type only) leaves the AI urgency in effect,
	// so the flattened mirror keeps showing it.
	urgency := override.Urgency
	if urgency == "" {
		urgency = risk.Urgency
	}

	query := `
	UPDATE cases
	SET risk_doc = ?, triage_urgency = ?, triage_source = ?
	WHERE id = ?`
	if _, err := tx.ExecContext(ctx, query, doc, urgency, models.TriageSourceAdmin, caseID); err != nil {
		return nil, fmt.Errorf("failed to apply override for case %s: %w", caseID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit override for case %s: %w", caseID, err)
	}
	return risk, nil
}
