package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"case-triage-pipeline/models"

	"github.com/apex/log"
)

// Claim outcomes. ErrAlreadyClaimed is not a failure: another attempt owns
// or already finished the case, so the caller aborts silently.
var (
	ErrAlreadyClaimed = errors.New("case already claimed or screened")
	ErrCaseNotFound   = errors.New("case not found")
)

// TryClaim atomically acquires the exclusive screening claim for a case.
//
// The read-modify-write runs inside one transaction with a row lock, so
// under arbitrary concurrent invocation exactly one caller per case gets
// past this point. A claim left in processing by a crashed worker becomes
// reclaimable once it is older than claimTTL (claimTTL <= 0 disables
// expiry).
func (d *Database) TryClaim(ctx context.Context, caseID, model string, claimTTL time.Duration) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
	SELECT risk_processing, risk_claimed_at, risk_error, risk_created_at
	FROM cases
	WHERE id = ?
	FOR UPDATE`

	var (
		processing bool
		claimedAt  sql.NullTime
		riskErr    sql.NullString
		createdAt  sql.NullTime
	)
	err = tx.QueryRowContext(ctx, query, caseID).Scan(&processing, &claimedAt, &riskErr, &createdAt)
	if err == sql.ErrNoRows {
		return ErrCaseNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read claim state for case %s: %w", caseID, err)
	}

	// Terminal states never re-run: completion and failure both stick until
	// a human re-runs screening explicitly.
	if createdAt.Valid {
		return ErrAlreadyClaimed
	}
	if riskErr.Valid && riskErr.String != "" {
		return ErrAlreadyClaimed
	}
	if processing {
		fresh := claimTTL <= 0 || !claimedAt.Valid || time.Since(claimedAt.Time) < claimTTL
		if fresh {
			return ErrAlreadyClaimed
		}
		log.Warnf("reclaiming stale screening claim case_id=%s claimed_at=%v", caseID, claimedAt.Time)
	}

	doc, err := marshalRisk(models.NewClaimedRisk(model))
	if err != nil {
		return err
	}

	update := `
	UPDATE cases
	SET risk_processing = TRUE, risk_claimed_at = NOW(), risk_error = NULL, risk_doc = ?
	WHERE id = ?`
	if _, err := tx.ExecContext(ctx, update, doc, caseID); err != nil {
		return fmt.Errorf("failed to write claim for case %s: %w", caseID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit claim for case %s: %w", caseID, err)
	}
	return nil
}

// ClearRisk resets the screening claim fields so an explicit re-screen can
// acquire a fresh claim. The previous risk document is kept until the new
// claim overwrites it.
func (d *Database) ClearRisk(ctx context.Context, caseID string) error {
	query := `
	UPDATE cases
	SET risk_processing = FALSE, risk_claimed_at = NULL, risk_error = NULL, risk_created_at = NULL
	WHERE id = ?`

	result, err := d.db.ExecContext(ctx, query, caseID)
	if err != nil {
		return fmt.Errorf("failed to clear risk for case %s: %w", caseID, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrCaseNotFound
	}
	return nil
}

// GetCase returns the fields the pipeline needs to screen a case.
func (d *Database) GetCase(ctx context.Context, caseID string) (*models.Case, error) {
	query := `
	SELECT id, created_at, reporter_id, photo_path, photo_url, latitude, longitude,
	       description, tracking_token, animal_id, status, risk_doc
	FROM cases
	WHERE id = ?`

	var (
		c           models.Case
		description sql.NullString
		animalID    sql.NullString
		riskDoc     sql.NullString
	)
	err := d.db.QueryRowContext(ctx, query, caseID).Scan(
		&c.ID,
		&c.CreatedAt,
		&c.ReporterID,
		&c.PhotoPath,
		&c.PhotoURL,
		&c.Latitude,
		&c.Longitude,
		&description,
		&c.TrackingToken,
		&animalID,
		&c.Status,
		&riskDoc,
	)
	if err == sql.ErrNoRows {
		return nil, ErrCaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch case %s: %w", caseID, err)
	}

	c.Description = description.String
	c.AnimalID = animalID.String
	if riskDoc.Valid && riskDoc.String != "" {
		risk, err := unmarshalRisk(riskDoc.String)
		if err != nil {
			return nil, err
		}
		c.Risk = risk
	}
	return &c, nil
}

// GetCaseRisk returns only the risk annotation for a case.
func (d *Database) GetCaseRisk(ctx context.Context, caseID string) (*models.AiRisk, error) {
	var riskDoc sql.NullString
	err := d.db.QueryRowContext(ctx, `SELECT risk_doc FROM cases WHERE id = ?`, caseID).Scan(&riskDoc)
	if err == sql.ErrNoRows {
		return nil, ErrCaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch risk for case %s: %w", caseID, err)
	}
	if !riskDoc.Valid || riskDoc.String == "" {
		return nil, nil
	}
	return unmarshalRisk(riskDoc.String)
}

func marshalRisk(risk *models.AiRisk) (string, error) {
	b, err := json.Marshal(risk)
	if err != nil {
		return "", fmt.Errorf("failed to marshal risk document: %w", err)
	}
	return string(b), nil
}

func unmarshalRisk(doc string) (*models.AiRisk, error) {
	var risk models.AiRisk
	if err := json.Unmarshal([]byte(doc), &risk); err != nil {
		return nil, fmt.Errorf("failed to unmarshal risk document: %w", err)
	}
	return &risk, nil
}
