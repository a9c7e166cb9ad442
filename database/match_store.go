package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"case-triage-pipeline/models"

	"github.com/google/uuid"
)

// RecentStrayAnimals returns the most recently updated stray animals, newest
// first. limit bounds the scan window for candidate selection.
func (d *Database) RecentStrayAnimals(ctx context.Context, limit int) ([]models.Animal, error) {
	query := `
	SELECT id, type, cover_photo_url, last_seen_latitude, last_seen_longitude,
	       sighting_count, status, updated_at
	FROM animals
	WHERE status = 'stray'
	ORDER BY updated_at DESC
	LIMIT ?`

	rows, err := d.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent strays: %w", err)
	}
	defer rows.Close()

	var animals []models.Animal
	for rows.Next() {
		var (
			a     models.Animal
			cover sql.NullString
		)
		err := rows.Scan(&a.ID, &a.Type, &cover, &a.LastSeenLatitude, &a.LastSeenLongitude,
			&a.SightingCount, &a.Status, &a.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan animal row: %w", err)
		}
		a.CoverPhotoURL = cover.String
		animals = append(animals, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating animal rows: %w", err)
	}
	return animals, nil
}

// AppendMatchHistory records one matching request outcome for the user.
func (d *Database) AppendMatchHistory(ctx context.Context, userID, queryType string, matches []models.Match) error {
	doc, err := json.Marshal(matches)
	if err != nil {
		return fmt.Errorf("failed to marshal match history: %w", err)
	}

	query := `INSERT INTO match_history (id, user_id, query_type, matches) VALUES (?, ?, ?, ?)`
	if _, err := d.db.ExecContext(ctx, query, uuid.NewString(), userID, queryType, string(doc)); err != nil {
		return fmt.Errorf("failed to insert match history for user %s: %w", userID, err)
	}
	return nil
}
