package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jknair0/beforeeach"
)

var (
	db   *sql.DB
	mock sqlmock.Sqlmock
)

func setUp() {
	db, mock, _ = sqlmock.New()
}

func tearDown() {
	db.Close()
}

var it = beforeeach.Create(setUp, tearDown)

func claimColumns() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"risk_processing", "risk_claimed_at", "risk_error", "risk_created_at"})
}

func TestTryClaimAcquiresFreshCase(t *testing.T) {
	it(func() {
		d := NewWithDB(db)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT risk_processing, risk_claimed_at, risk_error, risk_created_at").
			WithArgs("case-1").
			WillReturnRows(claimColumns().AddRow(false, nil, nil, nil))
		mock.ExpectExec("UPDATE cases").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		if err := d.TryClaim(context.Background(), "case-1", "gemini-2.0-flash", 15*time.Minute); err != nil {
			t.Fatalf("TryClaim failed: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
}

func TestTryClaimTerminalStates(t *testing.T) {
	it(func() {
		d := NewWithDB(db)
		now := time.Now()

		testCases := []struct {
			name string
			rows *sqlmock.Rows
		}{
			{
				name: "already completed",
				rows: claimColumns().AddRow(false, now, nil, now),
			},
			{
				name: "already failed",
				rows: claimColumns().AddRow(false, now, "model call failed", nil),
			},
			{
				name: "fresh claim in progress",
				rows: claimColumns().AddRow(true, now.Add(-time.Minute), nil, nil),
			},
		}

		for _, tc := range testCases {
			mock.ExpectBegin()
			mock.ExpectQuery("SELECT risk_processing, risk_claimed_at, risk_error, risk_created_at").
				WithArgs("case-1").
				WillReturnRows(tc.rows)
			mock.ExpectRollback()

			err := d.TryClaim(context.Background(), "case-1", "gemini-2.0-flash", 15*time.Minute)
			if !errors.Is(err, ErrAlreadyClaimed) {
				t.Errorf("%s: got %v, want ErrAlreadyClaimed", tc.name, err)
			}
		}

		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
}

func TestTryClaimReclaimsStaleClaim(t *testing.T) {
	it(func() {
		d := NewWithDB(db)
		staleClaim := time.Now().Add(-time.Hour)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT risk_processing, risk_claimed_at, risk_error, risk_created_at").
			WithArgs("case-1").
			WillReturnRows(claimColumns().AddRow(true, staleClaim, nil, nil))
		mock.ExpectExec("UPDATE cases").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		if err := d.TryClaim(context.Background(), "case-1", "gemini-2.0-flash", 15*time.Minute); err != nil {
			t.Fatalf("expected stale claim to be reclaimed, got %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
}

func TestTryClaimZeroTTLNeverReclaims(t *testing.T) {
	it(func() {
		d := NewWithDB(db)
		staleClaim := time.Now().Add(-24 * time.Hour)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT risk_processing, risk_claimed_at, risk_error, risk_created_at").
			WithArgs("case-1").
			WillReturnRows(claimColumns().AddRow(true, staleClaim, nil, nil))
		mock.ExpectRollback()

		err := d.TryClaim(context.Background(), "case-1", "gemini-2.0-flash", 0)
		if !errors.Is(err, ErrAlreadyClaimed) {
			t.Errorf("got %v, want ErrAlreadyClaimed with expiry disabled", err)
		}
	})
}

func TestTryClaimCaseNotFound(t *testing.T) {
	it(func() {
		d := NewWithDB(db)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT risk_processing, risk_claimed_at, risk_error, risk_created_at").
			WithArgs("missing").
			WillReturnRows(claimColumns())
		mock.ExpectRollback()

		err := d.TryClaim(context.Background(), "missing", "gemini-2.0-flash", 15*time.Minute)
		if !errors.Is(err, ErrCaseNotFound) {
			t.Errorf("got %v, want ErrCaseNotFound", err)
		}
	})
}

func TestClearRisk(t *testing.T) {
	it(func() {
		d := NewWithDB(db)

		mock.ExpectExec("UPDATE cases").
			WithArgs("case-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		if err := d.ClearRisk(context.Background(), "case-1"); err != nil {
			t.Fatalf("ClearRisk failed: %v", err)
		}

		mock.ExpectExec("UPDATE cases").
			WithArgs("missing").
			WillReturnResult(sqlmock.NewResult(0, 0))

		if err := d.ClearRisk(context.Background(), "missing"); !errors.Is(err, ErrCaseNotFound) {
			t.Errorf("got %v, want ErrCaseNotFound", err)
		}
	})
}
