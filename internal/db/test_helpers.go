package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

// newTestDB opens a migrated database in a per-test temp directory.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "lab_test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// createTestOrder inserts a pending order for the given sample with the given
// panel.
func createTestOrder(t *testing.T, db *DB, sampleID, patientID string, panel ...string) *Order {
	t.Helper()
	o := &Order{
		ID:        uuid.NewString(),
		SampleID:  sampleID,
		Accession: "ACC-" + sampleID,
		PatientID: patientID,
		Panel:     panel,
	}
	if err := db.CreateOrder(context.Background(), o); err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	return o
}

// createTestResult persists a result for the order with a distinct
// fingerprint.
func createTestResult(t *testing.T, db *DB, o *Order, testCode, value string, ts time.Time) *LabResult {
	t.Helper()
	r := &LabResult{
		ID:           uuid.NewString(),
		OrderID:      o.ID,
		PatientID:    o.PatientID,
		TestCode:     testCode,
		Value:        value,
		InstrumentTS: ts,
		Fingerprint:  uuid.NewString(),
	}
	if err := db.SaveResult(context.Background(), r); err != nil {
		t.Fatalf("SaveResult failed: %v", err)
	}
	return r
}
