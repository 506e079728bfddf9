package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestSaveAndAcknowledgeAlert(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	o := createTestOrder(t, db, "S-0100", "PID-9", "GLU")
	r := createTestResult(t, db, o, "GLU", "150", time.Now())

	a := &DeltaAlert{
		ID:            uuid.NewString(),
		ResultID:      r.ID,
		PatientID:     "PID-9",
		TestCode:      "GLU",
		CurrentValue:  150,
		PreviousValue: 120,
		PreviousAt:    time.Now().Add(-24 * time.Hour).Unix(),
		PercentChange: 25,
	}
	if err := db.SaveAlert(ctx, a); err != nil {
		t.Fatalf("SaveAlert failed: %v", err)
	}

	open, err := db.ListUnacknowledgedAlerts(ctx)
	if err != nil {
		t.Fatalf("ListUnacknowledgedAlerts failed: %v", err)
	}
	if len(open) != 1 || open[0].ID != a.ID {
		t.Fatalf("open alerts = %v", open)
	}

	if err := db.AcknowledgeAlert(ctx, a.ID, "dr-lee"); err != nil {
		t.Fatalf("AcknowledgeAlert failed: %v", err)
	}

	// acknowledgment releases the gated result
	got, err := db.GetResult(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetResult failed: %v", err)
	}
	if !got.Released {
		t.Error("result not released after acknowledgment")
	}

	open, _ = db.ListUnacknowledgedAlerts(ctx)
	if len(open) != 0 {
		t.Errorf("open alerts after ack = %v, want none", open)
	}
}

func TestAcknowledgeAlertIsOneWay(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	o := createTestOrder(t, db, "S-0101", "PID-10", "K")
	r := createTestResult(t, db, o, "K", "6.0", time.Now())

	a := &DeltaAlert{
		ID: uuid.NewString(), ResultID: r.ID, PatientID: "PID-10",
		TestCode: "K", CurrentValue: 6.0, PreviousValue: 4.0, PercentChange: 50,
	}
	if err := db.SaveAlert(ctx, a); err != nil {
		t.Fatalf("SaveAlert failed: %v", err)
	}

	if err := db.AcknowledgeAlert(ctx, a.ID, "dr-lee"); err != nil {
		t.Fatalf("first ack failed: %v", err)
	}
	if err := db.AcknowledgeAlert(ctx, a.ID, "dr-wu"); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("second ack error = %v, want ErrAlreadyResolved", err)
	}
}

func TestAcknowledgeUnknownAlert(t *testing.T) {
	db := newTestDB(t)
	err := db.AcknowledgeAlert(context.Background(), "no-such-alert", "dr-lee")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}
