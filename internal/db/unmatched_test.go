package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestAddAndListUnmatched(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := db.AddUnmatched(ctx, "conn-1", fmt.Sprintf("payload-%d", i), ReasonUnknownSample); err != nil {
			t.Fatalf("AddUnmatched failed: %v", err)
		}
	}

	rows, err := db.ListUnmatched(ctx, 1, 3)
	if err != nil {
		t.Fatalf("ListUnmatched failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("page 1 len = %d, want 3", len(rows))
	}
	for _, u := range rows {
		if u.Status != UnmatchedPending {
			t.Errorf("status = %q, want pending", u.Status)
		}
	}

	rest, err := db.ListUnmatched(ctx, 2, 3)
	if err != nil {
		t.Fatalf("ListUnmatched page 2 failed: %v", err)
	}
	if len(rest) != 2 {
		t.Errorf("page 2 len = %d, want 2", len(rest))
	}
}

func TestListUnmatchedNewestFirst(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	first, _ := db.AddUnmatched(ctx, "conn-1", "older", ReasonNoIdentifier)
	// force distinct arrival times without sleeping
	if _, err := db.ExecContext(ctx, `UPDATE unmatched_data SET arrived_at = arrived_at - 60 WHERE id = ?`, first.ID); err != nil {
		t.Fatalf("failed to backdate row: %v", err)
	}
	newer, _ := db.AddUnmatched(ctx, "conn-1", "newer", ReasonNoIdentifier)

	rows, err := db.ListUnmatched(ctx, 1, 10)
	if err != nil {
		t.Fatalf("ListUnmatched failed: %v", err)
	}
	if len(rows) != 2 || rows[0].ID != newer.ID {
		t.Errorf("ordering wrong: got %v", rows)
	}
}

func TestClaimUnmatched(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	u, _ := db.AddUnmatched(ctx, "conn-1", "R|1|^^^GLU|105", ReasonUnknownSample)

	if err := db.ClaimUnmatched(ctx, u.ID, "S-0042", "tech-7"); err != nil {
		t.Fatalf("ClaimUnmatched failed: %v", err)
	}

	rows, _ := db.ListUnmatched(ctx, 1, 10)
	if rows[0].Status != UnmatchedClaimed {
		t.Errorf("status = %q, want claimed", rows[0].Status)
	}
	if rows[0].ClaimedSampleID == nil || *rows[0].ClaimedSampleID != "S-0042" {
		t.Errorf("ClaimedSampleID = %v", rows[0].ClaimedSampleID)
	}
	if rows[0].ResolvedBy == nil || *rows[0].ResolvedBy != "tech-7" {
		t.Errorf("ResolvedBy = %v", rows[0].ResolvedBy)
	}
}

func TestDiscardUnmatched(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	u, _ := db.AddUnmatched(ctx, "conn-1", "garbled", ReasonNoIdentifier)

	if err := db.DiscardUnmatched(ctx, u.ID, "line noise"); err != nil {
		t.Fatalf("DiscardUnmatched failed: %v", err)
	}

	// second resolution of either kind is rejected
	if err := db.DiscardUnmatched(ctx, u.ID, "again"); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("second discard error = %v, want ErrAlreadyResolved", err)
	}
	if err := db.ClaimUnmatched(ctx, u.ID, "S-1", "tech-1"); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("claim after discard error = %v, want ErrAlreadyResolved", err)
	}
}

func TestResolveUnknownRow(t *testing.T) {
	db := newTestDB(t)
	err := db.ClaimUnmatched(context.Background(), "no-such-id", "S-1", "tech-1")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

// Property from the design: concurrent claim and discard on the same row
// yield exactly one success and one ErrAlreadyResolved.
func TestConcurrentClaimAndDiscard(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	u, _ := db.AddUnmatched(ctx, "conn-1", "contested", ReasonUnknownSample)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = db.ClaimUnmatched(ctx, u.ID, "S-0042", "tech-a")
	}()
	go func() {
		defer wg.Done()
		errs[1] = db.DiscardUnmatched(ctx, u.ID, "noise")
	}()
	wg.Wait()

	var successes, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrAlreadyResolved):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if successes != 1 || conflicts != 1 {
		t.Errorf("successes = %d, conflicts = %d; want exactly one of each", successes, conflicts)
	}
}
