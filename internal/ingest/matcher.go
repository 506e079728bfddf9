package ingest

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-lims/lablink/internal/db"
	"github.com/meridian-lims/lablink/internal/monitoring"
	"github.com/meridian-lims/lablink/internal/notify"
	"github.com/meridian-lims/lablink/internal/parse"
)

// ResultStore is the slice of the database the matcher needs. *db.DB
// satisfies it.
type ResultStore interface {
	FindPendingOrder(ctx context.Context, identifier string) (*db.Order, error)
	SaveResult(ctx context.Context, r *db.LabResult) error
	LatestPriorResult(ctx context.Context, patientID, testCode string, before time.Time) (*db.LabResult, error)
	MarkResultReleased(ctx context.Context, id string) error
	AddUnmatched(ctx context.Context, connectionID, payload, reason string) (*db.UnmatchedData, error)
	SaveAlert(ctx context.Context, a *db.DeltaAlert) error
}

// Matcher joins instrument results to pending orders, deduplicates repeats,
// runs the delta check, and quarantines anything it cannot place. It is the
// sole consumer of the manager's results queue, so matching for any one
// connection happens in arrival order.
type Matcher struct {
	store    ResultStore
	delta    *DeltaChecker
	notifier *notify.Notifier
}

// NewMatcher wires a matcher to its store, delta checker, and event
// notifier. notifier may be nil.
func NewMatcher(store ResultStore, delta *DeltaChecker, notifier *notify.Notifier) *Matcher {
	return &Matcher{store: store, delta: delta, notifier: notifier}
}

// Run consumes results until the channel closes or ctx is cancelled.
// Individual match failures are logged and skipped; they never stop the
// loop.
func (m *Matcher) Run(ctx context.Context, results <-chan parse.Result) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-results:
			if !ok {
				return
			}
			if err := m.Match(ctx, r); err != nil {
				monitoring.Logf("matcher: failed to process result from %s: %v", r.ConnectionID, err)
			}
		}
	}
}

// Match processes one parsed result end to end.
func (m *Matcher) Match(ctx context.Context, r parse.Result) error {
	identifier := r.SampleID
	if identifier == "" {
		identifier = r.Accession
	}
	if identifier == "" {
		return m.quarantine(ctx, r, db.ReasonNoIdentifier)
	}

	order, err := m.store.FindPendingOrder(ctx, identifier)
	if err != nil {
		return err
	}
	if order == nil {
		return m.quarantine(ctx, r, db.ReasonUnknownSample)
	}
	if !order.ExpectsTest(r.TestCode) {
		return m.quarantine(ctx, r, db.ReasonUnexpectedTest)
	}

	result := &db.LabResult{
		ID:           uuid.NewString(),
		OrderID:      order.ID,
		PatientID:    order.PatientID,
		TestCode:     r.TestCode,
		Value:        r.Value,
		Unit:         r.Unit,
		InstrumentTS: r.Timestamp,
		ConnectionID: r.ConnectionID,
		Fingerprint:  Fingerprint(identifier, r.TestCode, r.Timestamp),
	}

	// prior must be read before the insert or the new row would shadow it
	prior, err := m.store.LatestPriorResult(ctx, order.PatientID, r.TestCode, r.Timestamp)
	if err != nil {
		return err
	}

	err = m.store.SaveResult(ctx, result)
	if errors.Is(err, db.ErrDuplicateResult) {
		monitoring.Logf("matcher: dropping duplicate result %s/%s from %s",
			identifier, r.TestCode, r.ConnectionID)
		return nil
	}
	if err != nil {
		return err
	}

	if m.delta != nil {
		if alert := m.delta.Evaluate(result, prior); alert != nil {
			if err := m.store.SaveAlert(ctx, alert); err != nil {
				return err
			}
			monitoring.Logf("matcher: delta alert on %s/%s: %.1f%% change",
				order.PatientID, r.TestCode, alert.PercentChange)
			m.publish(notify.EventDelta, alert)
			m.publish(notify.EventResult, result)
			return nil
		}
	}

	if err := m.store.MarkResultReleased(ctx, result.ID); err != nil {
		return err
	}
	result.Released = true
	m.publish(notify.EventResult, result)
	return nil
}

func (m *Matcher) quarantine(ctx context.Context, r parse.Result, reason string) error {
	u, err := m.store.AddUnmatched(ctx, r.ConnectionID, r.Raw, reason)
	if err != nil {
		return err
	}
	monitoring.Logf("matcher: quarantined data from %s (%s)", r.ConnectionID, reason)
	m.publish(notify.EventUnmatched, u)
	return nil
}

func (m *Matcher) publish(kind string, payload any) {
	if m.notifier != nil {
		m.notifier.Publish(kind, payload)
	}
}

// Fingerprint identifies a result for dedupe purposes: same sample, same
// test, same instrument timestamp means the same physical measurement no
// matter how many times the instrument retransmits it.
func Fingerprint(identifier, testCode string, ts time.Time) string {
	h := sha1.Sum([]byte(fmt.Sprintf("%s|%s|%s", identifier, testCode, ts.UTC().Format(time.RFC3339))))
	return fmt.Sprintf("%x", h)
}
