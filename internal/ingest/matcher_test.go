package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-lims/lablink/internal/db"
	"github.com/meridian-lims/lablink/internal/notify"
	"github.com/meridian-lims/lablink/internal/parse"
)

// fakeResultStore implements ResultStore in memory, recording writes.
type fakeResultStore struct {
	orders       map[string]*db.Order
	fingerprints map[string]bool

	saved     []*db.LabResult
	released  []string
	unmatched []*db.UnmatchedData
	alerts    []*db.DeltaAlert
	prior     *db.LabResult
}

func newFakeResultStore() *fakeResultStore {
	return &fakeResultStore{
		orders:       make(map[string]*db.Order),
		fingerprints: make(map[string]bool),
	}
}

func (s *fakeResultStore) addOrder(o *db.Order) {
	if o.SampleID != "" {
		s.orders[o.SampleID] = o
	}
	if o.Accession != "" {
		s.orders[o.Accession] = o
	}
}

func (s *fakeResultStore) FindPendingOrder(ctx context.Context, identifier string) (*db.Order, error) {
	return s.orders[identifier], nil
}

func (s *fakeResultStore) SaveResult(ctx context.Context, r *db.LabResult) error {
	if s.fingerprints[r.Fingerprint] {
		return db.ErrDuplicateResult
	}
	s.fingerprints[r.Fingerprint] = true
	s.saved = append(s.saved, r)
	return nil
}

func (s *fakeResultStore) LatestPriorResult(ctx context.Context, patientID, testCode string, before time.Time) (*db.LabResult, error) {
	return s.prior, nil
}

func (s *fakeResultStore) MarkResultReleased(ctx context.Context, id string) error {
	s.released = append(s.released, id)
	return nil
}

func (s *fakeResultStore) AddUnmatched(ctx context.Context, connectionID, payload, reason string) (*db.UnmatchedData, error) {
	u := &db.UnmatchedData{
		ID:           uuid.NewString(),
		ConnectionID: connectionID,
		Payload:      payload,
		Reason:       reason,
		Status:       db.UnmatchedPending,
	}
	s.unmatched = append(s.unmatched, u)
	return u, nil
}

func (s *fakeResultStore) SaveAlert(ctx context.Context, a *db.DeltaAlert) error {
	s.alerts = append(s.alerts, a)
	return nil
}

func sampleResult() parse.Result {
	return parse.Result{
		TestCode:     "GLU",
		Value:        "105",
		Unit:         "mg/dL",
		Timestamp:    time.Date(2026, 1, 15, 9, 30, 12, 0, time.UTC),
		SampleID:     "S-0042",
		ConnectionID: "conn-1",
		Raw:          "R|1|^^^GLU|105|mg/dL",
	}
}

func TestMatchPersistsAndReleases(t *testing.T) {
	store := newFakeResultStore()
	store.addOrder(&db.Order{ID: "ord-1", SampleID: "S-0042", PatientID: "pat-1", Panel: []string{"GLU", "K"}})

	m := NewMatcher(store, nil, nil)
	require.NoError(t, m.Match(context.Background(), sampleResult()))

	require.Len(t, store.saved, 1)
	r := store.saved[0]
	assert.Equal(t, "ord-1", r.OrderID)
	assert.Equal(t, "pat-1", r.PatientID)
	assert.Equal(t, "GLU", r.TestCode)
	assert.Equal(t, "conn-1", r.ConnectionID)
	assert.Equal(t, []string{r.ID}, store.released)
	assert.Empty(t, store.unmatched)
}

func TestMatchFallsBackToAccession(t *testing.T) {
	store := newFakeResultStore()
	store.addOrder(&db.Order{ID: "ord-1", Accession: "ACC-9", PatientID: "pat-1"})

	m := NewMatcher(store, nil, nil)
	r := sampleResult()
	r.SampleID = ""
	r.Accession = "ACC-9"
	require.NoError(t, m.Match(context.Background(), r))

	require.Len(t, store.saved, 1)
	assert.Equal(t, "ord-1", store.saved[0].OrderID)
}

func TestMatchQuarantinesWithoutIdentifier(t *testing.T) {
	store := newFakeResultStore()
	m := NewMatcher(store, nil, nil)

	r := sampleResult()
	r.SampleID = ""
	r.Accession = ""
	require.NoError(t, m.Match(context.Background(), r))

	assert.Empty(t, store.saved)
	require.Len(t, store.unmatched, 1)
	assert.Equal(t, db.ReasonNoIdentifier, store.unmatched[0].Reason)
	assert.Equal(t, r.Raw, store.unmatched[0].Payload)
}

func TestMatchQuarantinesUnknownSample(t *testing.T) {
	store := newFakeResultStore()
	m := NewMatcher(store, nil, nil)

	require.NoError(t, m.Match(context.Background(), sampleResult()))

	require.Len(t, store.unmatched, 1)
	assert.Equal(t, db.ReasonUnknownSample, store.unmatched[0].Reason)
}

func TestMatchQuarantinesUnexpectedTest(t *testing.T) {
	store := newFakeResultStore()
	store.addOrder(&db.Order{ID: "ord-1", SampleID: "S-0042", PatientID: "pat-1", Panel: []string{"K", "NA"}})

	m := NewMatcher(store, nil, nil)
	require.NoError(t, m.Match(context.Background(), sampleResult()))

	assert.Empty(t, store.saved)
	require.Len(t, store.unmatched, 1)
	assert.Equal(t, db.ReasonUnexpectedTest, store.unmatched[0].Reason)
}

func TestMatchDropsDuplicateResult(t *testing.T) {
	store := newFakeResultStore()
	store.addOrder(&db.Order{ID: "ord-1", SampleID: "S-0042", PatientID: "pat-1"})

	m := NewMatcher(store, nil, nil)
	require.NoError(t, m.Match(context.Background(), sampleResult()))
	require.NoError(t, m.Match(context.Background(), sampleResult()))

	assert.Len(t, store.saved, 1)
	assert.Len(t, store.released, 1)
	assert.Empty(t, store.unmatched)
}

func TestMatchDeltaAlertHoldsRelease(t *testing.T) {
	store := newFakeResultStore()
	store.addOrder(&db.Order{ID: "ord-1", SampleID: "S-0042", PatientID: "pat-1"})
	store.prior = &db.LabResult{
		ID: "prev", PatientID: "pat-1", TestCode: "GLU", Value: "150",
		InstrumentTS: time.Date(2026, 1, 14, 9, 0, 0, 0, time.UTC),
	}

	m := NewMatcher(store, NewDeltaChecker(20), nil)
	require.NoError(t, m.Match(context.Background(), sampleResult()))

	require.Len(t, store.saved, 1)
	require.Len(t, store.alerts, 1)
	assert.Empty(t, store.released)
	assert.InDelta(t, 30.0, store.alerts[0].PercentChange, 0.01)
	assert.Equal(t, store.saved[0].ID, store.alerts[0].ResultID)
}

func TestMatchPublishesEvents(t *testing.T) {
	store := newFakeResultStore()
	store.addOrder(&db.Order{ID: "ord-1", SampleID: "S-0042", PatientID: "pat-1"})

	n := notify.NewNotifier()
	defer n.Close()
	_, events := n.Subscribe()

	m := NewMatcher(store, nil, n)
	require.NoError(t, m.Match(context.Background(), sampleResult()))

	select {
	case ev := <-events:
		assert.Equal(t, notify.EventResult, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestRunStopsOnChannelClose(t *testing.T) {
	store := newFakeResultStore()
	store.addOrder(&db.Order{ID: "ord-1", SampleID: "S-0042", PatientID: "pat-1"})

	m := NewMatcher(store, nil, nil)
	ch := make(chan parse.Result, 1)
	ch <- sampleResult()
	close(ch)

	done := make(chan struct{})
	go func() {
		m.Run(context.Background(), ch)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after channel close")
	}
	assert.Len(t, store.saved, 1)
}

func TestFingerprintStable(t *testing.T) {
	ts := time.Date(2026, 1, 15, 9, 30, 12, 0, time.UTC)
	a := Fingerprint("S-0042", "GLU", ts)
	b := Fingerprint("S-0042", "GLU", ts.In(time.FixedZone("X", 3600)))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, Fingerprint("S-0042", "K", ts))
}
