package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/meridian-lims/lablink/internal/db"
	"github.com/meridian-lims/lablink/internal/ingest"
	"github.com/meridian-lims/lablink/internal/notify"
	"github.com/meridian-lims/lablink/internal/testutil"
)

// fakeManager satisfies ConnectionManager without opening real links.
type fakeManager struct {
	statuses     []ingest.ConnectionStatus
	connectErr   error
	lastDriverID string
	disconnected []string
	sent         map[string][]byte
}

func (f *fakeManager) Connect(driverID string) (string, error) {
	if f.connectErr != nil {
		return "", f.connectErr
	}
	f.lastDriverID = driverID
	return "conn-1", nil
}

func (f *fakeManager) DisconnectOne(connID string) error {
	f.disconnected = append(f.disconnected, connID)
	return nil
}

func (f *fakeManager) Statuses() []ingest.ConnectionStatus { return f.statuses }

func (f *fakeManager) Send(connID string, data []byte) error {
	if f.sent == nil {
		f.sent = map[string][]byte{}
	}
	f.sent[connID] = data
	return nil
}

func newTestServer(t *testing.T) (*Server, *fakeManager, *db.DB) {
	t.Helper()
	database, err := db.NewDB(filepath.Join(t.TempDir(), "api_test.db"))
	testutil.AssertNoError(t, err)
	t.Cleanup(func() { database.Close() })

	n := notify.NewNotifier()
	t.Cleanup(n.Close)

	m := &fakeManager{}
	return NewServer(m, database, n), m, database
}

func postForm(t *testing.T, srv *Server, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := testutil.NewTestRecorder()
	srv.ServeMux().ServeHTTP(rec, req)
	return rec
}

func TestListConnections(t *testing.T) {
	srv, m, _ := newTestServer(t)
	m.statuses = []ingest.ConnectionStatus{
		{ID: "conn-1", DriverID: "analyzer-1", State: ingest.StateConnected},
	}

	rec := testutil.NewTestRecorder()
	srv.ServeMux().ServeHTTP(rec, testutil.NewTestRequest(http.MethodGet, "/api/connections"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var got []ingest.ConnectionStatus
	testutil.DecodeJSON(t, rec, &got)
	if len(got) != 1 || got[0].ID != "conn-1" {
		t.Errorf("unexpected statuses: %+v", got)
	}
}

func TestConnectRequiresDriverID(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := postForm(t, srv, "/api/connections/connect", url.Values{})
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
}

func TestConnectAndDisconnect(t *testing.T) {
	srv, m, _ := newTestServer(t)

	rec := postForm(t, srv, "/api/connections/connect", url.Values{"driver_id": {"analyzer-1"}})
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	if m.lastDriverID != "analyzer-1" {
		t.Errorf("connect driver = %q, want analyzer-1", m.lastDriverID)
	}

	var resp map[string]string
	testutil.DecodeJSON(t, rec, &resp)
	if resp["connection_id"] != "conn-1" {
		t.Errorf("connection_id = %q", resp["connection_id"])
	}

	rec = postForm(t, srv, "/api/connections/disconnect", url.Values{"id": {"conn-1"}})
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	if len(m.disconnected) != 1 || m.disconnected[0] != "conn-1" {
		t.Errorf("disconnected = %v", m.disconnected)
	}
}

func TestConnectFailurePropagates(t *testing.T) {
	srv, m, _ := newTestServer(t)
	m.connectErr = fmt.Errorf("no such driver")

	rec := postForm(t, srv, "/api/connections/connect", url.Values{"driver_id": {"nope"}})
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
}

func TestSendCommand(t *testing.T) {
	srv, m, _ := newTestServer(t)

	rec := postForm(t, srv, "/api/connections/send",
		url.Values{"id": {"conn-1"}, "command": {"\x05"}})
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	if string(m.sent["conn-1"]) != "\x05" {
		t.Errorf("sent = %q", m.sent["conn-1"])
	}
}

func TestUnmatchedLifecycleOverHTTP(t *testing.T) {
	srv, _, database := newTestServer(t)
	ctx := context.Background()

	u, err := database.AddUnmatched(ctx, "conn-1", "R|1|^^^GLU|105", db.ReasonUnknownSample)
	testutil.AssertNoError(t, err)

	rec := testutil.NewTestRecorder()
	srv.ServeMux().ServeHTTP(rec, testutil.NewTestRequest(http.MethodGet, "/api/unmatched?page=1&page_size=10"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var rows []db.UnmatchedData
	testutil.DecodeJSON(t, rec, &rows)
	if len(rows) != 1 || rows[0].ID != u.ID {
		t.Fatalf("unexpected unmatched rows: %+v", rows)
	}

	rec = postForm(t, srv, "/api/unmatched/claim",
		url.Values{"id": {u.ID}, "sample_id": {"S-0042"}, "user_id": {"tech-7"}})
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	// resolving twice loses the race and reports conflict
	rec = postForm(t, srv, "/api/unmatched/discard",
		url.Values{"id": {u.ID}, "reason": {"noise"}})
	testutil.AssertStatusCode(t, rec.Code, http.StatusConflict)
}

func TestDiscardUnknownUnmatched(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := postForm(t, srv, "/api/unmatched/discard",
		url.Values{"id": {"missing"}, "reason": {"noise"}})
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)
}

func TestAlertListAndAck(t *testing.T) {
	srv, _, database := newTestServer(t)
	ctx := context.Background()

	order := &db.Order{ID: "ord-1", SampleID: "S-0042", PatientID: "pat-1"}
	testutil.AssertNoError(t, database.CreateOrder(ctx, order))
	result := &db.LabResult{
		ID: "res-1", OrderID: "ord-1", PatientID: "pat-1", TestCode: "GLU",
		Value: "150", Unit: "mg/dL", InstrumentTS: time.Now(),
		ConnectionID: "conn-1", Fingerprint: "fp-1",
	}
	testutil.AssertNoError(t, database.SaveResult(ctx, result))
	alert := &db.DeltaAlert{
		ResultID: "res-1", PatientID: "pat-1", TestCode: "GLU",
		CurrentValue: 150, PreviousValue: 100, PercentChange: 50,
	}
	testutil.AssertNoError(t, database.SaveAlert(ctx, alert))

	rec := testutil.NewTestRecorder()
	srv.ServeMux().ServeHTTP(rec, testutil.NewTestRequest(http.MethodGet, "/api/alerts"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var alerts []db.DeltaAlert
	testutil.DecodeJSON(t, rec, &alerts)
	if len(alerts) != 1 {
		t.Fatalf("alerts = %+v", alerts)
	}

	rec = postForm(t, srv, "/api/alerts/ack",
		url.Values{"id": {alerts[0].ID}, "user_id": {"tech-7"}})
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	// acknowledging releases the gated result
	released, err := database.GetResult(ctx, "res-1")
	testutil.AssertNoError(t, err)
	if !released.Released {
		t.Error("result not released after acknowledgement")
	}

	rec = postForm(t, srv, "/api/alerts/ack",
		url.Values{"id": {alerts[0].ID}, "user_id": {"tech-7"}})
	testutil.AssertStatusCode(t, rec.Code, http.StatusConflict)
}

func TestCreateOrderValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/orders", strings.NewReader(`{"id":""}`))
	req.Header.Set("Content-Type", "application/json")
	rec := testutil.NewTestRecorder()
	srv.ServeMux().ServeHTTP(rec, req)
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
}

func TestCreateOrderAndDriverRoundTrip(t *testing.T) {
	srv, _, database := newTestServer(t)

	body := `{"id":"ord-1","sample_id":"S-0042","patient_id":"pat-1","panel":["GLU","K"]}`
	req := httptest.NewRequest(http.MethodPost, "/api/orders", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := testutil.NewTestRecorder()
	srv.ServeMux().ServeHTTP(rec, req)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	order, err := database.FindPendingOrder(context.Background(), "S-0042")
	testutil.AssertNoError(t, err)
	if order == nil || order.ID != "ord-1" {
		t.Fatalf("order not persisted: %+v", order)
	}

	driverBody := `{"id":"analyzer-1","name":"Bench","transport":"tcp",
		"tcp":{"host":"127.0.0.1","port":3001},"enabled":true}`
	req = httptest.NewRequest(http.MethodPost, "/api/drivers", strings.NewReader(driverBody))
	req.Header.Set("Content-Type", "application/json")
	rec = testutil.NewTestRecorder()
	srv.ServeMux().ServeHTTP(rec, req)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	rec = testutil.NewTestRecorder()
	srv.ServeMux().ServeHTTP(rec, testutil.NewTestRequest(http.MethodGet, "/api/drivers"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := testutil.NewTestRecorder()
	srv.ServeMux().ServeHTTP(rec, testutil.NewTestRequest(http.MethodGet, "/api/connections/connect"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusMethodNotAllowed)

	rec = testutil.NewTestRecorder()
	srv.ServeMux().ServeHTTP(rec, testutil.NewTestRequest(http.MethodDelete, "/api/unmatched"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusMethodNotAllowed)
}
