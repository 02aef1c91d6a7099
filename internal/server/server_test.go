package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"custodyline/internal/anchor"
	"custodyline/internal/domain"
	"custodyline/internal/engine"
	"custodyline/internal/fingerprint"
	"custodyline/internal/logging"
	"custodyline/internal/metrics"
	"custodyline/internal/store"
	"custodyline/internal/verify"
)

type testServer struct {
	URL        string
	Dispatcher *anchor.Dispatcher
	client     *http.Client
	close      func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, anchoring bool) (*testServer, func()) {
	t.Helper()
	st := store.NewMemory()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	logger := logging.Discard()

	e := engine.New(st)
	e.Logger = logger
	e.Metrics = m
	var disp *anchor.Dispatcher
	if anchoring {
		gw := anchor.NewSimulated()
		disp = anchor.NewDispatcher(st, gw, anchor.DispatcherOptions{Logger: logger, Metrics: m})
		e.Dispatcher = disp
		e.Verifier = verify.New(st, verify.Options{Gateway: gw, Logger: logger, Metrics: m})
	}
	seed(t, e)

	handler, err := New(Config{Engine: e, BasePath: "/v0", Registry: reg})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:        "http://" + ln.Addr().String(),
		Dispatcher: disp,
		client:     &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			if disp != nil {
				disp.Close()
			}
			st.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func seed(t *testing.T, e engine.Engine) {
	t.Helper()
	ctx := context.Background()
	for _, p := range []engine.PartyCreateOptions{
		{ID: "p-1", Name: "Kolwezi Mining", Type: domain.PartyMineOperator, Country: "CD"},
		{ID: "p-2", Name: "Lakes Haulage", Type: domain.PartyTransporter, Country: "TZ"},
	} {
		if _, err := e.CreateParty(ctx, p); err != nil {
			t.Fatalf("seed party %s: %v", p.ID, err)
		}
	}
	if _, err := e.CreateFacility(ctx, engine.FacilityCreateOptions{
		ID: "f-1", Name: "Pit 3", Type: domain.FacilityMine, OwnerPartyID: "p-1", Country: "CD",
	}); err != nil {
		t.Fatalf("seed facility: %v", err)
	}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal %T: %v: %s", out, err, string(data))
	}
	return out
}

func expectStatus(t *testing.T, res *http.Response, data []byte, want int) {
	t.Helper()
	if res.StatusCode != want {
		t.Fatalf("status %d, want %d: %s", res.StatusCode, want, string(data))
	}
}

func expectErrorCode(t *testing.T, data []byte, want string) apiErrorBody {
	t.Helper()
	env := decode[struct {
		Error apiErrorBody `json:"error"`
	}](t, data)
	if env.Error.Code != want {
		t.Fatalf("error code %q, want %q: %s", env.Error.Code, want, string(data))
	}
	return env.Error
}

func createBatch(t *testing.T, srv *testServer, id string) domain.Batch {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/batches", map[string]any{
		"id":                 id,
		"external_reference": "EXT-" + id,
		"commodity_type":     "cobalt hydroxide",
		"origin_facility_id": "f-1",
		"owner_party_id":     "p-1",
		"quantity":           map[string]any{"weight": "25.5", "unit": "kg"},
		"occurred_at":        "2024-05-01T08:00:00Z",
	}, nil)
	expectStatus(t, res, data, http.StatusCreated)
	return decode[domain.Batch](t, data)
}

func TestCustodyFlowVerifies(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	client := srv.Client()

	b := createBatch(t, srv, "b-1")
	if b.Status != domain.StatusCreated || len(b.EventIDs) != 1 || b.Fingerprint == "" {
		t.Fatalf("unexpected batch: %+v", b)
	}
	if b.Quantity.Weight.String() != "25.5" {
		t.Fatalf("weight %s", b.Quantity.Weight)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/batches/b-1/events", map[string]any{
		"type":        "Ship",
		"to_party_id": "p-2",
		"occurred_at": "2024-05-01T09:00:00Z",
	}, nil)
	expectStatus(t, res, data, http.StatusCreated)
	ship := decode[domain.Event](t, data)
	if ship.Sequence != 2 || ship.FromPartyID == nil || *ship.FromPartyID != "p-1" {
		t.Fatalf("unexpected ship event: %+v", ship)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/batches/b-1/events", map[string]any{
		"type":           "Receive",
		"to_party_id":    "p-2",
		"to_facility_id": "f-1",
		"occurred_at":    "2024-05-01T10:00:00Z",
	}, nil)
	expectStatus(t, res, data, http.StatusCreated)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/batches/b-1/events", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	events := decode[eventList](t, data)
	if len(events.Items) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events.Items))
	}
	for i, ev := range events.Items {
		if ev.Sequence != int64(i+1) {
			t.Fatalf("event %d has sequence %d", i, ev.Sequence)
		}
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/batches/b-1", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	if got := decode[domain.Batch](t, data); got.Status != domain.StatusReceived || got.OwnerPartyID != "p-2" {
		t.Fatalf("unexpected batch after receive: %+v", got)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/batches/b-1/verify", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	report := decode[verifyResponse](t, data)
	if !report.OverallValid || !report.BatchFingerprintValid || report.EventCount != 3 || report.MismatchCount != 0 {
		t.Fatalf("unexpected report: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events/"+ship.ID, nil, nil)
	expectStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/batches/b-1/close", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	if got := decode[domain.Batch](t, data); got.Status != domain.StatusClosed {
		t.Fatalf("expected closed, got %s", got.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/batches?external_reference=EXT-b-1", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	if got := decode[batchList](t, data); len(got.Items) != 1 || got.Items[0].ID != "b-1" {
		t.Fatalf("lookup by reference: %s", string(data))
	}
}

func TestInvalidTransitionIsConflict(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	createBatch(t, srv, "b-1")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/batches/b-1/events", map[string]any{
		"type":        "Receive",
		"to_party_id": "p-2",
	}, nil)
	expectStatus(t, res, data, http.StatusConflict)
	body := expectErrorCode(t, data, "invalid_transition")
	if body.Details["from"] != string(domain.StatusCreated) {
		t.Fatalf("unexpected details: %v", body.Details)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/batches/b-1/events", map[string]any{
		"type":        "Ship",
		"to_party_id": "p-2",
	}, nil)
	expectStatus(t, res, data, http.StatusCreated)
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/batches/b-1/close", nil, nil)
	expectStatus(t, res, data, http.StatusConflict)
	body = expectErrorCode(t, data, "invalid_transition")
	if body.Details["from"] != string(domain.StatusInTransit) {
		t.Fatalf("unexpected details: %v", body.Details)
	}
}

func TestNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	for _, path := range []string{"/v0/batches/missing", "/v0/parties/missing", "/v0/events/missing", "/v0/batches/missing/verify"} {
		res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+path, nil, nil)
		expectStatus(t, res, data, http.StatusNotFound)
		expectErrorCode(t, data, "not_found")
	}
}

func TestValidationErrors(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/batches", map[string]any{
		"external_reference": "EXT-9",
		"commodity_type":     "tin",
		"origin_facility_id": "f-1",
		"owner_party_id":     "p-1",
		"quantity":           map[string]any{"weight": "-3", "unit": "kg"},
	}, nil)
	expectStatus(t, res, data, http.StatusUnprocessableEntity)
	body := expectErrorCode(t, data, "validation_failed")
	if _, ok := body.Details["fields"]; !ok {
		t.Fatalf("expected field details: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/batches", map[string]any{
		"external_reference": "EXT-9",
		"commodity_type":     "tin",
		"origin_facility_id": "f-1",
		"owner_party_id":     "p-1",
		"quantity":           map[string]any{"weight": "lots", "unit": "kg"},
	}, nil)
	expectStatus(t, res, data, http.StatusUnprocessableEntity)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/parties", map[string]any{
		"name": "No Type",
	}, nil)
	expectStatus(t, res, data, http.StatusBadRequest)
	expectErrorCode(t, data, "bad_request")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/parties", map[string]any{
		"id": "p-1", "name": "Again", "type": "Buyer", "country": "BE",
	}, nil)
	expectStatus(t, res, data, http.StatusConflict)
	expectErrorCode(t, data, "conflict")
}

func TestPartyContactAndDocuments(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPatch, srv.URL+"/v0/parties/p-2/contact", map[string]any{
		"name": "Dispatch desk", "email": "desk@example.com",
	}, nil)
	expectStatus(t, res, data, http.StatusOK)
	if p := decode[domain.Party](t, data); p.Contact == nil || p.Contact.Email != "desk@example.com" {
		t.Fatalf("contact not set: %s", string(data))
	}

	content := []byte("bill of lading 42")
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/documents", map[string]any{
		"id": "d-1", "type": "BillOfLading", "file_name": "bol.pdf", "content": content,
	}, nil)
	expectStatus(t, res, data, http.StatusCreated)
	doc := decode[domain.Document](t, data)
	if doc.Fingerprint != fingerprint.OfBytes(content).Hex() || doc.Confidentiality != "internal" {
		t.Fatalf("unexpected document: %+v", doc)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/documents/d-1/verify", map[string]any{"content": content}, nil)
	expectStatus(t, res, data, http.StatusOK)
	if r := decode[verify.DocumentReport](t, data); !r.Match {
		t.Fatalf("expected match: %s", string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/documents/d-1/verify", map[string]any{"content": []byte("forged")}, nil)
	expectStatus(t, res, data, http.StatusOK)
	if r := decode[verify.DocumentReport](t, data); r.Match {
		t.Fatalf("expected mismatch: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/documents", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	if got := decode[documentList](t, data); len(got.Items) != 1 {
		t.Fatalf("expected one document: %s", string(data))
	}
}

func TestComputeFingerprint(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/fingerprints",
		`{"record":{"zeta":1,"alpha":"x","mid":[true,false]}}`, nil)
	expectStatus(t, res, data, http.StatusOK)
	got := decode[FingerprintResponse](t, data)
	if got.Canonical != `{"alpha":"x","mid":[true,false],"zeta":1}` {
		t.Fatalf("canonical %s", got.Canonical)
	}
	want, err := fingerprint.Of(map[string]any{"zeta": 1, "alpha": "x", "mid": []any{true, false}})
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if got.Fingerprint != want.Hex() || got.Display != "sha256:"+want.Hex() || got.Version != "1" {
		t.Fatalf("unexpected fingerprint: %+v", got)
	}

	start := time.Now()
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/fingerprints", `{"record":{"n":1e-50000000}}`, nil)
	expectStatus(t, res, data, http.StatusBadRequest)
	expectErrorCode(t, data, "encoding_error")
	if took := time.Since(start); took > 5*time.Second {
		t.Fatalf("oversized number took %s", took)
	}
}

func TestAnchorEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	createBatch(t, srv, "b-1")
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/batches/b-1/anchor", nil, nil)
	expectStatus(t, res, data, http.StatusConflict)
	expectErrorCode(t, data, "anchoring_disabled")
	cleanup()

	srv, cleanup = newTestServer(t, true)
	defer cleanup()
	client := srv.Client()
	createBatch(t, srv, "b-1")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/batches/b-1/anchor", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	if got := decode[anchorResponse](t, data); got.Record.SubjectKind != domain.SubjectBatch || got.Record.Gateway != "simulated" {
		t.Fatalf("unexpected anchor: %s", string(data))
	}
	srv.Dispatcher.Wait()

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/anchors/b-1", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	got := decode[anchorResponse](t, data)
	if got.Record.Status != domain.AnchorConfirmed || !got.Record.Simulated || len(got.Attempts) == 0 {
		t.Fatalf("unexpected anchor after wait: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/anchors/reconcile", nil, nil)
	expectStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/batches/b-1/verify", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	if report := decode[verifyResponse](t, data); !report.OverallValid || len(report.Anchors) == 0 {
		t.Fatalf("unexpected report: %s", string(data))
	}
}

func TestOpenAPIAndMetrics(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	createBatch(t, srv, "b-1")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	var oas struct {
		Paths map[string]map[string]any `json:"paths"`
	}
	if err := json.Unmarshal(data, &oas); err != nil {
		t.Fatalf("unmarshal openapi: %v", err)
	}
	for _, p := range []string{"/v0/batches", "/v0/batches/{batch_id}/events", "/v0/fingerprints"} {
		if _, ok := oas.Paths[p]; !ok {
			t.Fatalf("openapi missing %s", p)
		}
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
	if !strings.Contains(string(data), `custodyline_custody_events_appended_total{type="Create"} 1`) {
		t.Fatalf("metrics missing create counter:\n%s", string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/docs", nil, nil)
	expectStatus(t, res, data, http.StatusOK)
}
