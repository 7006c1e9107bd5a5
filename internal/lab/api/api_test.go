package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/labsync/internal/lab/dispatch"
	"github.com/ehr/labsync/internal/lab/parser"
	"github.com/ehr/labsync/internal/lab/processor"
	"github.com/ehr/labsync/internal/lab/results"
	"github.com/ehr/labsync/internal/platform/auth"
	"github.com/ehr/labsync/internal/platform/docstore"
)

const signingKey = "0123456789abcdef0123456789abcdef"

func oru(control string) string {
	return "MSH|^~\\&|LAB|F|EHR|C|20240301||ORU^R01|" + control + "|P|2.3\rPID|1||MRN1\rOBR|1|ORD-" + control + "\rOBX|1|NM|GLU^Glucose||99|mg/dL"
}

type fixture struct {
	e       *echo.Echo
	d       *dispatch.Dispatcher
	results string
}

func setup(t *testing.T, dev bool, sink dispatch.Sink) fixture {
	t.Helper()
	resultsDir, workDir := t.TempDir(), t.TempDir()
	store, err := processor.NewStaticStore(
		processor.Config{
			ID: "lab", Protocol: processor.ProtocolDropBox, ResultsPath: resultsDir, WorkDir: workDir,
			Password: "secret", SendingApp: "EHR", ReceivingApp: "LAB",
		},
		processor.Config{ID: "inhouse", Protocol: processor.ProtocolInternal},
	)
	if err != nil {
		t.Fatal(err)
	}

	docs := docstore.NewInMemoryStore()
	ledger := results.NewInMemoryLedger()
	if sink == nil {
		sink = results.NewSink(docs, ledger, zerolog.Nop())
	}
	d, err := dispatch.New(store, sink, dispatch.Options{PoolSize: 2, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(d.Release)

	e := NewServer(Deps{
		Dispatcher: d,
		Ledger:     ledger,
		Documents:  docs,
		Logger:     zerolog.Nop(),
		Dev:        dev,
		JWT:        auth.JWTConfig{Issuer: "labsync", SigningKey: []byte(signingKey)},
	})
	return fixture{e: e, d: d, results: resultsDir}
}

func (f fixture) do(method, target, body, token string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func (f fixture) drop(t *testing.T, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(f.results, name), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

// ===== Infrastructure =====

func TestHealthAndMetrics(t *testing.T) {
	f := setup(t, true, nil)

	rec := f.do(http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "disabled") {
		t.Errorf("unexpected health response %d %s", rec.Code, rec.Body.String())
	}

	f.drop(t, "r1.hl7", oru("C1"))
	if rec := f.do(http.MethodPost, "/api/v1/processors/lab/cycle", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("cycle: %d %s", rec.Code, rec.Body.String())
	}
	rec = f.do(http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "labsync_cycles_total") {
		t.Errorf("expected cycle metrics, got %d", rec.Code)
	}
}

// ===== Processors =====

func TestListProcessors_HidesPassword(t *testing.T) {
	f := setup(t, true, nil)
	rec := f.do(http.MethodGet, "/api/v1/processors", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "secret") {
		t.Error("password must not be serialized")
	}
	var out []processorView
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 || out[1].ID != "lab" || out[1].Running {
		t.Errorf("unexpected processors %+v", out)
	}
}

func TestRunCycle(t *testing.T) {
	f := setup(t, true, nil)
	f.drop(t, "r1.hl7", oru("C1"))

	rec := f.do(http.MethodPost, "/api/v1/processors/lab/cycle?max=5", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	var report dispatch.CycleReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if report.Stored != 1 || report.Acknowledged != 1 {
		t.Errorf("unexpected report %+v", report)
	}

	rec = f.do(http.MethodGet, "/api/v1/results?processor=lab", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"total":1`) {
		t.Errorf("expected one stored result, got %s", rec.Body.String())
	}
}

func TestRunCycle_Errors(t *testing.T) {
	f := setup(t, true, nil)
	cases := []struct {
		target string
		want   int
	}{
		{"/api/v1/processors/ghost/cycle", http.StatusNotFound},
		{"/api/v1/processors/lab/cycle?max=zero", http.StatusBadRequest},
		{"/api/v1/processors/inhouse/cycle", http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		if rec := f.do(http.MethodPost, tc.target, "", ""); rec.Code != tc.want {
			t.Errorf("%s: expected %d, got %d", tc.target, tc.want, rec.Code)
		}
	}
}

type gateSink struct {
	entered chan struct{}
	release chan struct{}
}

func (s *gateSink) Store(context.Context, *processor.Config, *parser.ResultMessage) (*results.Record, error) {
	s.entered <- struct{}{}
	<-s.release
	return &results.Record{}, nil
}

func TestRunCycle_Conflict(t *testing.T) {
	sink := &gateSink{entered: make(chan struct{}, 1), release: make(chan struct{})}
	f := setup(t, true, sink)
	f.drop(t, "r1.hl7", oru("C1"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.d.RunCycle(context.Background(), "lab", dispatch.CycleOptions{})
	}()
	<-sink.entered

	if rec := f.do(http.MethodPost, "/api/v1/processors/lab/cycle", "", ""); rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}
	close(sink.release)
	<-done
}

func TestReplay(t *testing.T) {
	f := setup(t, true, nil)
	f.drop(t, "r1.hl7", oru("C1"))
	if rec := f.do(http.MethodPost, "/api/v1/processors/lab/cycle", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("cycle: %d", rec.Code)
	}

	today := time.Now().Format(dateLayout)
	rec := f.do(http.MethodGet, "/api/v1/processors/lab/replay?from="+today+"&thru="+today, "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"control_id":"C1"`) {
		t.Errorf("expected replayed message, got %s", rec.Body.String())
	}

	if rec := f.do(http.MethodGet, "/api/v1/processors/lab/replay?from="+today, "", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without thru, got %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/api/v1/processors/lab/replay?from=2024-03-02&thru=2024-03-01", "", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for reversed range, got %d", rec.Code)
	}
}

// ===== Orders =====

const orderBody = `{
	"processor": "lab",
	"order": {
		"control_id": "CTL9",
		"placer_number": "ORD-9",
		"created_at": "2024-03-05T10:15:00Z",
		"items": [{"code": "80053", "text": "CMP"}]
	},
	"patient": {"id": "MRN1", "family": "Doe", "given": "Jane", "sex": "F"}
}`

func TestBuildOrder(t *testing.T) {
	f := setup(t, true, nil)
	rec := f.do(http.MethodPost, "/api/v1/orders/hl7", orderBody, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != docstore.ContentTypeHL7 {
		t.Errorf("unexpected content type %s", ct)
	}
	if !strings.HasPrefix(rec.Body.String(), `MSH|^~\&|EHR||LAB||20240305101500||ORM^O01|CTL9|T|2.3.1`) {
		t.Errorf("unexpected MSH: %q", strings.SplitN(rec.Body.String(), "\r", 2)[0])
	}
	if rec.Header().Get("X-Control-ID") != "CTL9" {
		t.Error("expected control id header")
	}
}

func TestBuildOrder_Invalid(t *testing.T) {
	f := setup(t, true, nil)
	body := strings.Replace(orderBody, `"placer_number": "ORD-9",`, "", 1)
	if rec := f.do(http.MethodPost, "/api/v1/orders/hl7", body, ""); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", rec.Code)
	}
	body = strings.Replace(orderBody, `"processor": "lab"`, `"processor": "ghost"`, 1)
	if rec := f.do(http.MethodPost, "/api/v1/orders/hl7", body, ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

// ===== Auth =====

func TestAuth(t *testing.T) {
	f := setup(t, false, nil)
	cfg := auth.JWTConfig{Issuer: "labsync", SigningKey: []byte(signingKey)}

	if rec := f.do(http.MethodGet, "/api/v1/processors", "", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/health", "", ""); rec.Code != http.StatusOK {
		t.Errorf("health must stay public, got %d", rec.Code)
	}

	reader, err := auth.IssueToken(cfg, "alice", []string{auth.RoleReader}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if rec := f.do(http.MethodGet, "/api/v1/processors", "", reader); rec.Code != http.StatusOK {
		t.Errorf("expected 200 for reader, got %d", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/api/v1/processors/lab/cycle", "", reader); rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for reader running a cycle, got %d", rec.Code)
	}

	ops, _ := auth.IssueToken(cfg, "bob", []string{auth.RoleOps}, time.Hour)
	if rec := f.do(http.MethodPost, "/api/v1/processors/lab/cycle", "", ops); rec.Code != http.StatusOK {
		t.Errorf("expected 200 for ops, got %d", rec.Code)
	}
}
