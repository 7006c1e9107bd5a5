package retrieval

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/labsync/internal/lab/parser"
	"github.com/ehr/labsync/internal/lab/processor"
	"github.com/ehr/labsync/internal/lab/transport"
	"github.com/ehr/labsync/internal/lab/transport/hub"
)

func oru(control string) string {
	return "MSH|^~\\&|LAB|F|EHR|C|20240301||ORU^R01|" + control + "|P|2.3\rPID|1||MRN1\rOBR|1|ORD-" + control + "\rOBX|1|NM|GLU^Glucose||99|mg/dL"
}

// ---------------------------------------------------------------------------
// Drop box, end to end
// ---------------------------------------------------------------------------

func dropboxEngine(t *testing.T) (*Engine, string, string) {
	t.Helper()
	results, work := t.TempDir(), t.TempDir()
	cfg := &processor.Config{ID: "lab", Protocol: processor.ProtocolDropBox, ResultsPath: results, WorkDir: work}
	e, err := New(cfg, WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e, results, work
}

func put(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestNew_ConfigurationErrors(t *testing.T) {
	calls := 0
	factory := func(cfg *processor.Config, s transport.Settings) (transport.Adapter, error) {
		calls++
		return nil, errors.New("should not be reached")
	}
	cfg := &processor.Config{ID: "lab", Protocol: processor.ProtocolSFTP, Host: "h", Username: "u", ResultsPath: "/r", WorkDir: "/w"}
	if _, err := New(cfg, WithFactory(factory)); !errors.Is(err, transport.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration for missing password, got %v", err)
	}
	if calls != 0 {
		t.Error("adapter must not be built for an invalid record")
	}

	if _, err := New(&processor.Config{ID: "int", Protocol: processor.ProtocolInternal}); !errors.Is(err, transport.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration for internal processor, got %v", err)
	}
}

func TestFetch_ZeroLengthSkipped(t *testing.T) {
	e, results, _ := dropboxEngine(t)
	put(t, results, "empty.hl7", "")
	put(t, results, "r1.hl7", oru("C1"))

	b, err := e.Fetch(context.Background(), 10)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(b.Messages) != 1 || b.Messages[0].ControlID != "C1" {
		t.Fatalf("expected one message, got %+v", b.Messages)
	}
	if _, err := os.Stat(filepath.Join(results, "empty.hl7")); err != nil {
		t.Error("empty file must not be touched")
	}
}

func TestFetch_BatchCap(t *testing.T) {
	e, results, _ := dropboxEngine(t)
	for _, c := range []string{"1", "2", "3", "4", "5"} {
		put(t, results, "r"+c+".hl7", oru("C"+c))
	}
	b, err := e.Fetch(context.Background(), 2)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(b.Messages) != 2 || !b.More {
		t.Errorf("expected 2 messages and more, got %d more=%v", len(b.Messages), b.More)
	}
	if b.Messages[0].ControlID != "C1" || b.Messages[1].ControlID != "C2" {
		t.Errorf("expected listing order, got %s %s", b.Messages[0].ControlID, b.Messages[1].ControlID)
	}
}

func TestFetch_ParseFailureLeftForRetry(t *testing.T) {
	e, results, _ := dropboxEngine(t)
	put(t, results, "bad.hl7", "not hl7 at all")
	put(t, results, "good.hl7", oru("C1"))

	for i := 0; i < 2; i++ {
		b, err := e.Fetch(context.Background(), 10)
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		if len(b.Messages) != 1 || b.Skipped != 1 || len(b.Rejected) != 0 {
			t.Errorf("pass %d: expected 1 message and 1 skipped, got %+v", i, b)
		}
	}
}

func TestAcknowledge_ArchiveRoundTrip(t *testing.T) {
	e, results, work := dropboxEngine(t)
	content := oru("C1")
	put(t, results, "r1.HL7", content)

	b, err := e.Fetch(context.Background(), 10)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if err := e.AcknowledgeBatch(context.Background(), b); err != nil {
		t.Fatalf("AcknowledgeBatch: %v", err)
	}

	if _, err := os.Stat(filepath.Join(results, "r1.HL7")); !os.IsNotExist(err) {
		t.Error("expected artifact removed from results directory")
	}
	backup, err := os.ReadFile(filepath.Join(work, "backups", "r1.HL7"))
	if err != nil || string(backup) != content {
		t.Fatalf("expected identical backup, got %q, %v", backup, err)
	}

	idx, err := e.Archive().Index()
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	if entry := idx["r1.HL7"]; entry.Tag != "dropbox:v1" || entry.MessageID != b.Messages[0].ID {
		t.Errorf("unexpected index entry %+v", entry)
	}

	today := time.Now()
	res, err := e.Replay(context.Background(), today, today)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(res.Messages) != 1 || res.Messages[0].Raw != content || res.Messages[0].TagInferred {
		t.Errorf("unexpected replay %+v", res)
	}

	again, err := e.Fetch(context.Background(), 10)
	if err != nil || len(again.Messages) != 0 {
		t.Errorf("expected nothing pending after acknowledgment, got %+v, %v", again, err)
	}
}

func TestAcknowledge_IgnoresCancellation(t *testing.T) {
	e, results, work := dropboxEngine(t)
	put(t, results, "r1.hl7", oru("C1"))
	b, _ := e.Fetch(context.Background(), 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.Acknowledge(ctx, b.Messages...); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if _, err := os.Stat(filepath.Join(work, "backups", "r1.hl7")); err != nil {
		t.Error("expected artifact archived despite cancelled context")
	}
}

func TestAcknowledge_WrongTag(t *testing.T) {
	e, _, _ := dropboxEngine(t)
	msg := &parser.ResultMessage{
		Artifact: transport.Artifact{Name: "x.hl7"},
		Tag:      parser.Tag{Protocol: processor.ProtocolSFTP, Version: processor.VersionV1},
	}
	if err := e.Acknowledge(context.Background(), msg); !errors.Is(err, transport.ErrAck) {
		t.Errorf("expected ErrAck, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Web service, through the hub adapter
// ---------------------------------------------------------------------------

type hubClient struct {
	mu   sync.Mutex
	resp *hub.GetResultsResponse
	acks []*hub.AcknowledgeResults
}

func (c *hubClient) GetResults(context.Context, *hub.GetResults) (*hub.GetResultsResponse, error) {
	return c.resp, nil
}

func (c *hubClient) AcknowledgeResults(_ context.Context, req *hub.AcknowledgeResults) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acks = append(c.acks, req)
	return nil
}

func TestHub_BatchAcknowledgment(t *testing.T) {
	cfg := &processor.Config{ID: "quest", Protocol: processor.ProtocolSOAP, Host: "hub", Username: "u", Password: "p"}
	client := &hubClient{resp: &hub.GetResultsResponse{Result: hub.ResultsResponse{
		RequestID: "REQ-1",
		ObservationResults: []hub.ObservationResult{
			{ResultID: "res-1", HL7Message: oru("C1")},
			{ResultID: "res-2", HL7Message: "MSH|garbled"},
			{ResultID: "res-3", HL7Message: oru("C3")},
		},
	}}}
	n, _ := cfg.Normalize()
	ad, err := hub.NewWithClient(&n, transport.Settings{Logger: zerolog.Nop()}, client)
	if err != nil {
		t.Fatalf("NewWithClient: %v", err)
	}
	e, err := New(cfg, WithAdapter(ad), WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if e.Archive() != nil {
		t.Error("web service processor has no archive")
	}

	b, err := e.Fetch(context.Background(), 10)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(b.Messages) != 2 || len(b.Rejected) != 1 || b.Rejected[0].Artifact.Name != "res-2" {
		t.Fatalf("expected 2 messages and res-2 rejected, got %+v", b)
	}
	if b.Messages[0].BatchID != "REQ-1" {
		t.Errorf("expected request id on message, got %q", b.Messages[0].BatchID)
	}

	if err := e.AcknowledgeBatch(context.Background(), b); err != nil {
		t.Fatalf("AcknowledgeBatch: %v", err)
	}
	if len(client.acks) != 1 {
		t.Fatalf("expected exactly one acknowledgeResults call, got %d", len(client.acks))
	}
	call := client.acks[0]
	codes := map[string]string{}
	for _, r := range call.AcknowledgedResults {
		codes[r.ResultID] = r.AckCode
	}
	if call.RequestID != "REQ-1" || len(codes) != 3 || codes["res-1"] != "CA" || codes["res-2"] != "CR" || codes["res-3"] != "CA" {
		t.Errorf("unexpected acknowledgment %+v", call)
	}

	if _, err := e.Replay(context.Background(), time.Now(), time.Now()); !errors.Is(err, ErrNoArchive) {
		t.Errorf("expected ErrNoArchive, got %v", err)
	}
}

func TestHub_EmptyResultNotAcknowledged(t *testing.T) {
	cfg := &processor.Config{ID: "quest", Protocol: processor.ProtocolSOAP, Host: "hub", Username: "u", Password: "p"}
	client := &hubClient{resp: &hub.GetResultsResponse{Result: hub.ResultsResponse{
		RequestID: "REQ-2",
		ObservationResults: []hub.ObservationResult{
			{ResultID: "res-1", HL7Message: oru("C1")},
			{ResultID: "res-2", HL7Message: "  "},
		},
	}}}
	n, _ := cfg.Normalize()
	ad, err := hub.NewWithClient(&n, transport.Settings{Logger: zerolog.Nop()}, client)
	if err != nil {
		t.Fatalf("NewWithClient: %v", err)
	}
	e, err := New(cfg, WithAdapter(ad), WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	b, err := e.Fetch(context.Background(), 10)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(b.Messages) != 1 || len(b.Rejected) != 0 || b.Skipped != 1 {
		t.Fatalf("expected 1 message, 1 skipped and no rejection, got %+v", b)
	}
	if err := e.AcknowledgeBatch(context.Background(), b); err != nil {
		t.Fatalf("AcknowledgeBatch: %v", err)
	}
	if len(client.acks) != 1 {
		t.Fatalf("expected one acknowledgeResults call, got %d", len(client.acks))
	}
	for _, r := range client.acks[0].AcknowledgedResults {
		if r.ResultID == "res-2" {
			t.Errorf("empty result must not be acknowledged, got %+v", r)
		}
	}
}

// ---------------------------------------------------------------------------
// Failure propagation, with a scripted adapter
// ---------------------------------------------------------------------------

type scriptedAdapter struct {
	listing  transport.Listing
	listErr  error
	fetchErr map[string]error
	fetched  []string
	cancel   context.CancelFunc
}

func (s *scriptedAdapter) Protocol() processor.Protocol { return processor.ProtocolDropBox }

func (s *scriptedAdapter) ListPending(context.Context, int) (transport.Listing, error) {
	if s.cancel != nil {
		s.cancel()
	}
	return s.listing, s.listErr
}

func (s *scriptedAdapter) FetchBytes(_ context.Context, a transport.Artifact) ([]byte, error) {
	s.fetched = append(s.fetched, a.Name)
	if err := s.fetchErr[a.Name]; err != nil {
		return nil, err
	}
	return []byte(oru(a.Name)), nil
}

func (s *scriptedAdapter) Acknowledge(context.Context, []transport.Ack) error { return nil }

func (s *scriptedAdapter) Close() error { return nil }

func scriptedEngine(t *testing.T, a *scriptedAdapter) *Engine {
	t.Helper()
	cfg := &processor.Config{ID: "lab", Protocol: processor.ProtocolDropBox, ResultsPath: "/in", WorkDir: t.TempDir()}
	e, err := New(cfg, WithAdapter(a), WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func arts(names ...string) []transport.Artifact {
	out := make([]transport.Artifact, len(names))
	for i, n := range names {
		out[i] = transport.Artifact{Name: n, Path: "/in/" + n, Size: 10}
	}
	return out
}

func TestFetch_ListFailure(t *testing.T) {
	a := &scriptedAdapter{listErr: transport.NewError(transport.ErrAuthentication, "login", "host", errors.New("denied"))}
	_, err := scriptedEngine(t, a).Fetch(context.Background(), 10)
	if !errors.Is(err, transport.ErrAuthentication) || !strings.Contains(err.Error(), "lab") {
		t.Errorf("expected authentication error naming the processor, got %v", err)
	}
}

func TestFetch_ReadErrorContained(t *testing.T) {
	a := &scriptedAdapter{
		listing:  transport.Listing{Artifacts: arts("a", "b", "c")},
		fetchErr: map[string]error{"b": transport.NewError(transport.ErrRead, "read", "b", os.ErrPermission)},
	}
	b, err := scriptedEngine(t, a).Fetch(context.Background(), 10)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(b.Messages) != 2 || b.Skipped != 1 {
		t.Errorf("expected 2 messages and 1 skipped, got %+v", b)
	}
}

func TestFetch_TimeoutAbortsCycle(t *testing.T) {
	a := &scriptedAdapter{
		listing:  transport.Listing{Artifacts: arts("a", "b", "c")},
		fetchErr: map[string]error{"b": transport.NewError(transport.ErrRead, "read", "b", context.DeadlineExceeded)},
	}
	_, err := scriptedEngine(t, a).Fetch(context.Background(), 10)
	if !errors.Is(err, transport.ErrTransportTimeout) {
		t.Fatalf("expected ErrTransportTimeout, got %v", err)
	}
	if len(a.fetched) != 2 {
		t.Errorf("expected fetching to stop at b, fetched %v", a.fetched)
	}
}

func TestFetch_CancelledBetweenArtifacts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &scriptedAdapter{listing: transport.Listing{Artifacts: arts("a", "b")}, cancel: cancel}
	b, err := scriptedEngine(t, a).Fetch(ctx, 10)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(a.fetched) != 0 || !b.More {
		t.Errorf("expected no reads after cancellation, got %v", a.fetched)
	}
}

func TestEngine_ArchiveLocation(t *testing.T) {
	e, _, work := dropboxEngine(t)
	if e.Archive().Dir() != filepath.Join(work, "backups") {
		t.Errorf("unexpected archive dir %s", e.Archive().Dir())
	}
	if e.Tag().String() != "dropbox:v1" {
		t.Errorf("unexpected tag %s", e.Tag())
	}
}
