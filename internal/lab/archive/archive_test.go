package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/labsync/internal/lab/parser"
	"github.com/ehr/labsync/internal/lab/processor"
)

const v23 = "MSH|^~\\&|LAB|F|EHR|C|20240301||ORU^R01|C1|P|2.3\rPID|1||MRN1\rOBR|1|ORD-1\rOBX|1|NM|GLU^Glucose||99|mg/dL"

func day(d int, hour int) time.Time {
	return time.Date(2024, 3, d, hour, 0, 0, 0, time.Local)
}

func newArchive(t *testing.T, version processor.Version) (*Archive, string) {
	t.Helper()
	cfg := &processor.Config{ID: "lab", Protocol: processor.ProtocolSFTP, Version: version, WorkDir: t.TempDir()}
	a := New(cfg, parser.DefaultRegistry(), zerolog.Nop())
	if err := os.MkdirAll(a.Dir(), 0o750); err != nil {
		t.Fatal(err)
	}
	return a, a.Dir()
}

func archiveFile(t *testing.T, dir, name, content string, mtime time.Time) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func TestDayRange(t *testing.T) {
	start, end, err := DayRange(day(5, 15), day(6, 1))
	if err != nil {
		t.Fatalf("DayRange: %v", err)
	}
	if !start.Equal(day(5, 0)) || !end.Equal(day(7, 0)) {
		t.Errorf("unexpected range %v - %v", start, end)
	}
	if _, _, err := DayRange(day(6, 0), day(5, 0)); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("expected ErrInvalidRange, got %v", err)
	}
}

func TestRecordAndIndex(t *testing.T) {
	a, _ := newArchive(t, processor.VersionV1)
	if err := a.Record(Entry{Name: "a.hl7", Tag: "sftp:v1", ArchivedAt: day(1, 0)}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := a.Record(Entry{Name: "a.hl7", Tag: "sftp:v2", ArchivedAt: day(2, 0)}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := a.Record(Entry{Name: "b.hl7", Tag: "dropbox:v1"}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	idx, err := a.Index()
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	if len(idx) != 2 || idx["a.hl7"].Tag != "sftp:v2" {
		t.Errorf("expected latest entry to win, got %+v", idx)
	}
}

func TestIndex_SkipsMalformedLines(t *testing.T) {
	a, dir := newArchive(t, processor.VersionV1)
	content := "{\"name\":\"a.hl7\",\"tag\":\"sftp:v1\"}\nnot json\n{\"tag\":\"sftp:v1\"}\n"
	if err := os.WriteFile(filepath.Join(dir, IndexFile), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	idx, err := a.Index()
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	if len(idx) != 1 {
		t.Errorf("expected 1 valid entry, got %d", len(idx))
	}
}

func TestIndex_Missing(t *testing.T) {
	a, _ := newArchive(t, processor.VersionV1)
	idx, err := a.Index()
	if err != nil || len(idx) != 0 {
		t.Errorf("expected empty index, got %v, %v", idx, err)
	}
}

func TestList_InclusiveRangeAndOrder(t *testing.T) {
	a, dir := newArchive(t, processor.VersionV1)
	archiveFile(t, dir, "before.hl7", v23, day(4, 23))
	archiveFile(t, dir, "b.hl7", v23, day(5, 0))
	archiveFile(t, dir, "a.hl7", v23, day(5, 0))
	archiveFile(t, dir, "late.hl7", v23, time.Date(2024, 3, 6, 23, 59, 59, 0, time.Local))
	archiveFile(t, dir, "mid.hl7", v23, day(5, 12))
	archiveFile(t, dir, "after.hl7", v23, day(7, 0))

	arts, err := a.List(day(5, 9), day(6, 9))
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var names []string
	for _, art := range arts {
		names = append(names, art.Name)
	}
	want := []string{"a.hl7", "b.hl7", "mid.hl7", "late.hl7"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, names)
		}
	}
}

func TestList_NoBackupsDirectory(t *testing.T) {
	cfg := &processor.Config{ID: "lab", Protocol: processor.ProtocolDropBox, WorkDir: t.TempDir()}
	a := New(cfg, parser.DefaultRegistry(), zerolog.Nop())
	arts, err := a.List(day(1, 0), day(2, 0))
	if err != nil || len(arts) != 0 {
		t.Errorf("expected empty listing, got %v, %v", arts, err)
	}
}

func TestReplay_UsesRecordedTag(t *testing.T) {
	// The processor has since moved to v2; the archived file is 2.3.
	a, dir := newArchive(t, processor.VersionV2)
	archiveFile(t, dir, "r1.hl7", v23, day(5, 10))
	if err := a.Record(Entry{Name: "r1.hl7", Tag: "sftp:v1"}); err != nil {
		t.Fatal(err)
	}

	res, err := a.Replay(context.Background(), day(5, 0), day(5, 0))
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(res.Messages) != 1 || len(res.Failed) != 0 {
		t.Fatalf("expected one message, got %+v", res)
	}
	msg := res.Messages[0]
	if msg.Tag.String() != "sftp:v1" || msg.TagInferred {
		t.Errorf("expected recorded tag, got %s inferred=%v", msg.Tag, msg.TagInferred)
	}
	if msg.Raw != v23 || msg.ControlID != "C1" {
		t.Errorf("unexpected replayed message %+v", msg)
	}
	if _, err := os.Stat(filepath.Join(dir, "r1.hl7")); err != nil {
		t.Error("replay must not remove archived files")
	}
}

func TestReplay_InfersMissingTag(t *testing.T) {
	a, dir := newArchive(t, processor.VersionV1)
	archiveFile(t, dir, "r1.hl7", v23, day(5, 10))

	res, err := a.Replay(context.Background(), day(5, 0), day(5, 0))
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(res.Messages) != 1 || !res.Messages[0].TagInferred {
		t.Fatalf("expected inferred tag, got %+v", res)
	}
}

func TestReplay_InferredTagCanMisparse(t *testing.T) {
	a, dir := newArchive(t, processor.VersionV2)
	archiveFile(t, dir, "r1.hl7", v23, day(5, 10))

	res, err := a.Replay(context.Background(), day(5, 0), day(5, 0))
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(res.Messages) != 0 || len(res.Failed) != 1 || res.Failed[0].Artifact != "r1.hl7" {
		t.Errorf("expected the 2.3 file to fail under the current v2 tag, got %+v", res)
	}
}

func TestReplay_Cancelled(t *testing.T) {
	a, dir := newArchive(t, processor.VersionV1)
	archiveFile(t, dir, "r1.hl7", v23, day(5, 10))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := a.Replay(ctx, day(5, 0), day(5, 0)); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
