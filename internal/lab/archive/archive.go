// Package archive is the replay archive of a file-based processor: the
// acknowledged artifacts under <workDir>/backups and a JSON-lines index
// recording the tag each one was fetched under.
package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/labsync/internal/lab/parser"
	"github.com/ehr/labsync/internal/lab/processor"
	"github.com/ehr/labsync/internal/lab/transport"
)

// IndexFile sits in the backups directory. Its leading dot keeps it out of
// artifact listings.
const IndexFile = ".archive-index"

var ErrInvalidRange = errors.New("archive: thru date is before from date")

// Entry is one line of the index.
type Entry struct {
	Name       string    `json:"name"`
	Tag        string    `json:"tag"`
	MessageID  string    `json:"message_id,omitempty"`
	ControlID  string    `json:"control_id,omitempty"`
	Size       int64     `json:"size"`
	ArchivedAt time.Time `json:"archived_at"`
}

// Failure is an archived artifact that could not be replayed.
type Failure struct {
	Artifact string `json:"artifact"`
	Error    string `json:"error"`
}

// ReplayResult lists the reparsed messages in archive order.
type ReplayResult struct {
	Messages []*parser.ResultMessage `json:"messages"`
	Failed   []Failure               `json:"failed,omitempty"`
}

type Archive struct {
	mu          sync.Mutex
	dir         string
	processorID string
	current     parser.Tag
	registry    *parser.Registry
	logger      zerolog.Logger
}

func New(cfg *processor.Config, registry *parser.Registry, logger zerolog.Logger) *Archive {
	return &Archive{
		dir:         cfg.BackupDir(),
		processorID: cfg.ID,
		current:     parser.TagFor(cfg),
		registry:    registry,
		logger:      logger.With().Str("component", "archive").Str("processor", cfg.ID).Logger(),
	}
}

func (a *Archive) Dir() string { return a.dir }

// Record appends e to the index.
func (a *Archive) Record(e Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(a.dir, 0o750); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(a.dir, IndexFile), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("archive: open index: %w", err)
	}
	if err := json.NewEncoder(f).Encode(e); err != nil {
		f.Close()
		return fmt.Errorf("archive: write index: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("archive: sync index: %w", err)
	}
	return f.Close()
}

// Index returns the latest entry per artifact name. Malformed lines are
// skipped.
func (a *Archive) Index() (map[string]Entry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := map[string]Entry{}
	f, err := os.Open(filepath.Join(a.dir, IndexFile))
	if errors.Is(err, os.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("archive: open index: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil || e.Name == "" {
			a.logger.Warn().Int("line", line).Msg("skipping malformed index line")
			continue
		}
		out[e.Name] = e
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("archive: read index: %w", err)
	}
	return out, nil
}

// DayRange converts an inclusive calendar-day range into [start, end) in
// local time.
func DayRange(from, thru time.Time) (time.Time, time.Time, error) {
	start := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.Local)
	end := time.Date(thru.Year(), thru.Month(), thru.Day(), 0, 0, 0, 0, time.Local).AddDate(0, 0, 1)
	if !end.After(start) {
		return time.Time{}, time.Time{}, ErrInvalidRange
	}
	return start, end, nil
}

// List returns the archived artifacts whose modification date falls within
// [from, thru], ordered by modification time and then name.
func (a *Archive) List(from, thru time.Time) ([]transport.Artifact, error) {
	start, end, err := DayRange(from, thru)
	if err != nil {
		return nil, err
	}
	all, err := transport.ScanDir(a.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("archive: list: %w", err)
	}

	var out []transport.Artifact
	for _, art := range all {
		mt := art.ModTime.In(time.Local)
		if mt.Before(start) || !mt.Before(end) {
			continue
		}
		out = append(out, art)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].ModTime.Before(out[j].ModTime)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Replay reparses archived artifacts without contacting the lab. Each
// artifact is parsed with the tag it was archived under; artifacts missing
// from the index use the processor's current tag and are marked
// TagInferred. Nothing is removed from the archive.
func (a *Archive) Replay(ctx context.Context, from, thru time.Time) (*ReplayResult, error) {
	arts, err := a.List(from, thru)
	if err != nil {
		return nil, err
	}
	index, err := a.Index()
	if err != nil {
		return nil, err
	}

	res := &ReplayResult{Messages: []*parser.ResultMessage{}}
	for _, art := range arts {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		log := a.logger.With().Str("artifact", art.Name).Logger()

		tag, inferred := a.current, true
		if e, ok := index[art.Name]; ok {
			if t, err := parser.ParseTag(e.Tag); err == nil {
				tag, inferred = t, false
			} else {
				log.Warn().Err(err).Msg("unreadable tag in index")
			}
		}
		if inferred {
			log.Warn().Str("tag", tag.String()).Msg("no recorded tag, using processor's current tag")
		}

		data, err := transport.ReadArtifact(art)
		if err != nil {
			log.Warn().Err(err).Msg("replay read failed")
			res.Failed = append(res.Failed, Failure{Artifact: art.Name, Error: err.Error()})
			continue
		}
		msg, err := a.registry.Parse(a.processorID, tag, art, data)
		if err != nil {
			log.Warn().Err(err).Msg("replay parse failed")
			res.Failed = append(res.Failed, Failure{Artifact: art.Name, Error: err.Error()})
			continue
		}
		msg.TagInferred = inferred
		res.Messages = append(res.Messages, msg)
	}
	return res, nil
}
