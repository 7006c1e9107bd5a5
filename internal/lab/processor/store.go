package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/spf13/viper"
)

var ErrNotFound = errors.New("processor not found")

// Store is the keyed lookup of processor records. Records are returned
// normalized; callers own the returned copies.
type Store interface {
	Get(ctx context.Context, id string) (*Config, error)
	List(ctx context.Context) ([]*Config, error)
}

// finish normalizes c and assigns a working directory under workRoot when the
// record leaves it empty for a file transport.
func finish(c Config, workRoot string) (Config, error) {
	n, err := c.Normalize()
	if err != nil {
		return c, err
	}
	if n.WorkDir == "" && workRoot != "" && n.ID != "" &&
		(n.Protocol == ProtocolDropBox || n.Protocol == ProtocolSFTP) {
		n.WorkDir = filepath.Join(workRoot, n.ID)
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// StaticStore
// ---------------------------------------------------------------------------

// StaticStore serves a fixed set of records.
type StaticStore struct {
	mu      sync.RWMutex
	configs map[string]Config
}

func NewStaticStore(configs ...Config) (*StaticStore, error) {
	s := &StaticStore{configs: make(map[string]Config, len(configs))}
	for _, c := range configs {
		n, err := finish(c, "")
		if err != nil {
			return nil, err
		}
		if n.ID == "" {
			return nil, &ConfigError{Missing: []string{"id"}}
		}
		if _, dup := s.configs[n.ID]; dup {
			return nil, fmt.Errorf("processor: duplicate id %q", n.ID)
		}
		s.configs[n.ID] = n
	}
	return s, nil
}

func (s *StaticStore) Get(_ context.Context, id string) (*Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.configs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &c, nil
}

func (s *StaticStore) List(_ context.Context) ([]*Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Config, 0, len(s.configs))
	for _, c := range s.configs {
		c := c
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---------------------------------------------------------------------------
// FileStore
// ---------------------------------------------------------------------------

// FileStore reads processor records from a YAML (or JSON/TOML) file through
// viper. The file is re-read on every lookup so edits apply on the next
// cycle. Values of the form ${VAR} are expanded from the environment, which
// keeps credentials out of the file.
//
//	processors:
//	  - id: quest
//	    protocol: soap
//	    host: https://hubservices.quanum.com/resultsHub/services/ResultsService
//	    username: ${QUEST_USER}
//	    password: ${QUEST_PASSWORD}
type FileStore struct {
	path     string
	workRoot string
}

func NewFileStore(path, workRoot string) *FileStore {
	return &FileStore{path: path, workRoot: workRoot}
}

func (s *FileStore) load() (map[string]Config, []string, error) {
	v := viper.New()
	v.SetConfigFile(s.path)
	if err := v.ReadInConfig(); err != nil {
		return nil, nil, fmt.Errorf("processor: read %s: %w", s.path, err)
	}

	var raw []Config
	if err := v.UnmarshalKey("processors", &raw); err != nil {
		return nil, nil, fmt.Errorf("processor: decode %s: %w", s.path, err)
	}

	configs := make(map[string]Config, len(raw))
	ids := make([]string, 0, len(raw))
	for i, c := range raw {
		c = expandEnv(c)
		n, err := finish(c, s.workRoot)
		if err != nil {
			return nil, nil, err
		}
		if n.ID == "" {
			return nil, nil, fmt.Errorf("processor: %s entry %d has no id", s.path, i)
		}
		if _, dup := configs[n.ID]; dup {
			return nil, nil, fmt.Errorf("processor: %s: duplicate id %q", s.path, n.ID)
		}
		configs[n.ID] = n
		ids = append(ids, n.ID)
	}
	sort.Strings(ids)
	return configs, ids, nil
}

func expandEnv(c Config) Config {
	c.Host = os.ExpandEnv(c.Host)
	c.Username = os.ExpandEnv(c.Username)
	c.Password = os.ExpandEnv(c.Password)
	c.ResultsPath = os.ExpandEnv(c.ResultsPath)
	c.OrdersPath = os.ExpandEnv(c.OrdersPath)
	c.WorkDir = os.ExpandEnv(c.WorkDir)
	return c
}

func (s *FileStore) Get(_ context.Context, id string) (*Config, error) {
	configs, _, err := s.load()
	if err != nil {
		return nil, err
	}
	c, ok := configs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &c, nil
}

func (s *FileStore) List(_ context.Context) ([]*Config, error) {
	configs, ids, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]*Config, 0, len(ids))
	for _, id := range ids {
		c := configs[id]
		out = append(out, &c)
	}
	return out, nil
}
