// Package dispatch runs retrieval cycles: fetch from a processor, persist
// every parsed message, then acknowledge what was persisted. Cycles for
// different processors run concurrently on a bounded worker pool; a
// processor never runs two cycles at once.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"

	"github.com/ehr/labsync/internal/lab/archive"
	"github.com/ehr/labsync/internal/lab/parser"
	"github.com/ehr/labsync/internal/lab/processor"
	"github.com/ehr/labsync/internal/lab/results"
	"github.com/ehr/labsync/internal/lab/retrieval"
)

var ErrCycleInProgress = errors.New("dispatch: cycle already in progress")

const releaseTimeout = 30 * time.Second

// Sink persists a message. Messages whose Store fails are not acknowledged.
type Sink interface {
	Store(ctx context.Context, cfg *processor.Config, msg *parser.ResultMessage) (*results.Record, error)
}

// CycleOptions tune a single cycle.
type CycleOptions struct {
	// Max caps the artifacts fetched; zero uses the dispatcher default.
	Max int
	// NoAck stores results without acknowledging them.
	NoAck bool
}

// CycleReport summarizes one cycle for one processor.
type CycleReport struct {
	Processor    string             `json:"processor"`
	Protocol     processor.Protocol `json:"protocol,omitempty"`
	StartedAt    time.Time          `json:"started_at"`
	FinishedAt   time.Time          `json:"finished_at"`
	Fetched      int                `json:"fetched"`
	Stored       int                `json:"stored"`
	Rejected     int                `json:"rejected"`
	Skipped      int                `json:"skipped"`
	Acknowledged int                `json:"acknowledged"`
	More         bool               `json:"more"`
	Error        string             `json:"error,omitempty"`

	err error
}

// Err returns the error that ended or degraded the cycle.
func (r *CycleReport) Err() error { return r.err }

func (r *CycleReport) fail(err error) {
	if err == nil {
		return
	}
	r.err = errors.Join(r.err, err)
	r.Error = r.err.Error()
}

type Options struct {
	PoolSize   int
	MaxResults int
	Timeout    time.Duration
	Logger     zerolog.Logger
	// NoAck turns every cycle into a store-only cycle, whatever the caller
	// asks for. Used when results have no durable home.
	NoAck bool
	// EngineOptions are appended to every retrieval.New call.
	EngineOptions []retrieval.Option
}

type Dispatcher struct {
	store      processor.Store
	sink       Sink
	pool       *ants.Pool
	maxResults int
	timeout    time.Duration
	noAck      bool
	engineOpts []retrieval.Option
	logger     zerolog.Logger
	now        func() time.Time

	mu      sync.Mutex
	running map[string]struct{}
}

func New(store processor.Store, sink Sink, opts Options) (*Dispatcher, error) {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 4
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = 50
	}
	pool, err := ants.NewPool(opts.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("dispatch: create worker pool: %w", err)
	}
	return &Dispatcher{
		store:      store,
		sink:       sink,
		pool:       pool,
		maxResults: opts.MaxResults,
		timeout:    opts.Timeout,
		noAck:      opts.NoAck,
		engineOpts: opts.EngineOptions,
		logger:     opts.Logger.With().Str("component", "dispatch").Logger(),
		now:        time.Now,
		running:    make(map[string]struct{}),
	}, nil
}

// Release stops the worker pool, waiting up to releaseTimeout for running
// cycles to return.
func (d *Dispatcher) Release() {
	if err := d.pool.ReleaseTimeout(releaseTimeout); err != nil {
		d.logger.Warn().Err(err).Msg("worker pool released with cycles still running")
	}
}

// Acknowledges reports whether cycles may acknowledge results.
func (d *Dispatcher) Acknowledges() bool { return !d.noAck }

func (d *Dispatcher) Processors() processor.Store { return d.store }

// Running reports whether a cycle is in flight for id.
func (d *Dispatcher) Running(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.running[id]
	return ok
}

func (d *Dispatcher) acquire(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.running[id]; busy {
		return false
	}
	d.running[id] = struct{}{}
	return true
}

func (d *Dispatcher) release(id string) {
	d.mu.Lock()
	delete(d.running, id)
	d.mu.Unlock()
}

func (d *Dispatcher) engine(cfg *processor.Config, log zerolog.Logger) (*retrieval.Engine, error) {
	opts := []retrieval.Option{retrieval.WithLogger(log)}
	if d.timeout > 0 {
		opts = append(opts, retrieval.WithTimeout(d.timeout))
	}
	return retrieval.New(cfg, append(opts, d.engineOpts...)...)
}

// RunCycle fetches, stores and acknowledges results for one processor. The
// returned error is also recorded in the report.
func (d *Dispatcher) RunCycle(ctx context.Context, id string, opts CycleOptions) (*CycleReport, error) {
	if !d.acquire(id) {
		return nil, fmt.Errorf("%w: %s", ErrCycleInProgress, id)
	}
	defer d.release(id)
	if d.noAck {
		opts.NoAck = true
	}

	report := &CycleReport{Processor: id, StartedAt: d.now().UTC()}
	d.cycle(ctx, id, opts, report)
	report.FinishedAt = d.now().UTC()
	observe(report)

	log := d.logger.With().Str("processor", id).Logger()
	if report.err != nil {
		log.Error().Err(report.err).Int("stored", report.Stored).Msg("cycle failed")
	} else {
		log.Info().
			Int("fetched", report.Fetched).
			Int("stored", report.Stored).
			Int("rejected", report.Rejected).
			Int("skipped", report.Skipped).
			Int("acknowledged", report.Acknowledged).
			Bool("more", report.More).
			Msg("cycle complete")
	}
	return report, report.err
}

func (d *Dispatcher) cycle(ctx context.Context, id string, opts CycleOptions, report *CycleReport) {
	cfg, err := d.store.Get(ctx, id)
	if err != nil {
		report.fail(err)
		return
	}
	report.Protocol = cfg.Protocol
	log := d.logger.With().Str("processor", cfg.ID).Str("protocol", string(cfg.Protocol)).Logger()

	eng, err := d.engine(cfg, log)
	if err != nil {
		report.fail(err)
		return
	}
	defer eng.Close()

	limit := opts.Max
	if limit <= 0 {
		limit = d.maxResults
	}
	batch, err := eng.Fetch(ctx, limit)
	report.fail(err)
	if batch == nil {
		return
	}
	report.Fetched = len(batch.Messages)
	report.Rejected = len(batch.Rejected)
	report.Skipped = batch.Skipped
	report.More = batch.More

	accepted := &retrieval.Batch{Rejected: batch.Rejected}
	for _, m := range batch.Messages {
		if _, err := d.sink.Store(ctx, cfg, m); err != nil {
			log.Warn().Err(err).Str("artifact", m.Artifact.Name).Msg("result not stored, left for next cycle")
			report.fail(err)
			continue
		}
		accepted.Messages = append(accepted.Messages, m)
	}
	report.Stored = len(accepted.Messages)

	if opts.NoAck {
		return
	}
	total := len(accepted.Messages) + len(accepted.Rejected)
	if total == 0 {
		return
	}
	err = eng.AcknowledgeBatch(ctx, accepted)
	report.Acknowledged = total - failures(err)
	if report.Acknowledged < 0 {
		report.Acknowledged = 0
	}
	report.fail(err)
}

// failures counts the errors joined into err.
func failures(err error) int {
	if err == nil {
		return 0
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return len(joined.Unwrap())
	}
	return 1
}

// RunAll runs one cycle per processor on the worker pool and waits for all
// of them. Processors without a result transport are skipped. Reports are
// in processor id order.
func (d *Dispatcher) RunAll(ctx context.Context, opts CycleOptions) ([]*CycleReport, error) {
	configs, err := d.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("dispatch: list processors: %w", err)
	}

	var ids []string
	for _, c := range configs {
		if c.Protocol == processor.ProtocolInternal {
			continue
		}
		ids = append(ids, c.ID)
	}

	reports := make([]*CycleReport, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		i, id := i, id
		wg.Add(1)
		err := d.pool.Submit(func() {
			defer wg.Done()
			r, err := d.RunCycle(ctx, id, opts)
			if r == nil {
				r = &CycleReport{Processor: id}
				r.fail(err)
			}
			reports[i] = r
		})
		if err != nil {
			wg.Done()
			r := &CycleReport{Processor: id}
			r.fail(fmt.Errorf("dispatch: submit: %w", err))
			reports[i] = r
		}
	}
	wg.Wait()
	return reports, nil
}

// Trigger starts a cycle for id in the background. A cycle already running
// for id absorbs the trigger.
func (d *Dispatcher) Trigger(ctx context.Context, id string) {
	err := d.pool.Submit(func() {
		_, err := d.RunCycle(ctx, id, CycleOptions{})
		if errors.Is(err, ErrCycleInProgress) {
			d.logger.Debug().Str("processor", id).Msg("trigger absorbed by running cycle")
		}
	})
	if err != nil {
		d.logger.Warn().Err(err).Str("processor", id).Msg("trigger dropped")
	}
}

// Replay reparses archived artifacts of one processor.
func (d *Dispatcher) Replay(ctx context.Context, id string, from, thru time.Time) (*archive.ReplayResult, error) {
	cfg, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	eng, err := d.engine(cfg, d.logger.With().Str("processor", id).Logger())
	if err != nil {
		return nil, err
	}
	defer eng.Close()
	return eng.Replay(ctx, from, thru)
}
