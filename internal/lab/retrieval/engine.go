// Package retrieval runs the fetch and acknowledgment halves of a result
// cycle for one processor. The engine holds no cycle state of its own:
// everything that must survive a restart lives in the transport (staged
// files, results directory, remote server) and the replay archive.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/labsync/internal/lab/archive"
	"github.com/ehr/labsync/internal/lab/parser"
	"github.com/ehr/labsync/internal/lab/processor"
	"github.com/ehr/labsync/internal/lab/transport"
	"github.com/ehr/labsync/internal/lab/transport/dropbox"
	"github.com/ehr/labsync/internal/lab/transport/hub"
	"github.com/ehr/labsync/internal/lab/transport/sftppull"
)

// ErrNoArchive is returned by Replay for processors without a file archive.
var ErrNoArchive = errors.New("retrieval: processor has no replay archive")

// Factories maps each protocol with a result transport to its adapter.
var Factories = map[processor.Protocol]transport.Factory{
	processor.ProtocolDropBox: dropbox.New,
	processor.ProtocolSFTP:    sftppull.New,
	processor.ProtocolSOAP:    hub.New,
}

// Rejection is an artifact the server must be told was refused.
type Rejection struct {
	Artifact transport.Artifact `json:"artifact"`
	Reason   string             `json:"reason"`
}

// Batch is the outcome of one Fetch.
type Batch struct {
	Messages []*parser.ResultMessage `json:"messages"`
	// Rejected holds web service results that could not be read or parsed.
	// They are answered with CR by AcknowledgeBatch.
	Rejected []Rejection `json:"rejected,omitempty"`
	// Skipped counts file artifacts left in place for the next cycle.
	Skipped int  `json:"skipped"`
	More    bool `json:"more"`
}

type Engine struct {
	cfg      processor.Config
	tag      parser.Tag
	adapter  transport.Adapter
	registry *parser.Registry
	archive  *archive.Archive
	settings transport.Settings
	factory  transport.Factory
	logger   zerolog.Logger
}

type Option func(*Engine)

func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.settings.Logger = l } }

func WithTimeout(d time.Duration) Option { return func(e *Engine) { e.settings.Timeout = d } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.settings.Now = now } }

func WithRegistry(r *parser.Registry) Option { return func(e *Engine) { e.registry = r } }

// WithAdapter skips the protocol factory.
func WithAdapter(a transport.Adapter) Option { return func(e *Engine) { e.adapter = a } }

// WithFactory overrides the adapter factory for this engine's protocol.
func WithFactory(f transport.Factory) Option { return func(e *Engine) { e.factory = f } }

// New validates cfg and builds its transport adapter. No network I/O takes
// place; a record missing a field its protocol requires fails here with a
// configuration error.
func New(cfg *processor.Config, opts ...Option) (*Engine, error) {
	n, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{cfg: n, tag: parser.TagFor(&n)}
	for _, opt := range opts {
		opt(e)
	}
	e.settings = e.settings.WithDefaults()
	e.logger = e.settings.Logger.With().
		Str("component", "retrieval").
		Str("processor", n.ID).
		Str("protocol", string(n.Protocol)).
		Logger()
	if e.registry == nil {
		e.registry = parser.DefaultRegistry()
	}

	if e.adapter == nil {
		factory := e.factory
		if factory == nil {
			factory = Factories[n.Protocol]
		}
		if factory == nil {
			return nil, transport.Unsupported(&n)
		}
		a, err := factory(&n, e.settings)
		if err != nil {
			return nil, err
		}
		e.adapter = a
	}

	if n.Protocol == processor.ProtocolDropBox || n.Protocol == processor.ProtocolSFTP {
		e.archive = archive.New(&n, e.registry, e.settings.Logger)
	}
	return e, nil
}

func (e *Engine) Config() processor.Config { return e.cfg }

func (e *Engine) Tag() parser.Tag { return e.tag }

// Archive is nil for the web service transport.
func (e *Engine) Archive() *archive.Archive { return e.archive }

func (e *Engine) Close() error { return e.adapter.Close() }

func (e *Engine) rejectsInBand() bool { return e.cfg.Protocol == processor.ProtocolSOAP }

// Fetch lists up to max pending artifacts and parses them in listing order.
// Unreadable or unparseable file artifacts are logged and left for the next
// cycle; for the web service they are collected in Rejected. Session,
// authentication and timeout failures end the fetch with an error.
// Cancellation is checked before each artifact is read; a cancelled fetch
// returns the messages read so far together with the context error.
func (e *Engine) Fetch(ctx context.Context, max int) (*Batch, error) {
	listing, err := e.adapter.ListPending(ctx, max)
	if err != nil {
		return nil, fmt.Errorf("retrieval: %s: %w", e.cfg.ID, err)
	}

	b := &Batch{Messages: []*parser.ResultMessage{}, More: listing.More}
	for _, art := range listing.Artifacts {
		if err := ctx.Err(); err != nil {
			b.More = true
			return b, err
		}
		log := e.logger.With().Str("artifact", art.Name).Logger()

		// Zero-length results are treated as not yet written, whatever the
		// transport; they are neither parsed nor acknowledged.
		if art.Size == 0 {
			b.Skipped++
			log.Debug().Msg("zero-length result skipped")
			continue
		}

		data, err := e.adapter.FetchBytes(ctx, art)
		if err != nil {
			if transport.IsCycleFatal(err) {
				return b, fmt.Errorf("retrieval: %s: %w", e.cfg.ID, err)
			}
			e.contain(b, art, err, log)
			continue
		}

		msg, err := e.registry.Parse(e.cfg.ID, e.tag, art, data)
		if err != nil {
			e.contain(b, art, err, log)
			continue
		}
		b.Messages = append(b.Messages, msg)
	}

	e.logger.Info().
		Int("listed", len(listing.Artifacts)).
		Int("parsed", len(b.Messages)).
		Int("rejected", len(b.Rejected)).
		Int("skipped", b.Skipped).
		Bool("more", b.More).
		Msg("fetch complete")
	return b, nil
}

func (e *Engine) contain(b *Batch, art transport.Artifact, err error, log zerolog.Logger) {
	if e.rejectsInBand() {
		log.Warn().Err(err).Msg("result will be rejected")
		b.Rejected = append(b.Rejected, Rejection{Artifact: art, Reason: err.Error()})
		return
	}
	log.Warn().Err(err).Msg("artifact skipped, will retry next cycle")
	b.Skipped++
}

// Acknowledge accepts msgs. See AcknowledgeBatch.
func (e *Engine) Acknowledge(ctx context.Context, msgs ...*parser.ResultMessage) error {
	return e.AcknowledgeBatch(ctx, &Batch{Messages: msgs})
}

// AcknowledgeBatch answers every message of b with CA and every rejection
// with CR. Each message is dispatched by the tag it was fetched under. File
// artifacts are acknowledged one at a time and recorded in the archive index
// once archived; web service results go out in one call per request id.
// Acknowledgment is not interrupted by cancellation of ctx.
func (e *Engine) AcknowledgeBatch(ctx context.Context, b *Batch) error {
	ctx = context.WithoutCancel(ctx)

	var acks []transport.Ack
	var errs []error
	byName := map[string]*parser.ResultMessage{}
	for _, m := range b.Messages {
		if m.Tag.Protocol != e.adapter.Protocol() {
			errs = append(errs, transport.NewError(transport.ErrAck, "acknowledge", m.Artifact.Name,
				fmt.Errorf("fetched under %s, processor %s uses %s", m.Tag, e.cfg.ID, e.adapter.Protocol())))
			continue
		}
		acks = append(acks, transport.Ack{Artifact: m.Artifact, Code: transport.AckAccept})
		byName[m.Artifact.Name] = m
	}
	for _, r := range b.Rejected {
		acks = append(acks, transport.Ack{Artifact: r.Artifact, Code: transport.AckReject, Reason: r.Reason})
	}
	if len(acks) == 0 {
		return errors.Join(errs...)
	}

	if e.rejectsInBand() {
		if err := e.adapter.Acknowledge(ctx, acks); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}

	for _, ack := range acks {
		if err := e.adapter.Acknowledge(ctx, []transport.Ack{ack}); err != nil {
			e.logger.Error().Err(err).Str("artifact", ack.Artifact.Name).Msg("acknowledge failed")
			errs = append(errs, err)
			continue
		}
		if ack.Code == transport.AckAccept {
			e.record(byName[ack.Artifact.Name])
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) record(m *parser.ResultMessage) {
	if e.archive == nil || m == nil {
		return
	}
	err := e.archive.Record(archive.Entry{
		Name:       m.Artifact.Name,
		Tag:        m.Tag.String(),
		MessageID:  m.ID,
		ControlID:  m.ControlID,
		Size:       m.Artifact.Size,
		ArchivedAt: e.settings.Now().UTC(),
	})
	if err != nil {
		// Replay falls back to the processor's tag for this artifact.
		e.logger.Warn().Err(err).Str("artifact", m.Artifact.Name).Msg("archive index not updated")
	}
}

// Replay reparses archived artifacts whose modification date is within
// [from, thru].
func (e *Engine) Replay(ctx context.Context, from, thru time.Time) (*archive.ReplayResult, error) {
	if e.archive == nil {
		return nil, ErrNoArchive
	}
	return e.archive.Replay(ctx, from, thru)
}
