// Package transport defines the contract every result transport implements
// and the error kinds shared across the retrieval pipeline.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/labsync/internal/lab/processor"
)

// Error kinds. Match with errors.Is.
var (
	ErrConfiguration    = processor.ErrConfiguration
	ErrRead             = errors.New("read error")
	ErrParse            = errors.New("parse error")
	ErrAck              = errors.New("acknowledgment error")
	ErrTransportTimeout = errors.New("transport timeout")
	ErrAuthentication   = errors.New("authentication error")
)

// Error carries the kind, the failing operation and the artifact involved.
type Error struct {
	Kind     error
	Op       string
	Artifact string
	Err      error
}

func (e *Error) Error() string {
	msg := "transport: " + e.Op
	if e.Artifact != "" {
		msg += " " + e.Artifact
	}
	msg += ": " + e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == e.Kind }

// NewError wraps err as kind. Deadlines and network timeouts are reported as
// ErrTransportTimeout whatever kind was asked for; an err that already is a
// *Error is returned unchanged.
func NewError(kind error, op, artifact string, err error) error {
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	if IsTimeout(err) {
		kind = ErrTransportTimeout
	}
	return &Error{Kind: kind, Op: op, Artifact: artifact, Err: err}
}

// IsTimeout reports whether err is a context deadline or a network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsCycleFatal reports whether err must abort the rest of a processor's cycle.
func IsCycleFatal(err error) bool {
	return errors.Is(err, ErrConfiguration) ||
		errors.Is(err, ErrAuthentication) ||
		errors.Is(err, ErrTransportTimeout) ||
		errors.Is(err, context.Canceled)
}

// Artifact is one unit of transport: a file, or one result record of a web
// service batch.
type Artifact struct {
	// Name is the file name, or the result id for web service results.
	Name string `json:"name"`
	// Path is the local path of a staged or dropped file.
	Path    string    `json:"path,omitempty"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
	// BatchID is the server request id a web service result belongs to.
	BatchID string `json:"batch_id,omitempty"`
	// Payload holds inline content for transports that do not stage files.
	Payload []byte `json:"-"`
}

// Listing is the result of ListPending.
type Listing struct {
	Artifacts []Artifact
	// More reports that pending artifacts were left behind by the cap.
	More bool
}

// AckCode is the disposition sent for an artifact.
type AckCode string

const (
	AckAccept AckCode = "CA"
	AckReject AckCode = "CR"
)

// Ack is one acknowledgment entry.
type Ack struct {
	Artifact Artifact
	Code     AckCode
	Reason   string
}

// Adapter is implemented once per protocol.
type Adapter interface {
	Protocol() processor.Protocol
	// ListPending returns up to max artifacts awaiting retrieval.
	ListPending(ctx context.Context, max int) (Listing, error)
	// FetchBytes returns the content of a listed artifact.
	FetchBytes(ctx context.Context, a Artifact) ([]byte, error)
	// Acknowledge marks artifacts consumed. File transports archive accepted
	// artifacts and leave rejected ones in place.
	Acknowledge(ctx context.Context, acks []Ack) error
	Close() error
}

// Settings are the shared knobs handed to every adapter.
type Settings struct {
	Logger  zerolog.Logger
	Timeout time.Duration
	Now     func() time.Time
}

// DefaultTimeout bounds each network round trip.
const DefaultTimeout = 15 * time.Second

// WithDefaults fills zero values.
func (s Settings) WithDefaults() Settings {
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	return s
}

// Factory builds the adapter for a validated processor record. It must not
// perform network I/O.
type Factory func(cfg *processor.Config, s Settings) (Adapter, error)

// Unsupported is returned by factories asked for a protocol they do not serve.
func Unsupported(cfg *processor.Config) error {
	return &processor.ConfigError{
		ProcessorID: cfg.ID,
		Protocol:    cfg.Protocol,
		Reason:      fmt.Sprintf("protocol %q has no result transport", cfg.Protocol),
	}
}
