// Package hub retrieves results from a SOAP results hub. A listing is one
// getResults call; acknowledgment is one acknowledgeResults call per server
// request id carrying the accept or reject code of every result in it.
package hub

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/labsync/internal/lab/processor"
	"github.com/ehr/labsync/internal/lab/transport"
)

// Extra keys that narrow the getResults window (YYYY-MM-DD).
const (
	ExtraStartDate = "start_date"
	ExtraEndDate   = "end_date"
)

type Adapter struct {
	cfg     *processor.Config
	client  Client
	timeout time.Duration
	now     func() time.Time

	logger zerolog.Logger
}

// New is a transport.Factory using the SOAP client.
func New(cfg *processor.Config, s transport.Settings) (transport.Adapter, error) {
	if cfg.Protocol != processor.ProtocolSOAP {
		return nil, transport.Unsupported(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s = s.WithDefaults()
	return NewWithClient(cfg, s, NewSOAPClient(cfg, s.Timeout))
}

func NewWithClient(cfg *processor.Config, s transport.Settings, c Client) (*Adapter, error) {
	if cfg.Protocol != processor.ProtocolSOAP {
		return nil, transport.Unsupported(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s = s.WithDefaults()
	return &Adapter{
		cfg:     cfg,
		client:  c,
		timeout: s.Timeout,
		now:     s.Now,
		logger: s.Logger.With().
			Str("component", "hub").
			Str("processor", cfg.ID).
			Logger(),
	}, nil
}

func (a *Adapter) Protocol() processor.Protocol { return processor.ProtocolSOAP }

func (a *Adapter) ListPending(ctx context.Context, max int) (transport.Listing, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req := &GetResults{ResultsRequest: ResultsRequest{
		MaxMessages:        max,
		StartDate:          a.cfg.Extra[ExtraStartDate],
		EndDate:            a.cfg.Extra[ExtraEndDate],
		RetrieveFinalsOnly: true,
	}}
	resp, err := a.client.GetResults(ctx, req)
	if err != nil {
		return transport.Listing{}, classify("getResults", "", err)
	}

	now := a.now()
	res := resp.Result
	results, more := res.ObservationResults, res.IsMore
	if max > 0 && len(results) > max {
		// Results past the cap stay unacknowledged and are delivered again.
		a.logger.Warn().Str("request_id", res.RequestID).Int("returned", len(results)).Int("max", max).Msg("server ignored maxMessages, extra results deferred")
		results, more = results[:max], true
	}
	out := make([]transport.Artifact, 0, len(results))
	for _, r := range results {
		payload := decodeHL7(r.HL7Message)
		out = append(out, transport.Artifact{
			Name:    r.ResultID,
			Size:    int64(len(payload)),
			ModTime: now,
			BatchID: res.RequestID,
			Payload: payload,
		})
	}
	a.logger.Debug().Str("request_id", res.RequestID).Int("results", len(out)).Bool("more", more).Msg("getResults")
	return transport.Listing{Artifacts: out, More: more}, nil
}

// decodeHL7 accepts base64 or plain HL7 text.
func decodeHL7(s string) []byte {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if strings.HasPrefix(s, "MSH") || strings.HasPrefix(s, "FHS") || strings.HasPrefix(s, "BHS") {
		return []byte(s)
	}
	compact := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, s)
	data, err := base64.StdEncoding.DecodeString(compact)
	if err != nil {
		return []byte(s)
	}
	return data
}

func (a *Adapter) FetchBytes(ctx context.Context, art transport.Artifact) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(art.Payload)) == 0 {
		return nil, transport.NewError(transport.ErrRead, "read", art.Name, errors.New("empty result"))
	}
	return append([]byte(nil), art.Payload...), nil
}

// Acknowledge sends one acknowledgeResults per request id, in the order the
// request ids first appear in acks.
func (a *Adapter) Acknowledge(ctx context.Context, acks []transport.Ack) error {
	var order []string
	byRequest := map[string][]AcknowledgedResult{}
	for _, ack := range acks {
		id := ack.Artifact.BatchID
		if id == "" {
			return transport.NewError(transport.ErrAck, "acknowledgeResults", ack.Artifact.Name, errors.New("result has no request id"))
		}
		if _, seen := byRequest[id]; !seen {
			order = append(order, id)
		}
		byRequest[id] = append(byRequest[id], AcknowledgedResult{
			ResultID:        ack.Artifact.Name,
			AckCode:         string(ack.Code),
			RejectionReason: ack.Reason,
		})
	}

	var errs []error
	for _, id := range order {
		callCtx, cancel := context.WithTimeout(ctx, a.timeout)
		err := a.client.AcknowledgeResults(callCtx, &AcknowledgeResults{RequestID: id, AcknowledgedResults: byRequest[id]})
		cancel()
		if err != nil {
			errs = append(errs, transport.NewError(transport.ErrAck, "acknowledgeResults", id, err))
			continue
		}
		a.logger.Info().Str("request_id", id).Int("results", len(byRequest[id])).Msg("acknowledged batch")
	}
	return errors.Join(errs...)
}

func classify(op, artifact string, err error) error {
	if errors.Is(err, errUnauthorized) {
		return transport.NewError(transport.ErrAuthentication, op, artifact, err)
	}
	return transport.NewError(transport.ErrRead, op, artifact, err)
}

func (a *Adapter) Close() error { return nil }
