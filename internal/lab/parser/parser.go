// Package parser turns raw HL7 v2 result files into ResultMessages. The
// parser is picked by the processor's version tag, and every message keeps
// the tag and artifact it came from so it can be acknowledged and replayed.
package parser

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/labsync/internal/lab/processor"
	"github.com/ehr/labsync/internal/lab/transport"
)

// Tag records which transport and HL7 dialect produced a message.
type Tag struct {
	Protocol processor.Protocol `json:"protocol"`
	Version  processor.Version  `json:"version"`
}

func (t Tag) String() string { return string(t.Protocol) + ":" + string(t.Version) }

// ParseTag reads the String form, e.g. "sftp:v1".
func ParseTag(s string) (Tag, error) {
	p, v, ok := strings.Cut(s, ":")
	if !ok {
		return Tag{}, fmt.Errorf("parser: malformed tag %q", s)
	}
	proto, err := processor.ParseProtocol(p)
	if err != nil {
		return Tag{}, fmt.Errorf("parser: tag %q: %w", s, err)
	}
	ver, err := processor.ParseVersion(v)
	if err != nil {
		return Tag{}, fmt.Errorf("parser: tag %q: %w", s, err)
	}
	return Tag{Protocol: proto, Version: ver}, nil
}

// TagFor is the tag a processor's artifacts are fetched under.
func TagFor(cfg *processor.Config) Tag {
	return Tag{Protocol: cfg.Protocol, Version: cfg.Version}
}

// Observation is one OBX.
type Observation struct {
	SetID          string    `json:"set_id,omitempty"`
	ValueType      string    `json:"value_type,omitempty"`
	Code           string    `json:"code"`
	Text           string    `json:"text,omitempty"`
	CodingSystem   string    `json:"coding_system,omitempty"`
	Value          string    `json:"value"`
	Units          string    `json:"units,omitempty"`
	ReferenceRange string    `json:"reference_range,omitempty"`
	AbnormalFlag   string    `json:"abnormal_flag,omitempty"`
	Status         string    `json:"status,omitempty"`
	ObservedAt     time.Time `json:"observed_at,omitempty"`
	Notes          []string  `json:"notes,omitempty"`
}

// Order is one OBR with its observations.
type Order struct {
	PlacerNumber string        `json:"placer_number,omitempty"`
	FillerNumber string        `json:"filler_number,omitempty"`
	ServiceCode  string        `json:"service_code,omitempty"`
	ServiceText  string        `json:"service_text,omitempty"`
	CollectedAt  time.Time     `json:"collected_at,omitempty"`
	ReportedAt   time.Time     `json:"reported_at,omitempty"`
	ResultStatus string        `json:"result_status,omitempty"`
	Observations []Observation `json:"observations"`
	Notes        []string      `json:"notes,omitempty"`
}

// Report is one ORU message of an artifact.
type Report struct {
	ControlID     string    `json:"control_id"`
	MessageType   string    `json:"message_type"`
	HL7Version    string    `json:"hl7_version"`
	SentAt        time.Time `json:"sent_at,omitempty"`
	PatientID     string    `json:"patient_id,omitempty"`
	PatientFamily string    `json:"patient_family,omitempty"`
	PatientGiven  string    `json:"patient_given,omitempty"`
	DateOfBirth   string    `json:"date_of_birth,omitempty"`
	Sex           string    `json:"sex,omitempty"`
	// OrderNumber is the placer number of the first order (ORC-2, else OBR-2).
	OrderNumber string   `json:"order_number,omitempty"`
	Orders      []Order  `json:"orders"`
	Notes       []string `json:"notes,omitempty"`
}

// Parsed is what a Parser extracts from one artifact.
type Parsed struct {
	BatchID string
	Reports []Report
}

// ResultMessage is one fetched artifact, parsed.
type ResultMessage struct {
	ID        string             `json:"id"`
	ControlID string             `json:"control_id"`
	BatchID   string             `json:"batch_id,omitempty"`
	Processor string             `json:"processor"`
	Artifact  transport.Artifact `json:"artifact"`
	Tag       Tag                `json:"tag"`
	// TagInferred is set on replay when the archive had no tag for the
	// artifact and the processor's current tag was used.
	TagInferred bool      `json:"tag_inferred,omitempty"`
	Raw         string    `json:"raw"`
	Reports     []Report  `json:"reports"`
	ReceivedAt  time.Time `json:"received_at"`
}

// Parser converts the raw bytes of one artifact.
type Parser interface {
	Version() processor.Version
	Parse(raw []byte) (*Parsed, error)
}

// Registry selects a Parser by tag.
type Registry struct {
	parsers map[processor.Version]Parser
}

func NewRegistry(parsers ...Parser) *Registry {
	r := &Registry{parsers: make(map[processor.Version]Parser, len(parsers))}
	for _, p := range parsers {
		r.parsers[p.Version()] = p
	}
	return r
}

// DefaultRegistry serves v1 with the HL7 2.3 parser and v2 with 2.5.1.
func DefaultRegistry() *Registry {
	return NewRegistry(NewV23(), NewV251())
}

func (r *Registry) For(tag Tag) (Parser, error) {
	p, ok := r.parsers[tag.Version]
	if !ok {
		return nil, fmt.Errorf("parser: no parser for %s", tag)
	}
	return p, nil
}

// Parse builds the ResultMessage for art. Failures are transport.ErrParse.
func (r *Registry) Parse(processorID string, tag Tag, art transport.Artifact, raw []byte) (*ResultMessage, error) {
	p, err := r.For(tag)
	if err != nil {
		return nil, transport.NewError(transport.ErrParse, "parse", art.Name, err)
	}
	parsed, err := p.Parse(raw)
	if err != nil {
		return nil, transport.NewError(transport.ErrParse, "parse", art.Name, err)
	}

	batchID := parsed.BatchID
	if art.BatchID != "" {
		batchID = art.BatchID
	}
	msg := &ResultMessage{
		ID:         uuid.NewString(),
		BatchID:    batchID,
		Processor:  processorID,
		Artifact:   art,
		Tag:        tag,
		Raw:        string(raw),
		Reports:    parsed.Reports,
		ReceivedAt: time.Now().UTC(),
	}
	if len(parsed.Reports) > 0 {
		msg.ControlID = parsed.Reports[0].ControlID
	}
	return msg, nil
}
