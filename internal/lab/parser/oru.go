package parser

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ehr/labsync/internal/lab/processor"
	"github.com/ehr/labsync/internal/platform/hl7v2"
)

var (
	errNoMessages = errors.New("no ORU messages")
	errNoOBR      = errors.New("message has no OBR segment")
)

// oruParser reads ORU^R01 results. The two dialects differ in the accepted
// MSH-12 prefix and in where the observation time is taken from.
type oruParser struct {
	version       processor.Version
	versionPrefix string
	// analysisTime reads OBX-19, which only exists from 2.5 on.
	analysisTime bool
}

// NewV23 parses HL7 2.3 and 2.3.1 results.
func NewV23() Parser {
	return &oruParser{version: processor.VersionV1, versionPrefix: "2.3"}
}

// NewV251 parses HL7 2.5.1 results.
func NewV251() Parser {
	return &oruParser{version: processor.VersionV2, versionPrefix: "2.5", analysisTime: true}
}

func (p *oruParser) Version() processor.Version { return p.version }

func (p *oruParser) Parse(raw []byte) (*Parsed, error) {
	batch, err := hl7v2.ParseBatch(raw)
	if err != nil {
		return nil, err
	}
	out := &Parsed{BatchID: batch.BatchControlID()}
	for i, msg := range batch.Messages {
		r, err := p.report(msg)
		if err != nil {
			return nil, fmt.Errorf("message %d (%s): %w", i+1, msg.ControlID, err)
		}
		out.Reports = append(out.Reports, r)
	}
	if len(out.Reports) == 0 {
		return nil, errNoMessages
	}
	return out, nil
}

func (p *oruParser) report(msg *hl7v2.Message) (Report, error) {
	msgType, _, _ := strings.Cut(msg.Type, "^")
	if msgType != "ORU" {
		return Report{}, fmt.Errorf("unexpected message type %q", msg.Type)
	}
	version, _, _ := strings.Cut(msg.Version, "^")
	if version != "" && !strings.HasPrefix(version, p.versionPrefix) {
		return Report{}, fmt.Errorf("HL7 version %s does not match parser %s.x", version, p.versionPrefix)
	}

	r := Report{
		ControlID:   msg.ControlID,
		MessageType: msg.Type,
		HL7Version:  version,
		SentAt:      msg.Timestamp,
		PatientID:   msg.PatientID(),
		DateOfBirth: msg.DateOfBirth(),
		Sex:         msg.Gender(),
	}
	r.PatientFamily, r.PatientGiven = msg.PatientName()
	r.PatientFamily = hl7v2.Unescape(r.PatientFamily)
	r.PatientGiven = hl7v2.Unescape(r.PatientGiven)

	// ORC precedes the OBR it controls; NTE attaches to the closest
	// preceding PID, OBR or OBX.
	var (
		orc     *hl7v2.Segment
		order   *Order
		lastObx *Observation
	)
	for i := range msg.Segments {
		seg := &msg.Segments[i]
		switch seg.Name {
		case "ORC":
			orc = seg
		case "OBR":
			r.Orders = append(r.Orders, p.order(seg, orc))
			order = &r.Orders[len(r.Orders)-1]
			lastObx = nil
			orc = nil
		case "OBX":
			if order == nil {
				return Report{}, errors.New("OBX before OBR")
			}
			order.Observations = append(order.Observations, p.observation(seg, order))
			lastObx = &order.Observations[len(order.Observations)-1]
		case "NTE":
			note := hl7v2.Unescape(seg.GetField(3))
			switch {
			case lastObx != nil:
				lastObx.Notes = append(lastObx.Notes, note)
			case order != nil:
				order.Notes = append(order.Notes, note)
			default:
				r.Notes = append(r.Notes, note)
			}
		}
	}
	if len(r.Orders) == 0 {
		return Report{}, errNoOBR
	}
	r.OrderNumber = r.Orders[0].PlacerNumber
	return r, nil
}

func (p *oruParser) order(obr, orc *hl7v2.Segment) Order {
	o := Order{
		PlacerNumber: obr.GetComponent(2, 1),
		FillerNumber: obr.GetComponent(3, 1),
		ServiceCode:  obr.GetComponent(4, 1),
		ServiceText:  hl7v2.Unescape(obr.GetComponent(4, 2)),
		CollectedAt:  timestamp(obr.GetField(7)),
		ReportedAt:   timestamp(obr.GetField(22)),
		ResultStatus: obr.GetField(25),
	}
	if orc != nil {
		if v := orc.GetComponent(2, 1); v != "" {
			o.PlacerNumber = v
		}
		if o.FillerNumber == "" {
			o.FillerNumber = orc.GetComponent(3, 1)
		}
	}
	return o
}

func (p *oruParser) observation(obx *hl7v2.Segment, order *Order) Observation {
	o := Observation{
		SetID:          obx.GetField(1),
		ValueType:      obx.GetField(2),
		Code:           obx.GetComponent(3, 1),
		Text:           hl7v2.Unescape(obx.GetComponent(3, 2)),
		CodingSystem:   obx.GetComponent(3, 3),
		Units:          hl7v2.Unescape(obx.GetComponent(6, 1)),
		ReferenceRange: hl7v2.Unescape(obx.GetField(7)),
		AbnormalFlag:   obx.GetField(8),
		Status:         obx.GetField(11),
		ObservedAt:     timestamp(obx.GetField(14)),
	}
	// Structured values (CE, SN) keep their components joined by ^.
	o.Value = hl7v2.Unescape(obx.GetField(5))
	if o.ValueType == "CE" || o.ValueType == "CWE" {
		if text := obx.GetComponent(5, 2); text != "" {
			o.Value = hl7v2.Unescape(text)
		}
	}
	if p.analysisTime && o.ObservedAt.IsZero() {
		o.ObservedAt = timestamp(obx.GetField(19))
	}
	if o.ObservedAt.IsZero() {
		o.ObservedAt = order.CollectedAt
	}
	return o
}

func timestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := hl7v2.ParseTimestamp(s)
	if err != nil {
		return time.Time{}
	}
	return t
}
