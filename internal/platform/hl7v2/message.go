package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

// Message represents a parsed HL7v2 message.
type Message struct {
	Type         string    // MSH-9 message type (e.g. "ORU^R01")
	ControlID    string    // MSH-10
	ProcessingID string    // MSH-11
	Version      string    // MSH-12 (e.g. "2.5.1")
	Timestamp    time.Time // MSH-7
	SendingApp   string    // MSH-3
	SendingFac   string    // MSH-4
	ReceivingApp string    // MSH-5
	ReceivingFac string    // MSH-6
	Segments     []Segment
}

// Segment represents a single HL7v2 segment.
type Segment struct {
	Name   string // e.g. "MSH", "PID", "OBR", "OBX"
	Fields []Field
}

// Field represents a field which can have components and repetitions.
type Field struct {
	Value      string
	Components []string   // Component-separated (^)
	Repeats    [][]string // Repetition-separated (~), each with components
}

// Batch is the content of one transport artifact: zero or more messages,
// optionally wrapped in FHS/BHS envelopes.
type Batch struct {
	FileHeader  *Segment // FHS, if present
	BatchHeader *Segment // BHS, if present
	Messages    []*Message
}

// BatchControlID returns BHS-11, falling back to FHS-11.
func (b *Batch) BatchControlID() string {
	if b.BatchHeader != nil {
		if id := b.BatchHeader.GetField(11); id != "" {
			return id
		}
	}
	if b.FileHeader != nil {
		return b.FileHeader.GetField(11)
	}
	return ""
}

// Parse parses raw HL7v2 message bytes into a structured Message.
// It supports \r, \n, and \r\n line endings for segment separation.
func Parse(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("hl7v2: message is empty")
	}

	segmentLines := splitLines(raw)
	if len(segmentLines) == 0 {
		return nil, fmt.Errorf("hl7v2: no segments found")
	}

	// First segment must be MSH
	if !strings.HasPrefix(segmentLines[0], "MSH") {
		return nil, fmt.Errorf("hl7v2: first segment must be MSH, got %q", segmentLines[0][:min(3, len(segmentLines[0]))])
	}

	return parseLines(segmentLines)
}

// ParseBatch parses an artifact that may hold several messages. FHS/BHS
// headers are kept, BTS/FTS trailers are dropped. Every message must start
// with MSH.
func ParseBatch(raw []byte) (*Batch, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("hl7v2: message is empty")
	}

	// Strip a UTF-8 BOM some lab systems prepend.
	raw = []byte(strings.TrimPrefix(string(raw), "\ufeff"))

	lines := splitLines(raw)
	if len(lines) == 0 {
		return nil, fmt.Errorf("hl7v2: no segments found")
	}

	batch := &Batch{}
	var current []string
	flush := func() error {
		if len(current) == 0 {
			return nil
		}
		msg, err := parseLines(current)
		if err != nil {
			return err
		}
		batch.Messages = append(batch.Messages, msg)
		current = nil
		return nil
	}

	for _, line := range lines {
		switch segmentName(line) {
		case "FHS", "BHS":
			seg, err := parseSegment(line)
			if err != nil {
				return nil, fmt.Errorf("hl7v2: failed to parse segment: %w", err)
			}
			if seg.Name == "FHS" {
				batch.FileHeader = &seg
			} else {
				batch.BatchHeader = &seg
			}
		case "BTS", "FTS":
			// trailers carry counts only
		case "MSH":
			if err := flush(); err != nil {
				return nil, err
			}
			current = append(current, line)
		default:
			if len(current) == 0 {
				return nil, fmt.Errorf("hl7v2: segment %q appears before MSH", segmentName(line))
			}
			current = append(current, line)
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	if len(batch.Messages) == 0 {
		return nil, fmt.Errorf("hl7v2: no MSH segment found")
	}
	return batch, nil
}

// splitLines normalizes line endings and returns the non-empty segment lines.
func splitLines(raw []byte) []string {
	text := string(raw)
	text = strings.ReplaceAll(text, "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	var segmentLines []string
	for _, line := range strings.Split(text, "\r") {
		line = strings.TrimSpace(line)
		if line != "" {
			segmentLines = append(segmentLines, line)
		}
	}
	return segmentLines
}

func segmentName(line string) string {
	if i := strings.IndexByte(line, '|'); i >= 0 {
		return line[:i]
	}
	return line
}

func parseLines(lines []string) (*Message, error) {
	msg := &Message{}
	for _, line := range lines {
		seg, err := parseSegment(line)
		if err != nil {
			return nil, fmt.Errorf("hl7v2: failed to parse segment: %w", err)
		}
		msg.Segments = append(msg.Segments, seg)
	}

	if err := msg.extractMSHFields(); err != nil {
		return nil, err
	}
	return msg, nil
}

// parseSegment parses a single segment line into a Segment struct.
func parseSegment(line string) (Segment, error) {
	if len(line) < 3 {
		return Segment{}, fmt.Errorf("segment too short: %q", line)
	}

	seg := Segment{}

	// MSH, FHS and BHS are special: the field separator is field 1 itself.
	if name := line[:3]; name == "MSH" || name == "FHS" || name == "BHS" {
		seg.Name = name
		if len(line) < 4 {
			return seg, nil
		}

		fieldSep := string(line[3])
		rest := line[4:]
		parts := strings.Split(rest, fieldSep)

		// fields[0] = MSH-1 = "|"
		// fields[1] = MSH-2 = encoding chars
		// fields[2] = MSH-3 = sending app, etc.
		seg.Fields = append(seg.Fields, Field{
			Value:      fieldSep,
			Components: []string{fieldSep},
		})
		for i, part := range parts {
			if i == 0 {
				// Encoding characters must not be split on ^ or ~.
				seg.Fields = append(seg.Fields, Field{Value: part, Components: []string{part}})
				continue
			}
			seg.Fields = append(seg.Fields, parseField(part))
		}
		return seg, nil
	}

	parts := strings.SplitN(line, "|", 2)
	seg.Name = parts[0]
	if len(parts) > 1 {
		for _, f := range strings.Split(parts[1], "|") {
			seg.Fields = append(seg.Fields, parseField(f))
		}
	}

	return seg, nil
}

// parseField parses a single field, handling components (^) and repetitions (~).
func parseField(raw string) Field {
	f := Field{
		Value: raw,
	}

	for _, rep := range strings.Split(raw, "~") {
		f.Repeats = append(f.Repeats, strings.Split(rep, "^"))
	}

	if len(f.Repeats) > 0 {
		f.Components = f.Repeats[0]
	} else {
		f.Components = strings.Split(raw, "^")
	}

	return f
}

// extractMSHFields extracts commonly used MSH fields into the Message struct.
func (m *Message) extractMSHFields() error {
	msh := m.GetSegment("MSH")
	if msh == nil {
		return fmt.Errorf("hl7v2: MSH segment not found")
	}

	m.SendingApp = mshField(msh, 2)
	m.SendingFac = mshField(msh, 3)
	m.ReceivingApp = mshField(msh, 4)
	m.ReceivingFac = mshField(msh, 5)

	if tsStr := mshField(msh, 6); tsStr != "" {
		if t, err := ParseTimestamp(tsStr); err == nil {
			m.Timestamp = t
		}
	}

	m.Type = mshField(msh, 8)
	m.ControlID = mshField(msh, 9)
	m.ProcessingID = mshField(msh, 10)
	m.Version = mshField(msh, 11)

	return nil
}

// mshField returns the value of an MSH field by its 0-based index into the Fields slice.
// MSH indexing: Fields[0]=MSH-1, Fields[1]=MSH-2, ... Fields[n]=MSH-(n+1).
func mshField(msh *Segment, index int) string {
	if index >= len(msh.Fields) {
		return ""
	}
	return msh.Fields[index].Value
}

// ParseTimestamp parses an HL7v2 timestamp string (YYYYMMDDHHmmss, YYYYMMDDHHmm
// or YYYYMMDD). Fractional seconds and zone offsets are ignored.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	switch {
	case len(s) >= 14:
		return time.Parse("20060102150405", s[:14])
	case len(s) >= 12:
		return time.Parse("200601021504", s[:12])
	case len(s) >= 8:
		return time.Parse("20060102", s[:8])
	default:
		return time.Time{}, fmt.Errorf("hl7v2: unrecognized timestamp format: %q", s)
	}
}

// GetSegment returns the first segment with the given name, or nil if not found.
func (m *Message) GetSegment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// GetSegments returns all segments with the given name.
func (m *Message) GetSegments(name string) []Segment {
	var result []Segment
	for _, seg := range m.Segments {
		if seg.Name == name {
			result = append(result, seg)
		}
	}
	return result
}

// GetField returns the value of a field by 1-based index.
// For MSH, MSH-1 is Fields[0] (the field separator); for every other segment
// field 1 is Fields[0] as well, so the lookup is the same.
func (s *Segment) GetField(index int) string {
	idx := index - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	return s.Fields[idx].Value
}

// GetComponent returns a component value by 1-based field and component indices.
func (s *Segment) GetComponent(fieldIdx, compIdx int) string {
	idx := fieldIdx - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	field := &s.Fields[idx]

	ci := compIdx - 1
	if ci < 0 || ci >= len(field.Components) {
		return ""
	}
	return field.Components[ci]
}

// PatientID returns PID-3.1 (the first component of the patient identifier field).
func (m *Message) PatientID() string {
	pid := m.GetSegment("PID")
	if pid == nil {
		return ""
	}
	return pid.GetComponent(3, 1)
}

// PatientName returns the family and given name from PID-5 (family^given).
func (m *Message) PatientName() (family, given string) {
	pid := m.GetSegment("PID")
	if pid == nil {
		return "", ""
	}
	family = pid.GetComponent(5, 1)
	given = pid.GetComponent(5, 2)
	return family, given
}

// DateOfBirth returns PID-7 (date of birth).
func (m *Message) DateOfBirth() string {
	pid := m.GetSegment("PID")
	if pid == nil {
		return ""
	}
	return pid.GetField(7)
}

// Gender returns PID-8 (administrative sex).
func (m *Message) Gender() string {
	pid := m.GetSegment("PID")
	if pid == nil {
		return ""
	}
	return pid.GetField(8)
}
