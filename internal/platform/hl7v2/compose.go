package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

// SegmentSeparator joins segments in every message built by this package.
const SegmentSeparator = "\r"

// Header holds the MSH values of an outbound message.
type Header struct {
	SendingApp   string
	SendingFac   string
	ReceivingApp string
	ReceivingFac string
	Timestamp    time.Time
	MessageType  string // e.g. "ORM^O01"
	ControlID    string
	ProcessingID string // "P" production, "T" training, "D" debugging
	Version      string // e.g. "2.3.1"
}

// BuildMSH constructs an MSH segment from h. Values are escaped; the message
// type keeps its component separators.
func BuildMSH(h Header) string {
	return fmt.Sprintf("MSH|^~\\&|%s|%s|%s|%s|%s||%s|%s|%s|%s",
		Escape(h.SendingApp), Escape(h.SendingFac),
		Escape(h.ReceivingApp), Escape(h.ReceivingFac),
		FormatTimestamp(h.Timestamp), h.MessageType,
		Escape(h.ControlID), h.ProcessingID, h.Version)
}

// BuildSegment joins already-escaped field values into a segment, dropping
// trailing empty fields.
func BuildSegment(name string, fields ...string) string {
	last := len(fields)
	for last > 0 && fields[last-1] == "" {
		last--
	}
	if last == 0 {
		return name
	}
	return name + "|" + strings.Join(fields[:last], "|")
}

// Components joins component values with ^ after escaping each one, dropping
// trailing empty components.
func Components(values ...string) string {
	last := len(values)
	for last > 0 && values[last-1] == "" {
		last--
	}
	escaped := make([]string, last)
	for i := 0; i < last; i++ {
		escaped[i] = Escape(values[i])
	}
	return strings.Join(escaped, "^")
}

// Join assembles segments into a message.
func Join(segments []string) string {
	return strings.Join(segments, SegmentSeparator)
}

// FormatTimestamp renders t as YYYYMMDDHHmmss, or "" for the zero time.
func FormatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("20060102150405")
}

// FormatDate renders t as YYYYMMDD, or "" for the zero time.
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("20060102")
}

// Escape escapes HL7 special characters in a string.
// The HL7 escape sequences are:
//
//	\F\ = |  (field separator)
//	\S\ = ^  (component separator)
//	\R\ = ~  (repetition separator)
//	\E\ = \  (escape character)
//	\T\ = &  (subcomponent separator)
func Escape(s string) string {
	// Escape backslash first to avoid double-escaping
	s = strings.ReplaceAll(s, "\\", "\\E\\")
	s = strings.ReplaceAll(s, "|", "\\F\\")
	s = strings.ReplaceAll(s, "^", "\\S\\")
	s = strings.ReplaceAll(s, "~", "\\R\\")
	s = strings.ReplaceAll(s, "&", "\\T\\")
	// Segment separators inside a value would split the segment.
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return s
}

var unescaper = strings.NewReplacer(
	"\\F\\", "|",
	"\\S\\", "^",
	"\\R\\", "~",
	"\\T\\", "&",
	"\\E\\", "\\",
	"\\.br\\", "\n",
)

// Unescape reverses Escape for a received value. Formatting escapes other
// than \.br\ are left as-is.
func Unescape(s string) string {
	if !strings.Contains(s, "\\") {
		return s
	}
	return unescaper.Replace(s)
}
