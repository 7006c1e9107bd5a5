package hl7v2

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handler provides the HTTP endpoint for HL7v2 message inspection.
type Handler struct{}

// NewHandler creates a new HL7v2 handler.
func NewHandler() *Handler {
	return &Handler{}
}

// RegisterRoutes registers HL7v2 endpoints on the provided route group.
//
//	POST /api/v1/hl7v2/parse - Parse an HL7v2 message or batch to JSON
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/hl7v2/parse", h.ParseMessage)
}

// segmentJSON is the JSON representation of a parsed segment.
type segmentJSON struct {
	Name   string      `json:"name"`
	Fields []fieldJSON `json:"fields"`
}

// fieldJSON is the JSON representation of a parsed field.
type fieldJSON struct {
	Value      string     `json:"value"`
	Components []string   `json:"components,omitempty"`
	Repeats    [][]string `json:"repeats,omitempty"`
}

type messageJSON struct {
	Type         string        `json:"type"`
	ControlID    string        `json:"controlId"`
	Version      string        `json:"version"`
	Timestamp    string        `json:"timestamp"`
	SendingApp   string        `json:"sendingApp"`
	SendingFac   string        `json:"sendingFac"`
	ReceivingApp string        `json:"receivingApp"`
	ReceivingFac string        `json:"receivingFac"`
	Segments     []segmentJSON `json:"segments"`
}

// ParseMessage handles POST /api/v1/hl7v2/parse.
// It reads raw HL7v2 from the request body and returns parsed JSON. A body
// holding several MSH-delimited messages yields one entry per message.
func (h *Handler) ParseMessage(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "failed to read request body",
		})
	}

	if len(body) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "request body is empty",
		})
	}

	batch, err := ParseBatch(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "failed to parse HL7v2 message: " + err.Error(),
		})
	}

	messages := make([]messageJSON, len(batch.Messages))
	for i, msg := range batch.Messages {
		messages[i] = toMessageJSON(msg)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"batchControlId": batch.BatchControlID(),
		"messages":       messages,
	})
}

func toMessageJSON(msg *Message) messageJSON {
	segments := make([]segmentJSON, len(msg.Segments))
	for i, seg := range msg.Segments {
		fields := make([]fieldJSON, len(seg.Fields))
		for j, f := range seg.Fields {
			fields[j] = fieldJSON{
				Value:      f.Value,
				Components: f.Components,
				Repeats:    f.Repeats,
			}
		}
		segments[i] = segmentJSON{
			Name:   seg.Name,
			Fields: fields,
		}
	}

	ts := ""
	if !msg.Timestamp.IsZero() {
		ts = msg.Timestamp.Format("2006-01-02T15:04:05Z")
	}

	return messageJSON{
		Type:         msg.Type,
		ControlID:    msg.ControlID,
		Version:      msg.Version,
		Timestamp:    ts,
		SendingApp:   msg.SendingApp,
		SendingFac:   msg.SendingFac,
		ReceivingApp: msg.ReceivingApp,
		ReceivingFac: msg.ReceivingFac,
		Segments:     segments,
	}
}
