package hl7v2

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

// =========== Handler Tests ===========

func TestHandler_ParseMessage(t *testing.T) {
	h := NewHandler()
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/hl7v2/parse", strings.NewReader(sampleORU))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ParseMessage(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	contentType := rec.Header().Get("Content-Type")
	if !strings.Contains(contentType, "application/json") {
		t.Errorf("expected Content-Type containing 'application/json', got %q", contentType)
	}

	var result struct {
		BatchControlID string        `json:"batchControlId"`
		Messages       []messageJSON `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse JSON response: %v", err)
	}

	if len(result.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(result.Messages))
	}
	msg := result.Messages[0]
	if msg.Type != "ORU^R01" {
		t.Errorf("expected type 'ORU^R01', got %v", msg.Type)
	}
	if msg.ControlID != "MSG00002" {
		t.Errorf("expected controlId 'MSG00002', got %v", msg.ControlID)
	}
	if msg.Version != "2.5.1" {
		t.Errorf("expected version '2.5.1', got %v", msg.Version)
	}
	if len(msg.Segments) != 5 {
		t.Errorf("expected 5 segments, got %d", len(msg.Segments))
	}
}

func TestHandler_ParseMessage_Batch(t *testing.T) {
	h := NewHandler()
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/hl7v2/parse", strings.NewReader(sampleBatch))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ParseMessage(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var result struct {
		BatchControlID string        `json:"batchControlId"`
		Messages       []messageJSON `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse JSON response: %v", err)
	}
	if result.BatchControlID != "BATCH77" {
		t.Errorf("expected batchControlId 'BATCH77', got %q", result.BatchControlID)
	}
	if len(result.Messages) != 2 {
		t.Errorf("expected 2 messages, got %d", len(result.Messages))
	}
}

func TestHandler_ParseMessage_EmptyBody(t *testing.T) {
	h := NewHandler()
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/hl7v2/parse", strings.NewReader(""))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ParseMessage(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_ParseMessage_Invalid(t *testing.T) {
	h := NewHandler()
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/hl7v2/parse", strings.NewReader("not an hl7 message"))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ParseMessage(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h := NewHandler()
	e := echo.New()
	g := e.Group("/api/v1")
	h.RegisterRoutes(g)

	found := false
	for _, r := range e.Routes() {
		if r.Method == http.MethodPost && r.Path == "/api/v1/hl7v2/parse" {
			found = true
		}
	}
	if !found {
		t.Error("expected POST /api/v1/hl7v2/parse to be registered")
	}
}
