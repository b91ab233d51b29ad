package utils

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRespondError(t *testing.T) {
	resp := httptest.NewRecorder()
	RespondError(resp, http.StatusBadRequest, "room is required")

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	if ct := resp.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if body := strings.TrimSpace(resp.Body.String()); body != `{"error":"room is required"}` {
		t.Fatalf("unexpected body %s", body)
	}
}

func TestRespondText(t *testing.T) {
	resp := httptest.NewRecorder()
	RespondText(resp, http.StatusOK, "running")

	if resp.Code != http.StatusOK || resp.Body.String() != "running" {
		t.Fatalf("unexpected response %d %q", resp.Code, resp.Body.String())
	}
	if ct := resp.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
}
