package main

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRegisterProcessorRejectsBadCoreCount(t *testing.T) {
	api := &dispatcherAPI{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	cases := []struct {
		name string
		body string
	}{
		{"oversized", `{"core_count": 100000, "environment": {}}`},
		{"negative", `{"core_count": -1, "environment": {}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/processors", strings.NewReader(tc.body))
			w := httptest.NewRecorder()
			api.handleRegisterProcessor(w, r)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400, got %d", w.Code)
			}
			if !strings.Contains(w.Body.String(), "invalid_core_count") {
				t.Fatalf("expected invalid_core_count error, got %s", w.Body.String())
			}
		})
	}
}
