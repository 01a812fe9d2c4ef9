package util

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWithRequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{name: "propagates incoming id", incoming: "req-123", keep: true},
		{name: "generates when absent", incoming: "", keep: false},
		{name: "replaces id with spaces", incoming: "bad id", keep: false},
		{name: "replaces oversized id", incoming: strings.Repeat("a", 200), keep: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var seen string
			h := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = RequestIDFromContext(r.Context())
				if LoggerFromContext(r.Context()) == nil {
					t.Fatalf("expected logger in context")
				}
				w.WriteHeader(http.StatusNoContent)
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.incoming != "" {
				req.Header.Set(RequestIDHeader, tc.incoming)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			got := rec.Header().Get(RequestIDHeader)
			if got == "" || got != seen {
				t.Fatalf("header id %q, context id %q", got, seen)
			}
			if tc.keep && got != tc.incoming {
				t.Fatalf("request id = %q, want %q", got, tc.incoming)
			}
			if !tc.keep && got == tc.incoming {
				t.Fatalf("expected generated id, got incoming %q", got)
			}
		})
	}
}
