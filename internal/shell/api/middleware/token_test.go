package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name       string
		configured string
		presented  string
		wantStatus int
	}{
		{name: "no token configured", wantStatus: http.StatusNoContent},
		{name: "matching token", configured: "s3cret", presented: "s3cret", wantStatus: http.StatusNoContent},
		{name: "missing token", configured: "s3cret", wantStatus: http.StatusForbidden},
		{name: "wrong token", configured: "s3cret", presented: "guess", wantStatus: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewTokenMiddleware(TokenConfig{Token: tt.configured}).Handler(ok)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/services/web/reload", nil)
			if tt.presented != "" {
				req.Header.Set(HeaderToken, tt.presented)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusForbidden {
				assert.Contains(t, rec.Body.String(), "invalid control token")
			}
		})
	}
}
