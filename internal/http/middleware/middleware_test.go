package middleware

import (
	"bytes"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthProtectsOnlyV1Routes(t *testing.T) {
	handler := Auth("secret")(okHandler())

	cases := []struct {
		path   string
		header string
		want   int
	}{
		{"/healthz", "", http.StatusOK},
		{"/v1/records", "", http.StatusUnauthorized},
		{"/v1/records", "Bearer wrong", http.StatusUnauthorized},
		{"/v1/records", "Basic secret", http.StatusUnauthorized},
		{"/v1/records", "Bearer secret", http.StatusOK},
	}
	for _, tc := range cases {
		request := httptest.NewRequest(http.MethodGet, tc.path, nil)
		if tc.header != "" {
			request.Header.Set("Authorization", tc.header)
		}
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)
		if recorder.Code != tc.want {
			t.Fatalf("%s with %q: expected %d, got %d", tc.path, tc.header, tc.want, recorder.Code)
		}
	}
}

func TestAuthDisabledWithoutToken(t *testing.T) {
	recorder := httptest.NewRecorder()
	Auth("")(okHandler()).ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/v1/records", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected open access, got %d", recorder.Code)
	}
}

func TestRequestIDKeepsUsableHeaderAndReplacesOthers(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	request := httptest.NewRequest(http.MethodGet, "/", nil)
	request.Header.Set("X-Request-Id", "abc-123")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	if seen != "abc-123" || recorder.Header().Get("X-Request-Id") != "abc-123" {
		t.Fatalf("expected propagated id, got %q", seen)
	}

	request = httptest.NewRequest(http.MethodGet, "/", nil)
	request.Header.Set("X-Request-Id", strings.Repeat("x", 500))
	handler.ServeHTTP(httptest.NewRecorder(), request)
	if len(seen) != 36 {
		t.Fatalf("expected generated uuid for oversized id, got %q", seen)
	}
}

func TestRateLimitRejectsBurstOverflow(t *testing.T) {
	handler := RateLimit(0.001, 2)(okHandler())
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		request := httptest.NewRequest(http.MethodGet, "/v1/records", nil)
		request.RemoteAddr = "10.0.0.1:5000"
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)
		codes = append(codes, recorder.Code)
		if recorder.Code == http.StatusTooManyRequests && recorder.Header().Get("Retry-After") == "" {
			t.Fatalf("expected Retry-After on rejection")
		}
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected status codes %v", codes)
	}

	other := httptest.NewRequest(http.MethodGet, "/v1/records", nil)
	other.RemoteAddr = "10.0.0.2:5000"
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, other)
	if recorder.Code != http.StatusOK {
		t.Fatalf("limits should be per client, got %d", recorder.Code)
	}
}

func TestTraceLogsStatus(t *testing.T) {
	var buffer bytes.Buffer
	handler := RequestID(Trace(log.New(&buffer, "", 0))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/records/1", nil))

	line := buffer.String()
	if !strings.Contains(line, "status=202") || !strings.Contains(line, "path=/v1/records/1") {
		t.Fatalf("unexpected trace line %q", line)
	}
}
