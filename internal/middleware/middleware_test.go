package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/capitalize-ai/conversation-router/pkg/logger"
)

const secret = "test-secret"

func whoami(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte(GetCompanyID(r.Context()) + "/" + GetUserID(r.Context())))
}

func TestAuth(t *testing.T) {
	valid, err := IssueToken(secret, "agent-a", "co-1", nil, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	expired, _ := IssueToken(secret, "agent-a", "co-1", nil, -time.Minute)
	noCompany, _ := IssueToken(secret, "agent-a", "", nil, time.Hour)
	wrongKey, _ := IssueToken("other", "agent-a", "co-1", nil, time.Hour)

	tests := []struct {
		name   string
		header string
		query  string
		status int
		body   string
	}{
		{name: "valid bearer", header: "Bearer " + valid, status: http.StatusOK, body: "co-1/agent-a"},
		{name: "query token", query: "?access_token=" + valid, status: http.StatusOK, body: "co-1/agent-a"},
		{name: "missing", status: http.StatusUnauthorized},
		{name: "bad scheme", header: "Basic " + valid, status: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + expired, status: http.StatusUnauthorized},
		{name: "wrong key", header: "Bearer " + wrongKey, status: http.StatusUnauthorized},
		{name: "no company", header: "Bearer " + noCompany, status: http.StatusUnauthorized},
	}

	h := Auth(secret)(http.HandlerFunc(whoami))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if tt.body != "" && rec.Body.String() != tt.body {
				t.Fatalf("body = %q, want %q", rec.Body.String(), tt.body)
			}
		})
	}
}

func TestRequireScope(t *testing.T) {
	admin, _ := IssueToken(secret, "boss", "co-1", []string{ScopeAdmin}, time.Hour)
	agent, _ := IssueToken(secret, "agent-a", "co-1", nil, time.Hour)
	h := Auth(secret)(RequireScope(ScopeAdmin)(http.HandlerFunc(whoami)))

	for token, want := range map[string]int{admin: http.StatusOK, agent: http.StatusForbidden} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Errorf("status = %d, want %d", rec.Code, want)
		}
	}
}

func TestLoggingSetsCorrelationID(t *testing.T) {
	h := Logging(logger.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetCorrelationID(r.Context()) != "corr-1" {
			t.Errorf("correlation id not propagated")
		}
		w.WriteHeader(http.StatusTeapot)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Correlation-ID", "corr-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Header().Get("X-Correlation-ID") != "corr-1" || rec.Code != http.StatusTeapot {
		t.Fatalf("unexpected response: %d %v", rec.Code, rec.Header())
	}
}

func TestValidation(t *testing.T) {
	if ValidateMessageContent("  ") == nil {
		t.Error("blank content must be rejected")
	}
	if ValidateMessageContent("hello") != nil {
		t.Error("plain content must pass")
	}
	if ValidateConversationID("not-a-uuid") == nil {
		t.Error("malformed conversation id must be rejected")
	}
	if ValidateEscalationID("0190f0a4-6a3e-7cc2-9d0e-1f1b2f7c9a10") != nil {
		t.Error("uuid v7 must pass")
	}
	if ValidateResolution(string([]byte{0xff})) == nil {
		t.Error("invalid UTF-8 must be rejected")
	}
	if ValidateUserID("") == nil {
		t.Error("empty user id must be rejected")
	}
}
