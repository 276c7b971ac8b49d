package errors

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitled/internal/shared/testutil"
)

func newTestMiddleware(t *testing.T) (*ErrorMiddleware, *testutil.BufferedSlogHandler) {
	logger, buffered := testutil.NewTestLogger(t)
	return NewErrorMiddleware(NewErrorHandler(logger, false), logger), buffered
}

func serveThrough(t *testing.T, m *ErrorMiddleware, status int, body string) {
	t.Helper()

	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(http.MethodPost, "/api/licenses/activate", bytes.NewReader([]byte(body)))
	} else {
		req = httptest.NewRequest(http.MethodGet, "/api/licenses", nil)
	}
	handler.ServeHTTP(httptest.NewRecorder(), req)
}

func TestErrorMiddleware_LogsSuccessAtInfo(t *testing.T) {
	m, buffered := newTestMiddleware(t)
	serveThrough(t, m, http.StatusOK, "")

	records := buffered.GetRecordsByLevel(slog.LevelInfo)
	require.Len(t, records, 1)
	assert.Equal(t, "http request", records[0].Message)
	assert.EqualValues(t, http.StatusOK, records[0].Attrs["status"])
	assert.Equal(t, "GET", records[0].Attrs["method"])
}

func TestErrorMiddleware_LogsClientErrorAtWarn(t *testing.T) {
	m, buffered := newTestMiddleware(t)
	serveThrough(t, m, http.StatusNotFound, "")

	require.Len(t, buffered.GetRecordsByLevel(slog.LevelWarn), 1)
	assert.Empty(t, buffered.GetRecordsByLevel(slog.LevelError))
}

func TestErrorMiddleware_LogsServerErrorAtError(t *testing.T) {
	m, buffered := newTestMiddleware(t)
	serveThrough(t, m, http.StatusInternalServerError, "")

	require.Len(t, buffered.GetRecordsByLevel(slog.LevelError), 1)
}

func TestErrorMiddleware_CapturesRequestBodyOnError(t *testing.T) {
	m, buffered := newTestMiddleware(t)
	serveThrough(t, m, http.StatusBadRequest, `{"license_key":"ABCD-EFGH-JKLM-NPQR","domain":"shop.example.com"}`)

	records := buffered.GetRecordsByLevel(slog.LevelWarn)
	require.Len(t, records, 1)

	bodyAttr, ok := records[0].Attrs["request_body"].(string)
	require.True(t, ok)

	var logged map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(bodyAttr), &logged))
	assert.Equal(t, "[REDACTED]", logged["license_key"])
	assert.Equal(t, "shop.example.com", logged["domain"])
}

func TestErrorMiddleware_OmitsRequestBodyOnSuccess(t *testing.T) {
	m, buffered := newTestMiddleware(t)
	serveThrough(t, m, http.StatusOK, `{"license_key":"ABCD-EFGH-JKLM-NPQR"}`)

	records := buffered.GetRecordsByLevel(slog.LevelInfo)
	require.Len(t, records, 1)
	assert.NotContains(t, records[0].Attrs, "request_body")
}

func TestErrorMiddleware_BodyStillReadableByHandler(t *testing.T) {
	m, _ := newTestMiddleware(t)

	var seen string
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		seen = payload["domain"]
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/licenses/verify",
		bytes.NewReader([]byte(`{"domain":"example.com"}`)))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "example.com", seen)
}

func TestErrorMiddleware_RecoversPanics(t *testing.T) {
	m, buffered := newTestMiddleware(t)

	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("corrupted index")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/licenses", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	testutil.AssertLogContains(t, buffered, slog.LevelError, "panic recovered")
}

func TestSanitizeRequestBody(t *testing.T) {
	tests := []struct {
		name  string
		field string
	}{
		{"password", "password"},
		{"token", "token"},
		{"api_key", "api_key"},
		{"license_key", "license_key"},
		{"licenseKey", "licenseKey"},
		{"activation_key", "activation_key"},
		{"activationKey", "activationKey"},
		{"hardware_id", "hardware_id"},
		{"credit_card", "credit_card"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input, err := json.Marshal(map[string]string{tt.field: "sensitive", "safe": "visible"})
			require.NoError(t, err)

			var sanitized map[string]interface{}
			require.NoError(t, json.Unmarshal([]byte(sanitizeRequestBody(string(input))), &sanitized))
			assert.Equal(t, "[REDACTED]", sanitized[tt.field])
			assert.Equal(t, "visible", sanitized["safe"])
		})
	}
}

func TestSanitizeRequestBody_NonJSONPassthrough(t *testing.T) {
	assert.Equal(t, "plain text body", sanitizeRequestBody("plain text body"))
}

func TestRecoveryMiddleware(t *testing.T) {
	logger, buffered := testutil.NewTestLogger(t)
	eh := NewErrorHandler(logger, false)

	handler := RecoveryMiddleware(eh)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("nil map write")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/licenses", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	testutil.AssertLogContains(t, buffered, slog.LevelError, "panic recovered")
}
