package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"gridbot/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{})                 {}
func (nopLogger) Info(string, ...interface{})                  {}
func (nopLogger) Warn(string, ...interface{})                  {}
func (nopLogger) Error(string, ...interface{})                 {}
func (nopLogger) Fatal(string, ...interface{})                 {}
func (n nopLogger) WithField(string, interface{}) core.ILogger { return n }
func (n nopLogger) WithFields(map[string]interface{}) core.ILogger {
	return n
}

func TestStatusServesUpdatedKeys(t *testing.T) {
	s := NewServer("0", nopLogger{}, nil)
	s.UpdateStatus("mode", "paper")
	s.UpdateStatus("symbol", "TQQQ")

	rec := httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, map[string]string{"mode": "paper", "symbol": "TQQQ"}, got)
}

func TestHealthReportsHalted(t *testing.T) {
	s := NewServer("0", nopLogger{}, func() (bool, map[string]interface{}) {
		return false, map[string]interface{}{"halted": "true"}
	})

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "halted", got["status"])
}

func TestReconcileEndpoint(t *testing.T) {
	s := NewServer("0", nopLogger{}, nil)

	rec := httptest.NewRecorder()
	s.handleReconcile(rec, httptest.NewRequest(http.MethodGet, "/reconcile", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	s.handleReconcile(rec, httptest.NewRequest(http.MethodPost, "/reconcile", nil))
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	accepted := false
	s.SetReconcileTrigger(func() bool { return accepted })

	rec = httptest.NewRecorder()
	s.handleReconcile(rec, httptest.NewRequest(http.MethodPost, "/reconcile", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	accepted = true
	rec = httptest.NewRecorder()
	s.handleReconcile(rec, httptest.NewRequest(http.MethodPost, "/reconcile", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
