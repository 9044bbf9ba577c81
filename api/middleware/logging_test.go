package middleware

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/escrowpay-backend/pkg/logger"
)

func completedLine(t *testing.T, out *bytes.Buffer) map[string]any {
	t.Helper()
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		if line["message"] == "request.complete" {
			return line
		}
	}
	t.Fatal("no request.complete line logged")
	return nil
}

func TestLoggingRecordsExplicitStatus(t *testing.T) {
	var out bytes.Buffer
	logg := logger.New(logger.Options{ServiceName: "test", Level: zerolog.InfoLevel, Output: &out})
	handler := Logging(logg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("busy"))
	}))

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/v1/payments", nil))

	line := completedLine(t, &out)
	assert.Equal(t, float64(http.StatusConflict), line["status"])
	assert.Equal(t, float64(4), line["bytes"])
	assert.Equal(t, "/api/v1/payments", line["path"])
}

func TestLoggingDefaultsToOK(t *testing.T) {
	var out bytes.Buffer
	logg := logger.New(logger.Options{ServiceName: "test", Output: &out})
	handler := Logging(logg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{}"))
	}))

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, float64(http.StatusOK), completedLine(t, &out)["status"])
}

func TestLoggingWithoutLogger(t *testing.T) {
	resp := httptest.NewRecorder()
	Logging(nil)(okHandler()).ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, resp.Code)
}
