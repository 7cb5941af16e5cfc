package httpx

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSON(t *testing.T) {
	rr := httptest.NewRecorder()
	JSON(rr, http.StatusAccepted, map[string]string{"status": "queued"})

	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	require.JSONEq(t, `{"status":"queued"}`, rr.Body.String())
}

func TestProblemHidesServerErrorDetail(t *testing.T) {
	rr := httptest.NewRecorder()
	Problem(rr, http.StatusServiceUnavailable, "dial tcp 10.0.0.4:6379: connection refused")

	var body ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, http.StatusServiceUnavailable, body.Status)
	require.Equal(t, "Service Unavailable", body.Title)
	require.Empty(t, body.Detail)

	rr = httptest.NewRecorder()
	Problem(rr, http.StatusBadRequest, "plot id must be positive")
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "plot id must be positive", body.Detail)
	require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
}
