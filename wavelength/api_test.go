package wavelength

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAPIFixture(t *testing.T) (*API, *Wavelength) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	w, _ := newCommandFixture(t)
	w.startedAt = time.Now()

	api, err := newAPI(w, w.config.API)
	require.NoError(t, err)
	return api, w
}

func apiGet(t *testing.T, api *API, path string) *httptest.ResponseRecorder {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, path, nil)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	api.engine.ServeHTTP(rec, req)
	return rec
}

func TestAPIStatus(t *testing.T) {
	api, w := newAPIFixture(t)

	key, _, err := w.registry.Create("channel-a", "guild-a", false)
	require.NoError(t, err)
	require.NoError(t, w.registry.Link(key, "channel-b", "guild-b", "u", ""))

	rec := apiGet(t, api, apiPathStatus)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(xRequestIDHeader))

	var status apiStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, Version, status.Version)
	assert.False(t, status.GatewayUp)
	assert.Equal(t, 1, status.Frequencies)
	assert.Equal(t, 2, status.LinkedChannels)
	assert.Equal(t, 0, status.Correspondences)
	assert.Equal(t, int64(0), status.Relay.MessagesRelayed)
}

func TestAPIFrequencies(t *testing.T) {
	api, w := newAPIFixture(t)

	rec := apiGet(t, api, apiPathFrequencies)
	require.Equal(t, http.StatusOK, rec.Code)

	var summaries []FrequencySummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summaries))
	assert.Empty(t, summaries)

	key, _, err := w.registry.Create("channel-a", "guild-a", false)
	require.NoError(t, err)

	rec = apiGet(t, api, apiPathFrequencies)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, key, summaries[0].Key)
	assert.Equal(t, 1, summaries[0].MemberCount)
}

func TestAPIRequestMetrics(t *testing.T) {
	api, _ := newAPIFixture(t)

	apiGet(t, api, apiPathStatus)
	apiGet(t, api, apiPathStatus)
	apiGet(t, api, apiPathFrequencies)

	api.requestMetricsMu.Lock()
	defer api.requestMetricsMu.Unlock()
	assert.Equal(t, 2, api.requestMetrics["GET "+apiPathStatus])
	assert.Equal(t, 1, api.requestMetrics["GET "+apiPathFrequencies])
}
