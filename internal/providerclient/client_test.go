package providerclient

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convos/agent-pool-manager/internal/logging"
	"github.com/convos/agent-pool-manager/internal/status"
)

func testClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	c := NewClient(srv.URL, "test-token", nil, logging.New(false))
	c.http.RetryMax = 0 // don't retry deliberate error responses in tests
	return c, srv
}

func TestCreateService(t *testing.T) {
	c, srv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/services", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"id":"svc-123"}`)
	})
	defer srv.Close()

	id, err := c.CreateService(t.Context(), "convos-agent-prod-abc123", "prod")
	require.NoError(t, err)
	assert.Equal(t, "svc-123", id)
}

func TestListServices(t *testing.T) {
	c, srv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id":"svc-1","name":"convos-agent-prod-a","environmentId":"prod","latestDeploy":{"status":"SUCCESS"}}]`)
	})
	defer srv.Close()

	services, ok, err := c.ListServices(t.Context())
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, services, 1)
	assert.Equal(t, status.DeploySuccess, services[0].LatestDeployStatus)
}

func TestListServices_Unavailable(t *testing.T) {
	c, srv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, "boom")
	})
	defer srv.Close()

	services, ok, err := c.ListServices(t.Context())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, services)
}

func TestDeleteService_NotFoundIsSuccess(t *testing.T) {
	c, srv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	defer srv.Close()

	err := c.DeleteService(t.Context(), "svc-gone")
	assert.NoError(t, err)
}

func TestCreateCheckpoint_ParsesTerminalEvent(t *testing.T) {
	c, srv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"event\":\"started\"}\n")
		fmt.Fprint(w, "data: {\"event\":\"complete\",\"checkpointId\":\"cp-1\"}\n")
	})
	defer srv.Close()

	id, err := c.CreateCheckpoint(t.Context(), "svc-1", "golden")
	require.NoError(t, err)
	assert.Equal(t, "cp-1", id)
}

func TestCreateCheckpoint_NoTerminalEventFails(t *testing.T) {
	c, srv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"event\":\"started\"}\n")
	})
	defer srv.Close()

	_, err := c.CreateCheckpoint(t.Context(), "svc-1", "golden")
	require.Error(t, err)
	var fatal *FatalProviderError
	assert.ErrorAs(t, err, &fatal)
}

func TestFatalOnClientError(t *testing.T) {
	c, srv := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, "bad request")
	})
	defer srv.Close()

	_, err := c.CreateService(t.Context(), "x", "prod")
	require.Error(t, err)
	var fatal *FatalProviderError
	assert.ErrorAs(t, err, &fatal)
}
