package main

import (
	"bytes"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolateConfig(t *testing.T) {
	t.Helper()
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
}

func TestRunConfigValidation(t *testing.T) {
	isolateConfig(t)
	t.Setenv("TG_STRATEGY", "least_connections")

	var out bytes.Buffer
	require.NoError(t, runConfigValidation(&out))
	assert.Contains(t, out.String(), "Strategy: least_connections")
}

func TestRunConfigValidationFails(t *testing.T) {
	isolateConfig(t)
	t.Setenv("TG_STRATEGY", "fastest")

	assert.Error(t, runConfigValidation(&bytes.Buffer{}))
}

func TestRunPrintConfig(t *testing.T) {
	isolateConfig(t)
	t.Setenv("TG_PORT", "8181")

	var out bytes.Buffer
	require.NoError(t, runPrintConfig(&out))
	assert.Contains(t, out.String(), "port: 8181")
}

func TestRunStats(t *testing.T) {
	isolateConfig(t)
	t.Setenv("TG_INSTANCES", "orders/o-1=10.0.0.1:8080,orders/o-2=10.0.0.2:8080,billing/b-1=10.0.0.3:9000")

	var out bytes.Buffer
	require.NoError(t, runStats(&out))
	assert.Contains(t, out.String(), "Total instances: 3")
	assert.Contains(t, out.String(), "orders: 2 instances (round_robin)")
	assert.Contains(t, out.String(), "billing: 1 instances (round_robin)")
}

func TestRunHealthCheck(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer backend.Close()

	host, port, err := net.SplitHostPort(backend.Listener.Addr().String())
	require.NoError(t, err)

	isolateConfig(t)
	t.Setenv("TG_INSTANCES", "orders/o-1="+host+":"+port)

	var out bytes.Buffer
	require.NoError(t, runHealthCheck(&out))
	assert.Contains(t, out.String(), "orders/o-1")
	assert.Contains(t, out.String(), "✓ healthy")
}

func TestGetPort(t *testing.T) {
	t.Setenv("PORT", "")
	assert.Equal(t, 8080, getPort(8080))

	t.Setenv("PORT", "9999")
	assert.Equal(t, 9999, getPort(8080))

	t.Setenv("PORT", "not-a-port")
	assert.Equal(t, 8080, getPort(8080))
}
