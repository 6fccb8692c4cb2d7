package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/mcpflow/internal/engine"
	"github.com/rendis/mcpflow/pkg/schema"
)

func weatherCall() engine.ServiceCall {
	return engine.ServiceCall{
		Service: &schema.ServiceDescriptor{Slug: "weather", CostPerCallCents: 2},
		Tool:    "weather",
		Inputs:  map[string]any{"city": "Lima"},
		Config:  map[string]any{"units": "metric"},
	}
}

func TestGatewayClient_PostsCallEnvelope(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/call", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"temp": 21.5, "sky": "clear"}`))
	}))
	defer srv.Close()

	out, err := NewGatewayClient(srv.URL+"/", HTTPConfig{}).Call(context.Background(), weatherCall())
	require.NoError(t, err)

	assert.Equal(t, "weather", received["server"])
	assert.Equal(t, map[string]any{"city": "Lima"}, received["inputs"])
	assert.Equal(t, map[string]any{"units": "metric"}, received["config"])
	assert.Equal(t, map[string]any{"temp": 21.5, "sky": "clear"}, out)
}

func TestGatewayClient_NilMapsSentAsObjects(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
	}))
	defer srv.Close()

	out, err := NewGatewayClient(srv.URL, HTTPConfig{}).Call(context.Background(), engine.ServiceCall{
		Service: &schema.ServiceDescriptor{ID: "svc-1"},
	})
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Equal(t, "svc-1", received["server"])
	assert.Equal(t, map[string]any{}, received["inputs"])
	assert.Equal(t, map[string]any{}, received["config"])
}

func TestGatewayClient_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewGatewayClient(srv.URL, HTTPConfig{}).Call(context.Background(), weatherCall())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeService, schema.ErrorCode(err))
	assert.Equal(t, "MCP server call failed: Bad Gateway", schema.Message(err))
}

func TestGatewayClient_ContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := NewGatewayClient(srv.URL, HTTPConfig{}).Call(ctx, weatherCall())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGatewayClient_NotConfigured(t *testing.T) {
	_, err := NewGatewayClient("", HTTPConfig{}).Call(context.Background(), weatherCall())
	assert.Equal(t, schema.ErrCodeConfiguration, schema.ErrorCode(err))
}

func TestGatewayClient_UndecodableBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>`))
	}))
	defer srv.Close()

	_, err := NewGatewayClient(srv.URL, HTTPConfig{}).Call(context.Background(), weatherCall())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeService, schema.ErrorCode(err))
}

type recordingClient struct {
	name  string
	calls int
}

func (r *recordingClient) Call(_ context.Context, _ engine.ServiceCall) (any, error) {
	r.calls++
	return r.name, nil
}

func TestRouter_Routes(t *testing.T) {
	direct := &recordingClient{name: "direct"}
	gateway := &recordingClient{name: "gateway"}
	r := &Router{Direct: direct, Gateway: gateway}

	out, err := r.Call(context.Background(), engine.ServiceCall{Service: &schema.ServiceDescriptor{Slug: "a", Endpoint: "http://x/mcp"}})
	require.NoError(t, err)
	assert.Equal(t, "direct", out)

	out, err = r.Call(context.Background(), engine.ServiceCall{Service: &schema.ServiceDescriptor{Slug: "b", Command: "./server"}})
	require.NoError(t, err)
	assert.Equal(t, "direct", out)

	out, err = r.Call(context.Background(), engine.ServiceCall{Service: &schema.ServiceDescriptor{Slug: "c"}})
	require.NoError(t, err)
	assert.Equal(t, "gateway", out)

	assert.Equal(t, 2, direct.calls)
	assert.Equal(t, 1, gateway.calls)
}

func TestRouter_MissingBackend(t *testing.T) {
	r := &Router{}
	_, err := r.Call(context.Background(), engine.ServiceCall{Service: &schema.ServiceDescriptor{Slug: "c"}})
	assert.Equal(t, schema.ErrCodeConfiguration, schema.ErrorCode(err))

	_, err = r.Call(context.Background(), engine.ServiceCall{Service: &schema.ServiceDescriptor{Slug: "a", Endpoint: "http://x"}})
	assert.Equal(t, schema.ErrCodeConfiguration, schema.ErrorCode(err))
}
