package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aideator/aideator-sub000/pkg/model"
)

func callTool(t *testing.T, h func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) (*mcp.CallToolResult, string) {
	t.Helper()
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	ctx := context.WithValue(context.Background(), userKey{}, testUser)
	res, err := h(ctx, req)
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return res, text.Text
}

func TestMCPStartGetCancel(t *testing.T) {
	env := newTestEnv(t)
	tools := newMCPTools(env.orch, env.store, zaptest.NewLogger(t))

	res, text := callTool(t, tools.handleStartRun, map[string]any{
		"repo": "acme/widgets", "branch": "main", "prompt": "add tests", "variations": 2,
	})
	require.False(t, res.IsError, text)
	var created createRunResponse
	require.NoError(t, json.Unmarshal([]byte(text), &created))
	require.NotEmpty(t, created.RunID)
	env.waitStatus(t, created.RunID, model.RunCompleted)

	run, err := env.store.GetRun(context.Background(), created.RunID)
	require.NoError(t, err)
	assert.Equal(t, testUser, run.RequesterID)

	res, text = callTool(t, tools.handleGetRun, map[string]any{"run_id": created.RunID})
	require.False(t, res.IsError, text)
	assert.Contains(t, text, `"variation_states"`)
	assert.Contains(t, text, `"status":"completed"`)

	res, text = callTool(t, tools.handleCancelRun, map[string]any{"run_id": created.RunID})
	require.False(t, res.IsError, text)
	assert.Contains(t, text, "cancelling")
}

func TestMCPToolErrors(t *testing.T) {
	env := newTestEnv(t)
	tools := newMCPTools(env.orch, env.store, zaptest.NewLogger(t))

	res, _ := callTool(t, tools.handleStartRun, map[string]any{"repo": "acme/widgets"})
	assert.True(t, res.IsError)

	res, text := callTool(t, tools.handleStartRun, map[string]any{
		"repo": "acme/widgets", "prompt": "x", "variations": 99,
	})
	assert.True(t, res.IsError)
	assert.Contains(t, text, "variations")

	res, text = callTool(t, tools.handleGetRun, map[string]any{"run_id": "missing"})
	assert.True(t, res.IsError)
	assert.Equal(t, "run not found", text)

	res, _ = callTool(t, tools.handleCancelRun, map[string]any{"run_id": "missing"})
	assert.True(t, res.IsError)
}

func TestMCPEndpointRequiresIdentity(t *testing.T) {
	env := newTestEnv(t)
	body := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}`

	resp, err := http.Post(env.srv.URL+"/api/mcp", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/api/mcp", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set(DefaultIdentityHeader, testUser)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
