package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/aideator/aideator-sub000/internal/orchestrator"
	"github.com/aideator/aideator-sub000/pkg/store"
)

// mcpTools exposes run submission and inspection as Model Context Protocol
// tools so an agent can start and watch runs itself.
type mcpTools struct {
	runs  Runner
	store store.RunStore
	log   *zap.Logger
	srv   *server.MCPServer
}

func newMCPTools(runs Runner, st store.RunStore, log *zap.Logger) *mcpTools {
	t := &mcpTools{
		runs:  runs,
		store: st,
		log:   log.Named("mcp"),
		srv:   server.NewMCPServer("aideator", "Parallel coding agent runs"),
	}

	t.srv.AddTool(mcp.Tool{
		Name:        "start_run",
		Description: "Start a run of a coding prompt against a repository in N parallel sandboxes",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"repo": map[string]any{
					"type":        "string",
					"description": "Repository as owner/repo or a clone URL",
				},
				"branch": map[string]any{
					"type":        "string",
					"description": "Branch to start from (optional)",
				},
				"prompt": map[string]any{
					"type":        "string",
					"description": "Instructions for the coding agent",
				},
				"variations": map[string]any{
					"type":        "integer",
					"description": "Number of independent attempts",
				},
			},
			Required: []string{"repo", "prompt"},
		},
	}, t.handleStartRun)

	runID := mcp.ToolInputSchema{
		Type: "object",
		Properties: map[string]any{
			"run_id": map[string]any{"type": "string", "description": "Run id"},
		},
		Required: []string{"run_id"},
	}
	t.srv.AddTool(mcp.Tool{
		Name:        "get_run",
		Description: "Show a run and the state of each variation",
		InputSchema: runID,
	}, t.handleGetRun)
	t.srv.AddTool(mcp.Tool{
		Name:        "cancel_run",
		Description: "Cancel a run and tear down its sandboxes",
		InputSchema: runID,
	}, t.handleCancelRun)

	return t
}

// handler serves the tools over streamable HTTP. The caller identity set by
// the identify middleware is carried into tool calls.
func (t *mcpTools) handler() http.Handler {
	return server.NewStreamableHTTPServer(t.srv,
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if user := UserFrom(r.Context()); user != "" {
				return context.WithValue(ctx, userKey{}, user)
			}
			return ctx
		}),
	)
}

func (t *mcpTools) handleStartRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	repo, err := req.RequireString("repo")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	prompt, err := req.RequireString("prompt")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	run, err := t.runs.Submit(ctx, orchestrator.Request{
		RequesterID: UserFrom(ctx),
		Repo:        repo,
		Branch:      req.GetString("branch", ""),
		Prompt:      prompt,
		Variations:  req.GetInt("variations", 1),
	})
	var verr *orchestrator.ValidationError
	switch {
	case errors.As(err, &verr):
		return mcp.NewToolResultError(verr.Error()), nil
	case err != nil:
		t.log.Error("submitting run", zap.Error(err))
		return mcp.NewToolResultError("failed to start run"), nil
	}

	t.log.Info("run started", zap.String("run_id", run.ID), zap.Int("variations", run.Variations))
	return jsonResult(createRunResponse{
		RunID:     run.ID,
		Status:    run.Status,
		Branch:    run.Branch,
		StreamURL: "/api/runs/" + run.ID + "/stream",
		WSURL:     "/api/runs/" + run.ID + "/ws",
	})
}

func (t *mcpTools) handleGetRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	run, err := t.store.GetRun(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return mcp.NewToolResultError("run not found"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading run: %w", err)
	}
	vars, err := t.store.ListVariations(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("listing variations: %w", err)
	}
	return jsonResult(runResponse{Run: run, VariationStates: vars})
}

func (t *mcpTools) handleCancelRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	err = t.runs.Cancel(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return mcp.NewToolResultError("run not found"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("cancelling run: %w", err)
	}
	return jsonResult(map[string]string{"run_id": id, "status": "cancelling"})
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}
