// Package mcp exposes a contributor session as MCP tools so agents can
// browse the catalog and work claims.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ldi/claimdeck/internal/gallery"
	"github.com/ldi/claimdeck/internal/portal"
	"github.com/ldi/claimdeck/pkg/models"
)

const (
	serverName    = "claimdeck"
	serverVersion = "0.1.0"
)

// NewServer creates a new MCP server over session.
func NewServer(session *portal.Session) *server.MCPServer {
	s := server.NewMCPServer(serverName, serverVersion)

	// Catalog
	s.AddTool(mcp.NewTool("list_sections",
		mcp.WithDescription("List task types with availability counts and a preview of each."),
	), listSectionsHandler(session))

	s.AddTool(mcp.NewTool("list_type_tasks",
		mcp.WithDescription("List every task of one type."),
		mcp.WithString("type", mcp.Description("Task type"), mcp.Required()),
	), listTypeTasksHandler(session))

	s.AddTool(mcp.NewTool("search_tasks",
		mcp.WithDescription("Search tasks by keyword across category, subcategory and description."),
		mcp.WithString("query", mcp.Description("Search terms"), mcp.Required()),
	), searchTasksHandler(session))

	s.AddTool(mcp.NewTool("get_task",
		mcp.WithDescription("Get a single task by id."),
		mcp.WithString("task_id", mcp.Description("Task id"), mcp.Required()),
	), getTaskHandler(session))

	s.AddTool(mcp.NewTool("recommend_tasks",
		mcp.WithDescription("Suggest available tasks similar to the ones you have claimed."),
		mcp.WithNumber("limit", mcp.Description("Maximum number of suggestions (default 10)")),
	), recommendHandler(session))

	s.AddTool(mcp.NewTool("random_tasks",
		mcp.WithDescription("Pick random available tasks."),
		mcp.WithNumber("count", mcp.Description("Number of tasks (default 3)")),
	), randomTasksHandler(session))

	s.AddTool(mcp.NewTool("refresh_catalog",
		mcp.WithDescription("Refetch the catalog preview and counts from the server."),
	), refreshCatalogHandler(session))

	// Claims
	s.AddTool(mcp.NewTool("list_my_claims",
		mcp.WithDescription("List your claims, most urgent first."),
	), listMyClaimsHandler(session))

	s.AddTool(mcp.NewTool("claim_task",
		mcp.WithDescription("Claim an available task."),
		mcp.WithString("task_id", mcp.Description("Task id"), mcp.Required()),
	), claimTaskHandler(session))

	transitions := []struct {
		name        string
		action      models.Action
		description string
	}{
		{"release_task", models.ActionRelease, "Give up a claimed or in-progress task."},
		{"start_task", models.ActionStart, "Start work on a claimed task."},
		{"submit_task", models.ActionSubmit, "Submit an in-progress task for review."},
		{"accept_task", models.ActionAccept, "Accept a task waiting for review."},
		{"reopen_task", models.ActionReopen, "Reopen a task under review or accepted. Needs a free active slot."},
	}
	for _, tr := range transitions {
		s.AddTool(mcp.NewTool(tr.name,
			mcp.WithDescription(tr.description),
			mcp.WithString("task_id", mcp.Description("Task id"), mcp.Required()),
		), transitionHandler(session, tr.action))
	}

	return s
}

// Serve starts the MCP server on stdio.
func Serve(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

// toolError renders err with its wire code so agents can branch on it.
func toolError(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", models.Code(err), err))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

type sectionView struct {
	Type      string        `json:"type"`
	Total     int           `json:"total"`
	Available int           `json:"available"`
	HasMore   bool          `json:"has_more"`
	Tasks     []models.Task `json:"tasks"`
}

func listSectionsHandler(session *portal.Session) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sections, err := session.Gallery().Sections(ctx)
		if sections == nil && err != nil {
			return toolError(err), nil
		}

		views := make([]sectionView, 0, len(sections))
		for _, sec := range sections {
			views = append(views, sectionView{
				Type:      sec.Type,
				Total:     sec.Count.Total,
				Available: sec.Count.Available,
				HasMore:   sec.HasMore,
				Tasks:     sec.Tasks,
			})
		}
		resp := map[string]any{"sections": views}
		if err != nil {
			resp["stale"] = true
		}
		return jsonResult(resp)
	}
}

func listTypeTasksHandler(session *portal.Session) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskType := mcp.ParseString(request, "type", "")
		tasks, err := session.Gallery().Category(ctx, taskType)
		if err != nil {
			return toolError(err), nil
		}
		return jsonResult(map[string]any{"tasks": tasks})
	}
}

func searchTasksHandler(session *portal.Session) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query := mcp.ParseString(request, "query", "")
		tasks, err := session.Catalog().Search(ctx, query)
		if err != nil {
			return toolError(err), nil
		}
		return jsonResult(map[string]any{"tasks": tasks})
	}
}

func getTaskHandler(session *portal.Session) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID := mcp.ParseString(request, "task_id", "")
		task, err := session.Backend().FetchTask(ctx, taskID)
		if err != nil {
			return toolError(err), nil
		}
		return jsonResult(task)
	}
}

func recommendHandler(session *portal.Session) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := mcp.ParseInt(request, "limit", gallery.DefaultRecommendLimit)
		if _, err := session.Gallery().Sections(ctx); err != nil && session.Catalog().Snapshot() == nil {
			return toolError(err), nil
		}
		tasks := session.Gallery().Recommend(session.Ledger().ListMine(), limit)
		return jsonResult(map[string]any{"tasks": tasks})
	}
}

func randomTasksHandler(session *portal.Session) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		n := mcp.ParseInt(request, "count", 3)
		if _, err := session.Gallery().Sections(ctx); err != nil && session.Catalog().Snapshot() == nil {
			return toolError(err), nil
		}
		return jsonResult(map[string]any{"tasks": session.Gallery().Random(n, nil)})
	}
}

func refreshCatalogHandler(session *portal.Session) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		snap, err := session.Catalog().Refresh(ctx)
		if err != nil {
			return toolError(err), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Catalog refreshed: %d tasks across %d types", len(snap.Tasks), len(snap.Counts))), nil
	}
}

func listMyClaimsHandler(session *portal.Session) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if _, err := session.UserID(); err != nil {
			return toolError(err), nil
		}
		resp := map[string]any{}
		if err := session.Ledger().Sync(ctx); err != nil {
			resp["stale"] = true
		}
		resp["claims"] = session.Ledger().ListMine()
		resp["active"] = session.Ledger().ActiveCount()
		resp["max_active"] = session.Ledger().MaxActive()
		return jsonResult(resp)
	}
}

func claimTaskHandler(session *portal.Session) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID := mcp.ParseString(request, "task_id", "")
		claim, err := session.Mutations().Claim(ctx, taskID)
		if err != nil {
			return toolError(err), nil
		}
		return jsonResult(claim)
	}
}

func transitionHandler(session *portal.Session, action models.Action) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID := mcp.ParseString(request, "task_id", "")
		claim, err := session.Mutations().Transition(ctx, taskID, action)
		if err != nil {
			return toolError(err), nil
		}
		if action == models.ActionRelease {
			return mcp.NewToolResultText(fmt.Sprintf("Released task %s", taskID)), nil
		}
		return jsonResult(claim)
	}
}
