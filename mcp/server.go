// Package mcp exposes the resolution service over the Model Context
// Protocol, so LLM agents can dispatch queries, resolve content, and
// drive slot loops through the same service the CLI and server use.
package mcp

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/teranos/scry/cascade"
	"github.com/teranos/scry/content"
	"github.com/teranos/scry/engine"
	"github.com/teranos/scry/internal/service"
	"github.com/teranos/scry/slot"
	"github.com/teranos/scry/version"
)

// MCPServer wraps the resolution service and exposes it via Model Context Protocol
type MCPServer struct {
	svc    *service.Service
	logger *zap.SugaredLogger
	server *server.MCPServer
}

// NewMCPServer creates an MCP server backed by an assembled resolution service
func NewMCPServer(svc *service.Service, logger *zap.SugaredLogger) *MCPServer {
	s := &MCPServer{
		svc:    svc,
		logger: logger.Named("mcp"),
	}

	s.server = server.NewMCPServer(
		"scry",
		version.Version,
		server.WithToolCapabilities(true),
	)

	s.registerTools()

	return s
}

// registerTools registers all MCP tools for resolution operations
func (s *MCPServer) registerTools() {
	// Dispatch tool
	dispatchTool := mcp.NewTool("scry_dispatch",
		mcp.WithDescription("Run a query across OSINT search engines and return merged, deduplicated results"),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("The search query (a name, company, vessel, domain...)"),
		),
		mcp.WithString("engines",
			mcp.Description("Comma-separated engine codes to use (default: all enabled engines)"),
		),
		mcp.WithString("tier",
			mcp.Description("Dispatch to one latency tier: lightning, fast, standard, slow, very_slow"),
		),
		mcp.WithString("tag",
			mcp.Description("Dispatch to engines carrying a capability tag (web, social, archive...)"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of merged results to return (default: 20)"),
		),
	)
	s.server.AddTool(dispatchTool, s.handleDispatch)

	// Resolve content tool
	resolveTool := mcp.NewTool("scry_resolve_content",
		mcp.WithDescription("Fetch readable content for a URL through the fallback chain (direct fetch, headless render, archives)"),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("The URL to resolve"),
		),
		mcp.WithBoolean("include_content",
			mcp.Description("Return the full extracted content instead of just the snippet (default: false)"),
		),
	)
	s.server.AddTool(resolveTool, s.handleResolveContent)

	// Run slot tool
	runSlotTool := mcp.NewTool("scry_run_slot",
		mcp.WithDescription("Drive a sufficiency loop that retries engines and query variations until a slot is answered"),
		mcp.WithString("slot",
			mcp.Required(),
			mcp.Description("Slot name describing what to find (e.g. registered_agent, vessel_owner)"),
		),
		mcp.WithString("subject",
			mcp.Required(),
			mcp.Description("The subject's canonical name (person, company, vessel)"),
		),
		mcp.WithString("jurisdiction",
			mcp.Description("Jurisdiction hint: ISO code, country name, or location keyword"),
		),
		mcp.WithString("keywords",
			mcp.Description("Comma-separated disambiguating context terms"),
		),
		mcp.WithString("engines",
			mcp.Description("Comma-separated engine codes forming the fallback chain (default: all enabled)"),
		),
		mcp.WithNumber("max_attempts",
			mcp.Description("Cap on loop attempts (default: from config)"),
		),
	)
	s.server.AddTool(runSlotTool, s.handleRunSlot)

	// Engines tool
	enginesTool := mcp.NewTool("scry_engines",
		mcp.WithDescription("List registered engines with their tier, reliability, and usage counters"),
		mcp.WithString("tier",
			mcp.Description("Filter by latency tier: lightning, fast, standard, slow, very_slow"),
		),
		mcp.WithString("tag",
			mcp.Description("Filter by capability tag (web, social, archive, regional:nl...)"),
		),
		mcp.WithBoolean("include_disabled",
			mcp.Description("Include disabled engines in the listing (default: false)"),
		),
	)
	s.server.AddTool(enginesTool, s.handleEngines)
}

// handleDispatch handles scry_dispatch tool calls
func (s *MCPServer) handleDispatch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := request.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	limit := request.GetInt("limit", 20)
	if limit < 1 {
		limit = 1
	}

	query, codes, err := s.svc.SelectEngines(query,
		splitCodes(request.GetString("engines", "")),
		request.GetString("tier", ""),
		request.GetString("tag", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Engine selection failed: %v", err)), nil
	}

	s.logger.Infow("Dispatch via MCP", "query_length", len(query), "engines", codes)

	run, err := s.svc.Dispatch(ctx, query, codes, nil)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Dispatch failed: %v", err)), nil
	}

	merged := s.svc.Merge(run)

	result := fmt.Sprintf("Run %s: %d merged result(s) from %d engine(s) in %dms\n",
		run.ID, len(merged), len(run.Executions), run.Duration.Milliseconds())
	result += "Executions: " + formatCounts(run.Counts()) + "\n"

	if len(merged) == 0 {
		result += "No results"
		return mcp.NewToolResultText(result), nil
	}

	result += "\n"
	for i, m := range merged {
		if i >= limit {
			result += fmt.Sprintf("... and %d more\n", len(merged)-limit)
			break
		}
		result += fmt.Sprintf("%d. %s\n   %s\n   engines: %s, score %.2f\n",
			i+1, m.Title, m.URL, strings.Join(m.Engines, ","), m.Score)
	}

	return mcp.NewToolResultText(result), nil
}

// handleResolveContent handles scry_resolve_content tool calls
func (s *MCPServer) handleResolveContent(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pageURL, err := request.RequireString("url")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	includeContent := request.GetBool("include_content", false)

	s.logger.Infow("Resolve via MCP", "url", pageURL)

	res, err := s.svc.ResolveContent(ctx, pageURL)
	if err != nil {
		// The result carries the chain of failed stages; surface it so the
		// caller can see what was tried
		msg := fmt.Sprintf("Resolve failed: %v", err)
		if res != nil && len(res.Chain) > 0 {
			msg += "\n" + formatChain(res.Chain)
		}
		return mcp.NewToolResultError(msg), nil
	}

	result := fmt.Sprintf("Resolved %s via %s in %dms\n", res.URL, res.SourceStage, res.Latency.Milliseconds())
	result += formatChain(res.Chain)

	if includeContent && res.Content != "" {
		result += "\n" + res.Content
	} else if res.Snippet != "" {
		result += "\n" + res.Snippet
	}

	return mcp.NewToolResultText(result), nil
}

// handleRunSlot handles scry_run_slot tool calls
func (s *MCPServer) handleRunSlot(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	slotName, err := request.RequireString("slot")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	name, err := request.RequireString("subject")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	subject := slot.Subject{
		Name:         name,
		Jurisdiction: request.GetString("jurisdiction", ""),
		Keywords:     splitCodes(request.GetString("keywords", "")),
	}
	chain := splitCodes(request.GetString("engines", ""))
	cfg := slot.SufficiencyConfig{
		MaxAttempts: request.GetInt("max_attempts", 0), // Zero defers to config defaults
	}

	s.logger.Infow("Slot run via MCP", "slot", slotName, "subject", subject.Query())

	loop, states, err := s.svc.RunSlot(ctx, slotName, subject, cfg, chain)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Slot run failed: %v", err)), nil
	}

	// The loop runs to a terminal state; the channel closes when it's done
	var last slot.IterationState
	for state := range states {
		last = state
	}
	session := loop.Session()

	result := fmt.Sprintf("Slot %s for %q: %s (%s)\n", slotName, subject.Query(), session.State, last.Reason)
	result += fmt.Sprintf("Session %s: %d attempt(s), %d result(s), best confidence %.2f\n",
		session.ID, len(session.Attempts), last.TotalResults, last.BestConfidence)

	for _, a := range session.Attempts {
		line := fmt.Sprintf("  %d. [%s/%s] %q: %d result(s), confidence %.2f",
			a.Number, a.Engine, a.Strategy, a.Query, a.ResultCount, a.Confidence)
		if a.Error != "" {
			line += fmt.Sprintf(" (error: %s)", a.Error)
		}
		result += line + "\n"
	}

	if len(session.Results) > 0 {
		result += "\nResults:\n"
		for i, r := range session.Results {
			result += fmt.Sprintf("%d. %s\n   %s\n", i+1, r.Title, r.URL)
		}
	}

	return mcp.NewToolResultText(result), nil
}

// handleEngines handles scry_engines tool calls
func (s *MCPServer) handleEngines(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := engine.Filter{
		Tier:            engine.Tier(request.GetString("tier", "")),
		Tag:             request.GetString("tag", ""),
		IncludeDisabled: request.GetBool("include_disabled", false),
	}

	descriptors := s.svc.Registry.List(filter)
	if len(descriptors) == 0 {
		return mcp.NewToolResultText("No engines match the filter"), nil
	}
	usages := s.svc.Registry.Usages()

	result := fmt.Sprintf("%d engine(s):\n", len(descriptors))
	for _, d := range descriptors {
		u := usages[d.Code]
		line := fmt.Sprintf("  %s (%s): tier %s, reliability %.2f, %d call(s), %d failure(s)",
			d.Code, d.Name, d.Tier, d.Reliability, u.Calls, u.Failures)
		if len(d.Tags) > 0 {
			line += ", tags: " + strings.Join(d.Tags, ",")
		}
		if d.Disabled {
			line += " [disabled]"
		}
		result += line + "\n"
	}

	return mcp.NewToolResultText(result), nil
}

// splitCodes parses a comma-separated code list, dropping empty entries
func splitCodes(s string) []string {
	if s == "" {
		return nil
	}
	var codes []string
	for _, part := range strings.Split(s, ",") {
		if code := strings.TrimSpace(part); code != "" {
			codes = append(codes, code)
		}
	}
	return codes
}

// formatCounts renders terminal-status counts in stable order
func formatCounts(counts map[cascade.ExecutionStatus]int) string {
	keys := make([]string, 0, len(counts))
	for status := range counts {
		keys = append(keys, string(status))
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[cascade.ExecutionStatus(k)]))
	}
	return strings.Join(parts, " ")
}

// formatChain renders the stage attempt trail of a resolution
func formatChain(chain []content.StageAttempt) string {
	parts := make([]string, 0, len(chain))
	for _, a := range chain {
		if a.Success {
			parts = append(parts, fmt.Sprintf("%s(ok, %d bytes)", a.Stage, a.Bytes))
		} else {
			parts = append(parts, fmt.Sprintf("%s(failed)", a.Stage))
		}
	}
	return "Chain: " + strings.Join(parts, " -> ")
}

// Serve starts the MCP server using stdio transport
func (s *MCPServer) Serve() error {
	s.logger.Infow("MCP server starting on stdio")
	return server.ServeStdio(s.server)
}
