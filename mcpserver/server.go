// Package mcpserver exposes the event store and its recommendation engine as
// MCP (Model Context Protocol) tools, so an assistant can browse scraped
// events, find similar ones and mark them imported.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hemant07j07/eventstore"
)

// EventServer bridges MCP tool calls to an eventstore.Store and Resolver.
type EventServer struct {
	store    eventstore.Store
	index    *eventstore.SimilarityIndex
	resolver *eventstore.Resolver
	now      func() time.Time
}

// NewEventServer creates a server over store. index may be nil, in which
// case recommendation tools report that no index is available.
func NewEventServer(store eventstore.Store, index *eventstore.SimilarityIndex, resolver *eventstore.Resolver) *EventServer {
	return &EventServer{store: store, index: index, resolver: resolver, now: time.Now}
}

// --- Input types (MCP SDK infers JSON schemas from struct tags) ---

// RecommendInput is the input schema for the event_recommend tool.
type RecommendInput struct {
	EventID     string `json:"event_id,omitempty" jsonschema:"recommend events similar to this event id"`
	Preferences string `json:"preferences,omitempty" jsonschema:"free-text description of what the user likes; used when event_id is empty"`
	K           int    `json:"k,omitempty" jsonschema:"number of results (default 8, max 100)"`
}

// GetInput is the input schema for the event_get tool.
type GetInput struct {
	ID string `json:"id" jsonschema:"the event id"`
}

// ListInput is the input schema for the event_list tool.
type ListInput struct {
	Query  string `json:"query,omitempty" jsonschema:"full-text match on title and description"`
	City   string `json:"city,omitempty" jsonschema:"substring match on city or venue"`
	Status string `json:"status,omitempty" jsonschema:"new, updated, inactive or imported"`
	From   string `json:"from,omitempty" jsonschema:"RFC 3339 lower bound on start time"`
	To     string `json:"to,omitempty" jsonschema:"RFC 3339 upper bound on start time"`
	Limit  int    `json:"limit,omitempty" jsonschema:"maximum number of results (default 20)"`
}

// ImportInput is the input schema for the event_import tool.
type ImportInput struct {
	ID    string `json:"id" jsonschema:"the event id to mark imported"`
	By    string `json:"by,omitempty" jsonschema:"who imported it (default admin)"`
	Notes string `json:"notes,omitempty" jsonschema:"optional import notes"`
}

// StatusInput is the input schema for the index_status tool.
type StatusInput struct{}

// --- Tool registration ---

// Register adds all event tools to the given MCP server.
func (es *EventServer) Register(s *mcp.Server) {
	mcp.AddTool(s, &mcp.Tool{
		Name:        "event_recommend",
		Description: "Recommend events. Give event_id to find events similar to a known one, or preferences to match a free-text description of the user's interests. Results are ranked by similarity.",
	}, es.HandleRecommend)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "event_get",
		Description: "Show one event by id, including its lifecycle status and import details.",
	}, es.HandleGet)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "event_list",
		Description: "Browse scraped events with optional text, city, status and date filters, ordered by start time.",
	}, es.HandleList)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "event_import",
		Description: "Mark an event as imported into the curated calendar. Imported events are never swept inactive. Repeating the call is harmless.",
	}, es.HandleImport)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "index_status",
		Description: "Show similarity index state (backend, model, rows, build time) and event counts by status.",
	}, es.HandleStatus)
}

// --- Handlers ---

func (es *EventServer) HandleRecommend(ctx context.Context, _ *mcp.CallToolRequest, input RecommendInput) (*mcp.CallToolResult, any, error) {
	if es.resolver == nil {
		return textResult("Error: no similarity index configured", true), nil, nil
	}
	req := eventstore.RecommendRequest{Mode: eventstore.ModeByUser, Preferences: input.Preferences, K: input.K}
	if strings.TrimSpace(input.EventID) != "" {
		req = eventstore.RecommendRequest{Mode: eventstore.ModeByEvent, EventID: input.EventID, K: input.K}
	}

	recs, err := es.resolver.Resolve(ctx, req)
	switch {
	case errors.Is(err, eventstore.ErrIndexNotBuilt):
		return textResult("The similarity index has not been built yet.", true), nil, nil
	case errors.Is(err, eventstore.ErrNotFound):
		return textResult(fmt.Sprintf("Event %s not found.", input.EventID), true), nil, nil
	case errors.Is(err, eventstore.ErrInvalidRequest):
		return textResult("Error: event_id or preferences is required", true), nil, nil
	case err != nil:
		return textResult(fmt.Sprintf("Error recommending: %v", err), true), nil, nil
	}

	if len(recs) == 0 {
		return textResult("No similar events found.", false), nil, nil
	}

	var b strings.Builder
	for i, r := range recs {
		fmt.Fprintf(&b, "[%d] (id=%s, score=%.3f) %s\n", i+1, r.Event.ID, r.Score, eventLine(&r.Event))
	}
	return textResult(b.String(), false), nil, nil
}

func (es *EventServer) HandleGet(ctx context.Context, _ *mcp.CallToolRequest, input GetInput) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(input.ID) == "" {
		return textResult("Error: id is required", true), nil, nil
	}
	ev, err := es.store.Get(ctx, input.ID)
	if err != nil {
		return textResult(fmt.Sprintf("Error: %v", err), true), nil, nil
	}
	if ev == nil {
		return textResult(fmt.Sprintf("Event %s not found.", input.ID), true), nil, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[id=%s] %s\n", ev.ID, eventLine(ev))
	fmt.Fprintf(&b, "  status: %s  source: %s\n", ev.Status, ev.SourceName)
	if ev.SourceURL != nil {
		fmt.Fprintf(&b, "  url: %s\n", *ev.SourceURL)
	}
	if len(ev.Tags) > 0 {
		fmt.Fprintf(&b, "  tags: %s\n", strings.Join(ev.Tags, ", "))
	}
	if ev.Description != nil {
		fmt.Fprintf(&b, "  %s\n", *ev.Description)
	}
	if ev.ImportedBy != nil {
		fmt.Fprintf(&b, "  imported by %s", *ev.ImportedBy)
		if ev.ImportedAt != nil {
			fmt.Fprintf(&b, " at %s", ev.ImportedAt.Format(time.RFC3339))
		}
		fmt.Fprintln(&b)
	}
	if ev.ImportNotes != nil {
		fmt.Fprintf(&b, "  notes: %s\n", *ev.ImportNotes)
	}
	return textResult(b.String(), false), nil, nil
}

func (es *EventServer) HandleList(ctx context.Context, _ *mcp.CallToolRequest, input ListInput) (*mcp.CallToolResult, any, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = 20
	}

	opts := eventstore.QueryOpts{
		Query:  input.Query,
		City:   input.City,
		Status: eventstore.Status(input.Status),
		Limit:  limit,
	}
	if opts.Status != "" && !opts.Status.Valid() {
		return textResult(fmt.Sprintf("Error: unknown status %q", input.Status), true), nil, nil
	}
	for _, bound := range []struct {
		raw string
		dst **time.Time
	}{{input.From, &opts.From}, {input.To, &opts.To}} {
		if bound.raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, bound.raw)
		if err != nil {
			return textResult(fmt.Sprintf("Error: invalid time %q", bound.raw), true), nil, nil
		}
		*bound.dst = &t
	}

	events, err := es.store.List(ctx, opts)
	if err != nil {
		return textResult(fmt.Sprintf("Error listing: %v", err), true), nil, nil
	}
	if len(events) == 0 {
		return textResult("No events found.", false), nil, nil
	}

	var b strings.Builder
	for i := range events {
		fmt.Fprintf(&b, "[id=%s] %s | %s\n", events[i].ID, eventLine(&events[i]), events[i].Status)
	}
	fmt.Fprintf(&b, "%d events listed.", len(events))
	return textResult(b.String(), false), nil, nil
}

func (es *EventServer) HandleImport(ctx context.Context, _ *mcp.CallToolRequest, input ImportInput) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(input.ID) == "" {
		return textResult("Error: id is required", true), nil, nil
	}
	by := strings.TrimSpace(input.By)
	if by == "" {
		by = "admin"
	}
	imp := eventstore.ImportMark{By: by, At: es.now().UTC()}
	if notes := strings.TrimSpace(input.Notes); notes != "" {
		imp.Notes = &notes
	}

	err := es.store.MarkImported(ctx, input.ID, imp)
	if errors.Is(err, eventstore.ErrNotFound) {
		return textResult(fmt.Sprintf("Event %s not found.", input.ID), true), nil, nil
	}
	if err != nil {
		return textResult(fmt.Sprintf("Error: %v", err), true), nil, nil
	}
	return textResult(fmt.Sprintf("Imported event %s (by %s).", input.ID, by), false), nil, nil
}

func (es *EventServer) HandleStatus(ctx context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, any, error) {
	counts, err := es.store.CountByStatus(ctx)
	if err != nil {
		return textResult(fmt.Sprintf("Error: %v", err), true), nil, nil
	}

	var b strings.Builder
	switch {
	case es.index == nil:
		fmt.Fprintln(&b, "Index: not configured")
	default:
		snap, err := es.index.Stat(ctx)
		if err != nil {
			return textResult(fmt.Sprintf("Error: %v", err), true), nil, nil
		}
		if snap == nil {
			fmt.Fprintln(&b, "Index: not built")
		} else {
			fmt.Fprintf(&b, "Index: %s, %d rows, dim %d, model %s, built %s\n",
				snap.Backend, snap.Rows, snap.Dim, snap.Model, snap.BuiltAt.Format(time.RFC3339))
		}
	}

	fmt.Fprintln(&b, "\nEvents by status:")
	for _, st := range []eventstore.Status{eventstore.StatusNew, eventstore.StatusUpdated, eventstore.StatusInactive, eventstore.StatusImported} {
		fmt.Fprintf(&b, "  %s: %d\n", st, counts[st])
	}
	return textResult(b.String(), false), nil, nil
}

// eventLine renders title, start and place on one line.
func eventLine(ev *eventstore.Event) string {
	parts := []string{"(untitled)"}
	if ev.Title != nil {
		parts[0] = *ev.Title
	}
	if ev.StartTime != nil {
		parts = append(parts, ev.StartTime.Format("2006-01-02 15:04"))
	}
	place := ev.City
	if ev.Venue != nil {
		place = *ev.Venue + ", " + ev.City
	}
	return strings.Join(append(parts, place), " | ")
}

// textResult builds a CallToolResult with a single text content block.
func textResult(text string, isError bool) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
		IsError: isError,
	}
}
