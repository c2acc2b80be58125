package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/manabi/internal/model"
	"github.com/ashita-ai/manabi/internal/service/learning"
	"github.com/ashita-ai/manabi/internal/storage"
)

func (s *Server) registerTools() {
	// manabi_create_events: record insights as pending learning events.
	s.mcpServer.AddTool(
		mcplib.NewTool("manabi_create_events",
			mcplib.WithDescription(`Record insights about a client as pending learning events.

WHEN TO USE: After a conversation, document, report or website review
taught you something concrete about the client.

WHAT TO INCLUDE per insight:
- insight: one fact in 10 to 1000 characters
- category: business_context, workflow_patterns, process_optimization,
  service_patterns, risk_management, hiring_patterns, service_preferences,
  skill_requirements or workflow_needs
- confidence: 1-100 (defaults to 70)
- metadata: structured values, e.g. {"bottleneck": "manual invoicing"} or
  {"tools": ["Slack", "Zoom"]}

Near-duplicates of recent events are filtered and reported.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("knowledge_base_id",
				mcplib.Description("UUID of the client knowledge base"),
				mcplib.Required(),
			),
			mcplib.WithString("source_type",
				mcplib.Description("Where the insights came from"),
				mcplib.Enum("document", "conversation", "report", "website", "manual"),
				mcplib.Required(),
			),
			mcplib.WithString("source_id",
				mcplib.Description("Optional identifier of the source, e.g. a call or document id"),
			),
			mcplib.WithArray("insights",
				mcplib.Description("Insights to record"),
				mcplib.Required(),
				mcplib.Items(map[string]any{
					"type": "object",
					"properties": map[string]any{
						"insight":    map[string]any{"type": "string"},
						"category":   map[string]any{"type": "string"},
						"event_type": map[string]any{"type": "string"},
						"confidence": map[string]any{"type": "number"},
						"metadata":   map[string]any{"type": "object"},
					},
					"required": []string{"insight", "category"},
				}),
			),
			mcplib.WithString("triggered_by",
				mcplib.Description("Optional: who or what produced the insights"),
			),
		),
		s.handleCreateEvents,
	)

	// manabi_apply_events: fold pending events into the knowledge base.
	s.mcpServer.AddTool(
		mcplib.NewTool("manabi_apply_events",
			mcplib.WithDescription(`Apply pending learning events to the client's knowledge base.

Events below the confidence threshold stay pending. Conflicting scalar
values are resolved by confidence; list fields are merged without
duplicates. Running it again with nothing pending changes nothing.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("knowledge_base_id",
				mcplib.Description("UUID of the client knowledge base"),
				mcplib.Required(),
			),
			mcplib.WithNumber("min_confidence",
				mcplib.Description("Minimum effective confidence to apply (defaults to the server setting)"),
				mcplib.Min(1),
				mcplib.Max(100),
			),
			mcplib.WithNumber("batch_size",
				mcplib.Description("Events per page"),
				mcplib.Min(1),
				mcplib.Max(1000),
			),
		),
		s.handleApplyEvents,
	)

	// manabi_ingest: extract insights from raw source data and record them.
	s.mcpServer.AddTool(
		mcplib.NewTool("manabi_ingest",
			mcplib.WithDescription(`Extract insights from raw source data and record them as learning events.

The configured extractor turns the data into insights; the result is the
same as manabi_create_events.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("knowledge_base_id",
				mcplib.Description("UUID of the client knowledge base"),
				mcplib.Required(),
			),
			mcplib.WithString("source_type",
				mcplib.Description("Where the data came from"),
				mcplib.Enum("document", "conversation", "report", "website", "manual"),
				mcplib.Required(),
			),
			mcplib.WithString("data",
				mcplib.Description("Raw source data"),
				mcplib.Required(),
			),
			mcplib.WithString("source_id",
				mcplib.Description("Optional identifier of the source"),
			),
			mcplib.WithString("triggered_by",
				mcplib.Description("Optional: who or what produced the data"),
			),
		),
		s.handleIngest,
	)

	// manabi_status: counters for one knowledge base.
	s.mcpServer.AddTool(
		mcplib.NewTool("manabi_status",
			mcplib.WithDescription(`Show a knowledge base's version counters, pending and applied event counts and provenance sizes.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("knowledge_base_id",
				mcplib.Description("UUID of the client knowledge base"),
				mcplib.Required(),
			),
		),
		s.handleStatus,
	)

	// manabi_reconstruct: rebuild a knowledge base from applied events.
	s.mcpServer.AddTool(
		mcplib.NewTool("manabi_reconstruct",
			mcplib.WithDescription(`Rebuild the enrichable fields of a knowledge base by replaying its applied events in order.

Read-only: the stored knowledge base is not modified. The result is
approximate when some events could no longer be mapped.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("knowledge_base_id",
				mcplib.Description("UUID of the client knowledge base"),
				mcplib.Required(),
			),
		),
		s.handleReconstruct,
	)
}

func (s *Server) handleCreateEvents(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	kbID, errRes := knowledgeBaseID(request)
	if errRes != nil {
		return errRes, nil
	}
	insights, err := parseInsights(request.GetArguments()["insights"])
	if err != nil {
		return errorResult(err.Error()), nil
	}

	result, err := s.engine.CreateLearningEvents(ctx, learning.CreateInput{
		KnowledgeBaseID: kbID,
		SourceType:      model.SourceType(request.GetString("source_type", "")),
		SourceID:        request.GetString("source_id", ""),
		Insights:        insights,
		TriggeredBy:     optionalString(request.GetString("triggered_by", "")),
	})
	if err != nil {
		return engineError("failed to create events", err), nil
	}

	contents := []mcplib.Content{jsonContent(result)}
	if result.EventsCreated > 0 && !s.applyTracker.WasApplied(kbID) {
		contents = append(contents, mcplib.TextContent{
			Type: "text",
			Text: "NOTE: New events stay pending until manabi_apply_events runs for knowledge base " + kbID.String() + ".",
		})
	}
	return &mcplib.CallToolResult{Content: contents}, nil
}

func (s *Server) handleApplyEvents(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	kbID, errRes := knowledgeBaseID(request)
	if errRes != nil {
		return errRes, nil
	}

	result, err := s.engine.ApplyLearningEvents(ctx, learning.ApplyInput{
		KnowledgeBaseID: kbID,
		MinConfidence:   request.GetInt("min_confidence", 0),
		BatchSize:       request.GetInt("batch_size", 0),
	})
	if err != nil {
		return engineError("failed to apply events", err), nil
	}
	s.applyTracker.Record(kbID)

	return &mcplib.CallToolResult{Content: []mcplib.Content{jsonContent(result)}}, nil
}

func (s *Server) handleIngest(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	kbID, errRes := knowledgeBaseID(request)
	if errRes != nil {
		return errRes, nil
	}
	data := request.GetString("data", "")
	if strings.TrimSpace(data) == "" {
		return errorResult("data is required"), nil
	}

	result, err := s.engine.Ingest(ctx, learning.IngestInput{
		KnowledgeBaseID: kbID,
		SourceType:      model.SourceType(request.GetString("source_type", "")),
		SourceID:        request.GetString("source_id", ""),
		Data:            data,
		TriggeredBy:     optionalString(request.GetString("triggered_by", "")),
	})
	if err != nil {
		return engineError("failed to ingest", err), nil
	}
	return &mcplib.CallToolResult{Content: []mcplib.Content{jsonContent(result)}}, nil
}

func (s *Server) handleStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	kbID, errRes := knowledgeBaseID(request)
	if errRes != nil {
		return errRes, nil
	}
	st, err := s.engine.Status(ctx, kbID)
	if err != nil {
		return engineError("failed to load status", err), nil
	}
	return &mcplib.CallToolResult{Content: []mcplib.Content{jsonContent(st)}}, nil
}

func (s *Server) handleReconstruct(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	kbID, errRes := knowledgeBaseID(request)
	if errRes != nil {
		return errRes, nil
	}
	res, err := s.engine.Reconstruct(ctx, kbID)
	if err != nil {
		return engineError("failed to reconstruct", err), nil
	}
	return &mcplib.CallToolResult{Content: []mcplib.Content{jsonContent(res)}}, nil
}

func knowledgeBaseID(request mcplib.CallToolRequest) (uuid.UUID, *mcplib.CallToolResult) {
	raw := request.GetString("knowledge_base_id", "")
	if raw == "" {
		return uuid.Nil, errorResult("knowledge_base_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errorResult(fmt.Sprintf("knowledge_base_id must be a UUID: %q", raw))
	}
	return id, nil
}

// wireInsight accepts fractional confidences; the engine works in integers.
type wireInsight struct {
	Insight    string         `json:"insight"`
	Category   string         `json:"category"`
	EventType  string         `json:"event_type"`
	Confidence *float64       `json:"confidence"`
	Metadata   map[string]any `json:"metadata"`
}

// parseInsights accepts the insights argument either as a JSON array or as a
// string holding one.
func parseInsights(raw any) ([]model.Insight, error) {
	if raw == nil {
		return nil, errors.New("insights is required")
	}
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("insights: %w", err)
		}
		data = b
	}

	var wire []wireInsight
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("insights must be an array of objects: %w", err)
	}
	if len(wire) == 0 {
		return nil, errors.New("insights must not be empty")
	}

	out := make([]model.Insight, len(wire))
	for i, w := range wire {
		out[i] = model.Insight{
			Text:      w.Insight,
			Category:  model.Category(w.Category),
			EventType: model.EventType(w.EventType),
			Metadata:  w.Metadata,
		}
		if w.Confidence != nil {
			c := int(math.Round(*w.Confidence))
			out[i].Confidence = &c
		}
	}
	return out, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// engineError turns engine failures into tool errors. Caller mistakes get a
// plain message; everything else is prefixed with what failed.
func engineError(what string, err error) *mcplib.CallToolResult {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return errorResult("knowledge base not found")
	case errors.Is(err, learning.ErrInvalidSourceType):
		return errorResult("source_type must be one of document, conversation, report, website, manual")
	case errors.Is(err, learning.ErrMissingKnowledgeBaseID):
		return errorResult("knowledge_base_id is required")
	case errors.Is(err, learning.ErrNoExtractor):
		return errorResult("ingest is not available: no extractor is configured")
	}
	return errorResult(fmt.Sprintf("%s: %v", what, err))
}

func jsonContent(v any) mcplib.Content {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcplib.TextContent{Type: "text", Text: fmt.Sprintf("marshal result: %v", err)}
	}
	return mcplib.TextContent{Type: "text", Text: string(data)}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
