package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	kbURIPrefix       = "manabi://knowledge-base/"
	statusURISuffix   = "/status"
	reconstructSuffix = "/reconstruction"
)

func (s *Server) registerResources() {
	// manabi://knowledge-base/{id}/status: counters for one knowledge base.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			kbURIPrefix+"{id}"+statusURISuffix,
			"Knowledge Base Status",
			mcplib.WithTemplateDescription("Version counters and pending/applied event counts for a knowledge base"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleStatusResource,
	)

	// manabi://knowledge-base/{id}/reconstruction: replay of applied events.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			kbURIPrefix+"{id}"+reconstructSuffix,
			"Knowledge Base Reconstruction",
			mcplib.WithTemplateDescription("Enrichable fields rebuilt from applied learning events"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleReconstructionResource,
	)
}

// parseKnowledgeBaseURI extracts the id from manabi://knowledge-base/{id}/<suffix>.
func parseKnowledgeBaseURI(uri, suffix string) (uuid.UUID, error) {
	if !strings.HasPrefix(uri, kbURIPrefix) || !strings.HasSuffix(uri, suffix) {
		return uuid.Nil, fmt.Errorf("mcp: invalid knowledge base URI: %s", uri)
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(uri, kbURIPrefix), suffix)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("mcp: invalid knowledge base id in URI %s: %w", uri, err)
	}
	return id, nil
}

func (s *Server) handleStatusResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	kbID, err := parseKnowledgeBaseURI(uri, statusURISuffix)
	if err != nil {
		return nil, err
	}
	st, err := s.engine.Status(ctx, kbID)
	if err != nil {
		return nil, fmt.Errorf("mcp: status: %w", err)
	}
	return jsonResource(uri, st)
}

func (s *Server) handleReconstructionResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	kbID, err := parseKnowledgeBaseURI(uri, reconstructSuffix)
	if err != nil {
		return nil, err
	}
	res, err := s.engine.Reconstruct(ctx, kbID)
	if err != nil {
		return nil, fmt.Errorf("mcp: reconstruct: %w", err)
	}
	return jsonResource(uri, res)
}

func jsonResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal resource: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
