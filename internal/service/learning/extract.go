package learning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashita-ai/manabi/internal/model"
)

// JSONExtractor decodes insights that an upstream extractor has already
// produced, either as a bare array or as {"insights": [...]}.
type JSONExtractor struct{}

// Extract implements Extractor.
func (JSONExtractor) Extract(_ context.Context, _ model.SourceType, data string, _ *string) ([]model.Insight, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return nil, nil
	}
	if strings.HasPrefix(data, "[") {
		var insights []model.Insight
		if err := json.Unmarshal([]byte(data), &insights); err != nil {
			return nil, fmt.Errorf("learning: decode insights: %w", err)
		}
		return insights, nil
	}
	var wrapped struct {
		Insights []model.Insight `json:"insights"`
	}
	if err := json.Unmarshal([]byte(data), &wrapped); err != nil {
		return nil, fmt.Errorf("learning: decode insights: %w", err)
	}
	return wrapped.Insights, nil
}
