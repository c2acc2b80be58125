// Package fieldmap decides which knowledge base field an event targets and
// what value it contributes.
package fieldmap

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/manabi/internal/conflicts"
	"github.com/ashita-ai/manabi/internal/model"
)

// TargetKind is the storage shape of a target.
type TargetKind string

const (
	TargetScalar TargetKind = "scalar"
	TargetTools  TargetKind = "tools"
	TargetBag    TargetKind = "bag"
)

// Target names one writable location on a knowledge base.
type Target struct {
	Kind TargetKind `json:"kind"`
	Name string     `json:"name"`
}

// Key is the stable identifier used for grouping and audit records.
func (t Target) Key() string {
	if t.Kind == TargetBag {
		return "knowledgeBag." + t.Name
	}
	return t.Name
}

// Current reads the target's value from kb.
func (t Target) Current(kb *model.KnowledgeBase) model.Value {
	if kb == nil {
		return model.Null()
	}
	switch t.Kind {
	case TargetScalar:
		return kb.Field(t.Name)
	case TargetTools:
		return kb.Tools()
	default:
		return kb.Bag.Get(t.Name)
	}
}

// Mapping is the mapper's answer for one event.
type Mapping struct {
	Target      Target
	Value       model.Value
	ShouldApply bool
	// Resolution is set for scalar targets, which are resolved eagerly.
	Resolution *conflicts.Resolution
}

// Bag keys for category fallbacks.
const (
	BagBusinessContext     = "businessContext"
	BagWorkflowPatterns    = "workflowPatterns"
	BagProcessOptimization = "processOptimizations"
	BagServicePatterns     = "servicePatterns"
	BagRiskFactors         = "riskFactors"
	BagHiringPatterns      = "hiringPatterns"
	BagServicePreferences  = "servicePreferences"
	BagSkillRequirements   = "skillRequirements"
	BagWorkflowNeeds       = "workflowNeeds"
)

var categoryBags = map[model.Category]string{
	model.CategoryProcessOptimization: BagProcessOptimization,
	model.CategoryServicePatterns:     BagServicePatterns,
	model.CategoryRiskManagement:      BagRiskFactors,
	model.CategoryHiringPatterns:      BagHiringPatterns,
	model.CategoryServicePreferences:  BagServicePreferences,
	model.CategorySkillRequirements:   BagSkillRequirements,
	model.CategoryWorkflowNeeds:       BagWorkflowNeeds,
}

// businessContextFields maps business_context metadata keys to scalar
// fields, checked in order.
var businessContextFields = []struct {
	keys  []string
	field string
}{
	{[]string{"bottleneck", "biggestBottleneck", "biggestBottleNeck"}, model.FieldBiggestBottleneck},
	{[]string{"industry"}, model.FieldIndustry},
	{[]string{"businessModel", "business_model"}, model.FieldBusinessModel},
	{[]string{"targetCustomer", "target_customer"}, model.FieldTargetCustomer},
	{[]string{"companySize", "company_size"}, model.FieldCompanySize},
}

// UnmappedReason is the skip reason for an event with no target.
func UnmappedReason(c model.Category) string {
	return fmt.Sprintf("no target field for category %s", c)
}

// Mapper maps events to targets.
type Mapper struct {
	tools ToolExtractor
}

// New creates a Mapper. A nil extractor uses HeuristicToolExtractor.
func New(tools ToolExtractor) *Mapper {
	if tools == nil {
		tools = HeuristicToolExtractor{}
	}
	return &Mapper{tools: tools}
}

// Map resolves e against kb. It returns nil when the event has no target.
// e.Confidence is used for eager scalar resolution, so callers pass the
// decayed confidence. An error means the metadata is malformed.
func (m *Mapper) Map(e model.LearningEvent, kb *model.KnowledgeBase) (*Mapping, error) {
	md := e.Metadata

	if field := metaString(md, "field"); field != "" {
		return m.mapExplicit(e, field, kb)
	}
	if key := metaString(md, "bagKey"); key != "" {
		if model.IsReservedBagKey(key) {
			return nil, nil
		}
		v, err := bagValue(md, "value", e.Insight)
		if err != nil {
			return nil, err
		}
		return m.bag(key, v), nil
	}

	switch e.Category {
	case model.CategoryBusinessContext:
		for _, bc := range businessContextFields {
			if s := metaString(md, bc.keys...); s != "" {
				return m.scalar(bc.field, model.StringValue(s), e.Confidence, kb), nil
			}
		}
		return m.bag(BagBusinessContext, model.ListValue(e.Insight)), nil

	case model.CategoryWorkflowPatterns:
		var existing []string
		if kb != nil {
			existing = kb.ToolStack
		}
		if tools := m.tools.Extract(e.Insight, md, existing); len(tools) > 0 {
			return &Mapping{
				Target:      Target{Kind: TargetTools, Name: model.FieldToolStack},
				Value:       model.ListValue(tools...),
				ShouldApply: true,
			}, nil
		}
		return m.bag(BagWorkflowPatterns, model.ListValue(e.Insight)), nil

	case model.CategorySkillRequirements:
		if skills := metaList(md, "skills"); len(skills) > 0 {
			return m.bag(BagSkillRequirements, model.ListValue(skills...)), nil
		}
	}

	if key, ok := categoryBags[e.Category]; ok {
		return m.bag(key, model.ListValue(e.Insight)), nil
	}
	return nil, nil
}

// mapExplicit handles metadata that names its target field directly.
func (m *Mapper) mapExplicit(e model.LearningEvent, field string, kb *model.KnowledgeBase) (*Mapping, error) {
	md := e.Metadata
	switch {
	case model.IsScalarField(field):
		v := metaString(md, "value")
		if v == "" {
			v = e.Insight
		}
		return m.scalar(field, model.StringValue(v), e.Confidence, kb), nil

	case field == model.FieldToolStack:
		var existing []string
		if kb != nil {
			existing = kb.ToolStack
		}
		tools := canonicalTools(metaList(md, "value"), existing)
		if len(tools) == 0 {
			return nil, nil
		}
		return &Mapping{
			Target:      Target{Kind: TargetTools, Name: model.FieldToolStack},
			Value:       model.ListValue(tools...),
			ShouldApply: true,
		}, nil

	case model.IsReservedBagKey(field):
		return nil, nil
	}

	v, err := bagValue(md, "value", e.Insight)
	if err != nil {
		return nil, err
	}
	return m.bag(field, v), nil
}

func (m *Mapper) scalar(field string, v model.Value, confidence int, kb *model.KnowledgeBase) *Mapping {
	t := Target{Kind: TargetScalar, Name: field}
	r := conflicts.Resolve(t.Current(kb), v, confidence)
	return &Mapping{Target: t, Value: v, ShouldApply: r.ShouldApply, Resolution: &r}
}

func (m *Mapper) bag(key string, v model.Value) *Mapping {
	return &Mapping{Target: Target{Kind: TargetBag, Name: key}, Value: v, ShouldApply: true}
}

// bagValue reads md[key] as a bag value. Strings become one-item lists so
// repeated insights accumulate; a missing value falls back to the insight.
func bagValue(md map[string]any, key, insight string) (model.Value, error) {
	raw, ok := md[key]
	if !ok || raw == nil {
		return model.ListValue(insight), nil
	}
	v, err := model.ValueFrom(raw)
	if err != nil {
		return model.Value{}, fmt.Errorf("fieldmap: metadata %q: %w", key, err)
	}
	switch v.Kind() {
	case model.KindNull:
		return model.ListValue(insight), nil
	case model.KindString:
		return model.ListValue(v.Str()), nil
	}
	return v, nil
}

// metaString returns the first non-blank string value among keys.
func metaString(md map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := md[k].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}

// metaList reads md[key] as a list of strings. A comma separated string is
// split.
func metaList(md map[string]any, key string) []string {
	switch v := md[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	return nil
}
