// Package conflicts decides how a new value merges into an existing
// knowledge base field.
//
// The decision table:
//
//	current              new                  result
//	empty/null/[]        any                  replace, always apply
//	list                 list                 merge (case-insensitive dedup, first casing kept)
//	string               string, same (ci)    keep (no-op)
//	string               string, conf >= 90   replace, track history
//	string               string, conf < 90    keep
//	object               object               merge (shallow union)
//	object list          object list          append (structurally new objects only)
//	anything else        -                    keep
package conflicts

import (
	"encoding/json"
	"maps"
	"strings"

	"github.com/ashita-ai/manabi/internal/model"
)

// Strategy is how a new value is combined with the current one.
type Strategy string

const (
	StrategyReplace Strategy = "replace"
	StrategyMerge   Strategy = "merge"
	StrategyKeep    Strategy = "keep"
	StrategyAppend  Strategy = "append"
)

// ReplaceConfidence is the minimum confidence for overwriting a differing
// scalar value.
const ReplaceConfidence = 90

// Resolution is the decision for one (current, new, confidence) triple.
type Resolution struct {
	ShouldApply  bool     `json:"should_apply"`
	Strategy     Strategy `json:"strategy"`
	Reason       string   `json:"reason"`
	TrackHistory bool     `json:"track_history"`
}

// Resolve applies the decision table.
func Resolve(current, next model.Value, confidence int) Resolution {
	if current.IsEmpty() {
		return Resolution{ShouldApply: true, Strategy: StrategyReplace, Reason: "field is empty"}
	}
	if next.IsEmpty() {
		return Resolution{Strategy: StrategyKeep, Reason: "new value is empty"}
	}

	switch {
	case current.Kind() == model.KindList && next.Kind() == model.KindList:
		return Resolution{ShouldApply: true, Strategy: StrategyMerge, Reason: "lists always merge"}

	case current.Kind() == model.KindString && next.Kind() == model.KindString:
		if strings.EqualFold(strings.TrimSpace(current.Str()), strings.TrimSpace(next.Str())) {
			return Resolution{Strategy: StrategyKeep, Reason: "value unchanged"}
		}
		if confidence >= ReplaceConfidence {
			return Resolution{
				ShouldApply:  true,
				Strategy:     StrategyReplace,
				Reason:       "high-confidence replacement",
				TrackHistory: true,
			}
		}
		return Resolution{Strategy: StrategyKeep, Reason: "confidence too low to replace existing value"}

	case current.Kind() == model.KindObject && next.Kind() == model.KindObject:
		return Resolution{ShouldApply: true, Strategy: StrategyMerge, Reason: "objects merge"}

	case current.Kind() == model.KindObjects && next.Kind() == model.KindObjects:
		return Resolution{ShouldApply: true, Strategy: StrategyAppend, Reason: "object lists append"}
	}

	return Resolution{Strategy: StrategyKeep, Reason: "incompatible value shapes: " + current.Kind().String() + " vs " + next.Kind().String()}
}

// Apply combines current and next according to r. A resolution that should
// not apply returns current unchanged.
func Apply(current, next model.Value, r Resolution) model.Value {
	if !r.ShouldApply {
		return current
	}
	switch r.Strategy {
	case StrategyReplace:
		return next.Clone()
	case StrategyMerge:
		switch current.Kind() {
		case model.KindList:
			return model.ListValue(MergeLists(current.List(), next.List())...)
		case model.KindObject:
			merged := maps.Clone(current.Object())
			maps.Copy(merged, next.Object())
			return model.ObjectValue(merged)
		}
	case StrategyAppend:
		return model.ObjectsValue(appendObjects(current.Objects(), next.Objects())...)
	}
	return current
}

// MergeLists appends items of next not already present in current, comparing
// case-insensitively. The first-seen casing wins, duplicates within next are
// collapsed, and blank items are dropped.
func MergeLists(current, next []string) []string {
	seen := make(map[string]bool, len(current)+len(next))
	out := make([]string, 0, len(current)+len(next))
	for _, list := range [][]string{current, next} {
		for _, item := range list {
			trimmed := strings.TrimSpace(item)
			if trimmed == "" {
				continue
			}
			key := strings.ToLower(trimmed)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, trimmed)
		}
	}
	return out
}

func appendObjects(current, next []map[string]any) []map[string]any {
	seen := make(map[string]bool, len(current)+len(next))
	out := make([]map[string]any, 0, len(current)+len(next))
	for _, list := range [][]map[string]any{current, next} {
		for _, o := range list {
			key := canonical(o)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, o)
		}
	}
	return out
}

// canonical renders o as JSON; encoding/json sorts map keys, so structurally
// equal objects produce the same string.
func canonical(o map[string]any) string {
	b, err := json.Marshal(o)
	if err != nil {
		return ""
	}
	return string(b)
}
