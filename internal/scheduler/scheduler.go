// Package scheduler orders a batch of learning events and groups them by the
// field they write.
package scheduler

import (
	"slices"

	"github.com/ashita-ai/manabi/internal/model"
)

// Item is an event paired with its decayed confidence.
type Item struct {
	Event      model.LearningEvent
	Confidence int
}

// Critical reports whether e jumps the queue: fixes to inconsistencies and
// risk insights are applied before anything else in their batch.
func Critical(e model.LearningEvent) bool {
	return e.EventType == model.EventInconsistencyFixed || e.Category == model.CategoryRiskManagement
}

// Order sorts items in place: critical first, then decayed confidence
// descending, then creation order. The sort is stable, so items created at
// the same instant keep their fetch order.
func Order(items []Item) []Item {
	slices.SortStableFunc(items, func(a, b Item) int {
		ca, cb := Critical(a.Event), Critical(b.Event)
		switch {
		case ca && !cb:
			return -1
		case cb && !ca:
			return 1
		}
		if a.Confidence != b.Confidence {
			return b.Confidence - a.Confidence
		}
		return a.Event.CreatedAt.Compare(b.Event.CreatedAt)
	})
	return items
}

// Group is the ordered set of items writing one target.
type Group[T any] struct {
	Key    string
	Target T
	Items  []Item
}

// GroupBy partitions ordered items by target. target returns the group key
// and target for an item, or ok=false when the item has none; those items
// are returned in unmapped. Groups appear in order of first appearance and
// keep item order.
func GroupBy[T any](ordered []Item, target func(Item) (key string, t T, ok bool)) (groups []*Group[T], unmapped []Item) {
	index := make(map[string]*Group[T])
	for _, it := range ordered {
		key, t, ok := target(it)
		if !ok {
			unmapped = append(unmapped, it)
			continue
		}
		g, exists := index[key]
		if !exists {
			g = &Group[T]{Key: key, Target: t}
			index[key] = g
			groups = append(groups, g)
		}
		g.Items = append(g.Items, it)
	}
	return groups, unmapped
}
