package board

import (
	"bytes"
	"encoding/json"
	"sort"
)

// Diff produces the ordered op list transforming a receiver holding prev
// into one equivalent to next. It is pure and deterministic: board-level
// ops first, then structural column ops (removes, adds, one reorder when
// surviving columns changed relative order), then per-column ops in next
// column order. Card changes inside a column are carried as one
// whole-list column:cards replacement rather than per-card deltas.
func Diff(prev, next *Board) Ops {
	var ops Ops
	if prev == nil || next == nil {
		return ops
	}

	if prev.Name != next.Name {
		ops = append(ops, BoardNameOp{Value: next.Name})
	}
	if prev.BackgroundImage != next.BackgroundImage {
		ops = append(ops, BoardBackgroundImageOp{Value: next.BackgroundImage})
	}
	for _, key := range changedPluginKeys(prev.PluginData, next.PluginData) {
		ops = append(ops, BoardPluginDataOp{Key: key, Value: pluginValueOrNull(next.PluginData, key)})
	}

	nextIdx := make(map[string]int, len(next.Columns))
	for i := range next.Columns {
		nextIdx[next.Columns[i].ID] = i
	}
	prevIdx := make(map[string]int, len(prev.Columns))
	for i := range prev.Columns {
		prevIdx[prev.Columns[i].ID] = i
	}

	for i := range prev.Columns {
		if _, survives := nextIdx[prev.Columns[i].ID]; !survives {
			ops = append(ops, ColumnRemoveOp{ColumnID: prev.Columns[i].ID})
		}
	}
	for i := range next.Columns {
		if _, existed := prevIdx[next.Columns[i].ID]; !existed {
			ops = append(ops, ColumnAddOp{Column: next.Columns[i].Clone(), Index: i})
		}
	}

	if survivorOrderChanged(prev, next, nextIdx, prevIdx) {
		orderedIDs := make([]string, len(next.Columns))
		for i := range next.Columns {
			orderedIDs[i] = next.Columns[i].ID
		}
		ops = append(ops, ColumnReorderOp{OrderedIDs: orderedIDs})
	}

	for i := range next.Columns {
		nextCol := &next.Columns[i]
		prevPos, existed := prevIdx[nextCol.ID]
		if !existed {
			continue // full content already carried by column:add
		}
		prevCol := &prev.Columns[prevPos]
		if prevCol.Title != nextCol.Title {
			ops = append(ops, ColumnTitleOp{ColumnID: nextCol.ID, Value: nextCol.Title})
		}
		for _, key := range changedPluginKeys(prevCol.PluginData, nextCol.PluginData) {
			ops = append(ops, ColumnPluginDataOp{ColumnID: nextCol.ID, Key: key, Value: pluginValueOrNull(nextCol.PluginData, key)})
		}
		if !cardsEqual(prevCol.Cards, nextCol.Cards) {
			ops = append(ops, ColumnCardsOp{ColumnID: nextCol.ID, Cards: cloneCards(nextCol.Cards)})
		}
	}
	return ops
}

func survivorOrderChanged(prev, next *Board, nextIdx, prevIdx map[string]int) bool {
	var prevSurvivors, nextSurvivors []string
	for i := range prev.Columns {
		if _, ok := nextIdx[prev.Columns[i].ID]; ok {
			prevSurvivors = append(prevSurvivors, prev.Columns[i].ID)
		}
	}
	for i := range next.Columns {
		if _, ok := prevIdx[next.Columns[i].ID]; ok {
			nextSurvivors = append(nextSurvivors, next.Columns[i].ID)
		}
	}
	if len(prevSurvivors) != len(nextSurvivors) {
		return true
	}
	for i := range prevSurvivors {
		if prevSurvivors[i] != nextSurvivors[i] {
			return true
		}
	}
	return false
}

func changedPluginKeys(prev, next map[string]json.RawMessage) []string {
	var keys []string
	seen := make(map[string]bool, len(prev)+len(next))
	for key := range prev {
		seen[key] = true
		keys = append(keys, key)
	}
	for key := range next {
		if !seen[key] {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	var changed []string
	for _, key := range keys {
		prevValue, inPrev := prev[key]
		nextValue, inNext := next[key]
		if inPrev != inNext || !bytes.Equal(prevValue, nextValue) {
			changed = append(changed, key)
		}
	}
	return changed
}

func pluginValueOrNull(data map[string]json.RawMessage, key string) json.RawMessage {
	if value, ok := data[key]; ok {
		return append(json.RawMessage(nil), value...)
	}
	return json.RawMessage("null")
}

func cardsEqual(prev, next []Card) bool {
	if len(prev) != len(next) {
		return false
	}
	for i := range prev {
		if !cardEqual(prev[i], next[i]) {
			return false
		}
	}
	return true
}

func cardEqual(a, b Card) bool {
	if a.ID != b.ID || a.Title != b.Title || a.Description != b.Description || a.Image != b.Image {
		return false
	}
	return pluginDataEqual(a.PluginData, b.PluginData)
}

func pluginDataEqual(a, b map[string]json.RawMessage) bool {
	if len(a) != len(b) {
		return false
	}
	for key, value := range a {
		other, ok := b[key]
		if !ok || !bytes.Equal(value, other) {
			return false
		}
	}
	return true
}
