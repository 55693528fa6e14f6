package board

import (
	"encoding/json"
	"fmt"
)

// Apply mutates b according to op. Application is idempotent: replaying an
// op against a board it has already been applied to leaves the board
// unchanged. Column-scoped ops whose column no longer exists are skipped
// rather than rejected, so batches stay safe to apply out of causal order.
func Apply(b *Board, op Op) error {
	if b == nil {
		return fmt.Errorf("apply %s: nil board", op.Kind())
	}
	switch typed := op.(type) {
	case BoardNameOp:
		b.Name = typed.Value
	case BoardBackgroundImageOp:
		b.BackgroundImage = typed.Value
	case BoardPluginDataOp:
		b.PluginData = setPluginData(b.PluginData, typed.Key, typed.Value)
	case ColumnAddOp:
		applyColumnAdd(b, typed)
	case ColumnRemoveOp:
		if idx, _ := b.FindColumn(typed.ColumnID); idx >= 0 {
			b.Columns = append(b.Columns[:idx], b.Columns[idx+1:]...)
		}
	case ColumnReorderOp:
		applyColumnReorder(b, typed.OrderedIDs)
	case ColumnTitleOp:
		if _, col := b.FindColumn(typed.ColumnID); col != nil {
			col.Title = typed.Value
		}
	case ColumnPluginDataOp:
		if _, col := b.FindColumn(typed.ColumnID); col != nil {
			col.PluginData = setPluginData(col.PluginData, typed.Key, typed.Value)
		}
	case ColumnCardsOp:
		if _, col := b.FindColumn(typed.ColumnID); col != nil {
			col.Cards = cloneCards(typed.Cards)
			if col.Cards == nil {
				col.Cards = []Card{}
			}
		}
	default:
		return fmt.Errorf("%w: %T", ErrUnknownOpType, op)
	}
	return nil
}

// ApplyAll applies ops in order and stops at the first failure.
func ApplyAll(b *Board, ops Ops) error {
	for i, op := range ops {
		if err := Apply(b, op); err != nil {
			return fmt.Errorf("op %d: %w", i, err)
		}
	}
	return nil
}

func applyColumnAdd(b *Board, op ColumnAddOp) {
	incoming := op.Column.Clone()
	if incoming.Cards == nil {
		incoming.Cards = []Card{}
	}
	// Re-applying an add for a column that already exists replaces it in
	// place instead of inserting a duplicate.
	if idx, _ := b.FindColumn(incoming.ID); idx >= 0 {
		b.Columns[idx] = incoming
		return
	}
	index := op.Index
	if index < 0 {
		index = 0
	}
	if index > len(b.Columns) {
		index = len(b.Columns)
	}
	b.Columns = append(b.Columns, Column{})
	copy(b.Columns[index+1:], b.Columns[index:])
	b.Columns[index] = incoming
}

func applyColumnReorder(b *Board, orderedIDs []string) {
	if len(orderedIDs) == 0 {
		return
	}
	byID := make(map[string]int, len(b.Columns))
	for i := range b.Columns {
		byID[b.Columns[i].ID] = i
	}
	used := make(map[string]bool, len(orderedIDs))
	reordered := make([]Column, 0, len(b.Columns))
	for _, id := range orderedIDs {
		idx, ok := byID[id]
		if !ok || used[id] {
			continue
		}
		used[id] = true
		reordered = append(reordered, b.Columns[idx])
	}
	// Columns the ordering does not mention keep their relative order at
	// the end, so a stale reorder cannot drop concurrently added columns.
	for i := range b.Columns {
		if !used[b.Columns[i].ID] {
			reordered = append(reordered, b.Columns[i])
		}
	}
	b.Columns = reordered
}

func setPluginData(data map[string]json.RawMessage, key string, value json.RawMessage) map[string]json.RawMessage {
	if len(value) == 0 || string(value) == "null" {
		if data != nil {
			delete(data, key)
		}
		return data
	}
	if data == nil {
		data = make(map[string]json.RawMessage, 1)
	}
	data[key] = append(json.RawMessage(nil), value...)
	return data
}
