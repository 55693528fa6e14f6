// Package board holds the serializable board snapshot model, the typed
// operation set, the snapshot differ, and the op application rules shared
// by the client and the authoritative server.
package board

import "encoding/json"

type Card struct {
	ID          string                     `json:"id"`
	Title       string                     `json:"title"`
	Description string                     `json:"description,omitempty"`
	Image       string                     `json:"image,omitempty"`
	PluginData  map[string]json.RawMessage `json:"pluginData,omitempty"`
}

type Column struct {
	ID         string                     `json:"id"`
	Title      string                     `json:"title"`
	Cards      []Card                     `json:"cards"`
	PluginData map[string]json.RawMessage `json:"pluginData,omitempty"`
}

type Board struct {
	ID              string                     `json:"id"`
	Name            string                     `json:"name"`
	Description     string                     `json:"description,omitempty"`
	BackgroundImage string                     `json:"backgroundImage,omitempty"`
	CoverImage      string                     `json:"coverImage,omitempty"`
	PluginData      map[string]json.RawMessage `json:"pluginData,omitempty"`
	Columns         []Column                   `json:"columns"`
}

func (c Card) Clone() Card {
	out := c
	out.PluginData = clonePluginData(c.PluginData)
	return out
}

func (c Column) Clone() Column {
	out := c
	out.PluginData = clonePluginData(c.PluginData)
	out.Cards = cloneCards(c.Cards)
	return out
}

func (b *Board) Clone() *Board {
	if b == nil {
		return nil
	}
	out := *b
	out.PluginData = clonePluginData(b.PluginData)
	out.Columns = make([]Column, len(b.Columns))
	for i, col := range b.Columns {
		out.Columns[i] = col.Clone()
	}
	return &out
}

func (b *Board) FindColumn(columnID string) (int, *Column) {
	if b == nil {
		return -1, nil
	}
	for i := range b.Columns {
		if b.Columns[i].ID == columnID {
			return i, &b.Columns[i]
		}
	}
	return -1, nil
}

func cloneCards(cards []Card) []Card {
	if cards == nil {
		return nil
	}
	out := make([]Card, len(cards))
	for i, card := range cards {
		out[i] = card.Clone()
	}
	return out
}

func clonePluginData(data map[string]json.RawMessage) map[string]json.RawMessage {
	if data == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(data))
	for key, value := range data {
		out[key] = append(json.RawMessage(nil), value...)
	}
	return out
}
