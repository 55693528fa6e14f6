package board

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownOpType = errors.New("unknown op type")

// OpKind is the closed set of operation discriminators. The wire values
// match the "type" tag of the JSON envelope.
type OpKind string

const (
	KindBoardName            OpKind = "board:name"
	KindBoardBackgroundImage OpKind = "board:backgroundImage"
	KindBoardPluginData      OpKind = "board:pluginData"
	KindColumnAdd            OpKind = "column:add"
	KindColumnRemove         OpKind = "column:remove"
	KindColumnReorder        OpKind = "column:reorder"
	KindColumnTitle          OpKind = "column:title"
	KindColumnPluginData     OpKind = "column:pluginData"
	KindColumnCards          OpKind = "column:cards"
)

// Op is a single replayable board mutation. The concrete types below are
// the only implementations; codec and application switch over them
// exhaustively.
type Op interface {
	Kind() OpKind
}

type BoardNameOp struct {
	Value string `json:"value"`
}

type BoardBackgroundImageOp struct {
	Value string `json:"value"`
}

type BoardPluginDataOp struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type ColumnAddOp struct {
	Column Column `json:"column"`
	Index  int    `json:"index"`
}

type ColumnRemoveOp struct {
	ColumnID string `json:"columnId"`
}

type ColumnReorderOp struct {
	OrderedIDs []string `json:"orderedIds"`
}

type ColumnTitleOp struct {
	ColumnID string `json:"columnId"`
	Value    string `json:"value"`
}

type ColumnPluginDataOp struct {
	ColumnID string          `json:"columnId"`
	Key      string          `json:"key"`
	Value    json.RawMessage `json:"value"`
}

type ColumnCardsOp struct {
	ColumnID string `json:"columnId"`
	Cards    []Card `json:"cards"`
}

func (BoardNameOp) Kind() OpKind            { return KindBoardName }
func (BoardBackgroundImageOp) Kind() OpKind { return KindBoardBackgroundImage }
func (BoardPluginDataOp) Kind() OpKind      { return KindBoardPluginData }
func (ColumnAddOp) Kind() OpKind            { return KindColumnAdd }
func (ColumnRemoveOp) Kind() OpKind         { return KindColumnRemove }
func (ColumnReorderOp) Kind() OpKind        { return KindColumnReorder }
func (ColumnTitleOp) Kind() OpKind          { return KindColumnTitle }
func (ColumnPluginDataOp) Kind() OpKind     { return KindColumnPluginData }
func (ColumnCardsOp) Kind() OpKind          { return KindColumnCards }

// Ops is an ordered operation list with a flat JSON envelope per element:
// the payload fields of the concrete op plus a "type" tag.
type Ops []Op

type opEnvelope struct {
	Type OpKind `json:"type"`

	Value      json.RawMessage `json:"value,omitempty"`
	Key        string          `json:"key,omitempty"`
	Column     *Column         `json:"column,omitempty"`
	Index      *int            `json:"index,omitempty"`
	ColumnID   string          `json:"columnId,omitempty"`
	OrderedIDs []string        `json:"orderedIds,omitempty"`
	Cards      *[]Card         `json:"cards,omitempty"`
}

func (ops Ops) MarshalJSON() ([]byte, error) {
	envelopes := make([]opEnvelope, 0, len(ops))
	for _, op := range ops {
		env, err := encodeOp(op)
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, env)
	}
	return json.Marshal(envelopes)
}

func (ops *Ops) UnmarshalJSON(data []byte) error {
	var envelopes []opEnvelope
	if err := json.Unmarshal(data, &envelopes); err != nil {
		return err
	}
	decoded := make(Ops, 0, len(envelopes))
	for _, env := range envelopes {
		op, err := decodeOp(env)
		if err != nil {
			return err
		}
		decoded = append(decoded, op)
	}
	*ops = decoded
	return nil
}

func encodeOp(op Op) (opEnvelope, error) {
	switch typed := op.(type) {
	case BoardNameOp:
		value, err := json.Marshal(typed.Value)
		if err != nil {
			return opEnvelope{}, err
		}
		return opEnvelope{Type: KindBoardName, Value: value}, nil
	case BoardBackgroundImageOp:
		value, err := json.Marshal(typed.Value)
		if err != nil {
			return opEnvelope{}, err
		}
		return opEnvelope{Type: KindBoardBackgroundImage, Value: value}, nil
	case BoardPluginDataOp:
		return opEnvelope{Type: KindBoardPluginData, Key: typed.Key, Value: typed.Value}, nil
	case ColumnAddOp:
		column := typed.Column.Clone()
		if column.Cards == nil {
			column.Cards = []Card{}
		}
		index := typed.Index
		return opEnvelope{Type: KindColumnAdd, Column: &column, Index: &index}, nil
	case ColumnRemoveOp:
		return opEnvelope{Type: KindColumnRemove, ColumnID: typed.ColumnID}, nil
	case ColumnReorderOp:
		return opEnvelope{Type: KindColumnReorder, OrderedIDs: typed.OrderedIDs}, nil
	case ColumnTitleOp:
		value, err := json.Marshal(typed.Value)
		if err != nil {
			return opEnvelope{}, err
		}
		return opEnvelope{Type: KindColumnTitle, ColumnID: typed.ColumnID, Value: value}, nil
	case ColumnPluginDataOp:
		return opEnvelope{Type: KindColumnPluginData, ColumnID: typed.ColumnID, Key: typed.Key, Value: typed.Value}, nil
	case ColumnCardsOp:
		cards := cloneCards(typed.Cards)
		if cards == nil {
			cards = []Card{}
		}
		return opEnvelope{Type: KindColumnCards, ColumnID: typed.ColumnID, Cards: &cards}, nil
	default:
		return opEnvelope{}, fmt.Errorf("%w: %T", ErrUnknownOpType, op)
	}
}

func decodeOp(env opEnvelope) (Op, error) {
	switch env.Type {
	case KindBoardName:
		var value string
		if err := json.Unmarshal(env.Value, &value); err != nil {
			return nil, fmt.Errorf("%s: invalid value: %w", env.Type, err)
		}
		return BoardNameOp{Value: value}, nil
	case KindBoardBackgroundImage:
		var value string
		if err := json.Unmarshal(env.Value, &value); err != nil {
			return nil, fmt.Errorf("%s: invalid value: %w", env.Type, err)
		}
		return BoardBackgroundImageOp{Value: value}, nil
	case KindBoardPluginData:
		if env.Key == "" {
			return nil, fmt.Errorf("%s: missing key", env.Type)
		}
		return BoardPluginDataOp{Key: env.Key, Value: env.Value}, nil
	case KindColumnAdd:
		if env.Column == nil {
			return nil, fmt.Errorf("%s: missing column", env.Type)
		}
		index := 0
		if env.Index != nil {
			index = *env.Index
		}
		return ColumnAddOp{Column: env.Column.Clone(), Index: index}, nil
	case KindColumnRemove:
		if env.ColumnID == "" {
			return nil, fmt.Errorf("%s: missing columnId", env.Type)
		}
		return ColumnRemoveOp{ColumnID: env.ColumnID}, nil
	case KindColumnReorder:
		return ColumnReorderOp{OrderedIDs: env.OrderedIDs}, nil
	case KindColumnTitle:
		if env.ColumnID == "" {
			return nil, fmt.Errorf("%s: missing columnId", env.Type)
		}
		var value string
		if err := json.Unmarshal(env.Value, &value); err != nil {
			return nil, fmt.Errorf("%s: invalid value: %w", env.Type, err)
		}
		return ColumnTitleOp{ColumnID: env.ColumnID, Value: value}, nil
	case KindColumnPluginData:
		if env.ColumnID == "" {
			return nil, fmt.Errorf("%s: missing columnId", env.Type)
		}
		if env.Key == "" {
			return nil, fmt.Errorf("%s: missing key", env.Type)
		}
		return ColumnPluginDataOp{ColumnID: env.ColumnID, Key: env.Key, Value: env.Value}, nil
	case KindColumnCards:
		if env.ColumnID == "" {
			return nil, fmt.Errorf("%s: missing columnId", env.Type)
		}
		var cards []Card
		if env.Cards != nil {
			cards = *env.Cards
		}
		return ColumnCardsOp{ColumnID: env.ColumnID, Cards: cards}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOpType, env.Type)
	}
}
