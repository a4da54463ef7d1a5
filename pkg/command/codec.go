package command

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"findash/pkg/domain"
)

// Envelope is the JSON wire form shared by every command:
//
//	{"id": "...", "type": "CREATE", "key": 1, "data": {...}, "createdAt": "..."}
//
// data is the entity for CREATE. For DELETE it is null, or an expense id when a
// single expense is deleted.
type Envelope struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Key       int             `json:"key"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"createdAt"`
}

var null = []byte("null")

// Encode serializes the command into a message keyed by account id.
func (c AccountCommand) Encode() (Message, error) {
	var data interface{}
	if c.Type == Create {
		data = c.Account
	}
	return encode(c.ID, c.Type, c.Key, data, c.CreatedAt)
}

// Encode serializes the command into a message keyed by account id.
func (c ExpenseCommand) Encode() (Message, error) {
	var data interface{}
	switch {
	case c.Type == Create:
		data = c.Expense
	case c.ExpenseID != nil:
		data = *c.ExpenseID
	}
	return encode(c.ID, c.Type, c.Key, data, c.CreatedAt)
}

func encode(id string, typ Type, key int, data interface{}, createdAt time.Time) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s command data: %w", typ, err)
	}
	value, err := json.Marshal(Envelope{
		ID:        id,
		Type:      typ,
		Key:       key,
		Data:      raw,
		CreatedAt: createdAt,
	})
	if err != nil {
		return Message{}, fmt.Errorf("encode %s command: %w", typ, err)
	}
	return Message{Key: PartitionKey(key), Value: value}, nil
}

// DecodeEnvelope parses the envelope and checks its type.
func DecodeEnvelope(value []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: malformed envelope: %w", domain.ErrEventProcessing, err)
	}
	switch env.Type {
	case Create, Delete:
	default:
		return Envelope{}, fmt.Errorf("%w: unknown command type %q", domain.ErrEventProcessing, env.Type)
	}
	return env, nil
}

// DecodeAccountCommand parses an account command. Malformed input and unknown types
// yield domain.ErrEventProcessing.
func DecodeAccountCommand(value []byte) (AccountCommand, error) {
	env, err := DecodeEnvelope(value)
	if err != nil {
		return AccountCommand{}, err
	}

	cmd := AccountCommand{ID: env.ID, Type: env.Type, Key: env.Key, CreatedAt: env.CreatedAt}
	if env.Type == Create {
		if isNull(env.Data) {
			return AccountCommand{}, fmt.Errorf("%w: account create without payload", domain.ErrEventProcessing)
		}
		var account domain.Account
		if err := json.Unmarshal(env.Data, &account); err != nil {
			return AccountCommand{}, fmt.Errorf("%w: malformed account payload: %w", domain.ErrEventProcessing, err)
		}
		cmd.Account = &account
	}
	return cmd, nil
}

// DecodeExpenseCommand parses an expense command. Malformed input and unknown types
// yield domain.ErrEventProcessing.
func DecodeExpenseCommand(value []byte) (ExpenseCommand, error) {
	env, err := DecodeEnvelope(value)
	if err != nil {
		return ExpenseCommand{}, err
	}

	cmd := ExpenseCommand{ID: env.ID, Type: env.Type, Key: env.Key, CreatedAt: env.CreatedAt}
	switch {
	case env.Type == Create:
		if isNull(env.Data) {
			return ExpenseCommand{}, fmt.Errorf("%w: expense create without payload", domain.ErrEventProcessing)
		}
		var expense domain.Expense
		if err := json.Unmarshal(env.Data, &expense); err != nil {
			return ExpenseCommand{}, fmt.Errorf("%w: malformed expense payload: %w", domain.ErrEventProcessing, err)
		}
		cmd.Expense = &expense
	case !isNull(env.Data):
		var expenseID int
		if err := json.Unmarshal(env.Data, &expenseID); err != nil {
			return ExpenseCommand{}, fmt.Errorf("%w: malformed expense delete payload: %w", domain.ErrEventProcessing, err)
		}
		cmd.ExpenseID = &expenseID
	}
	return cmd, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, null)
}
