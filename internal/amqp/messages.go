package amqp

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"budgetsync/internal/core"
)

// TransactionEventMessage is the wire shape of one inbound domain event
// from the transaction or account service. Delivery is at-least-once; ID is
// stable across redeliveries.
type TransactionEventMessage struct {
	ID             string           `json:"id"`
	Type           string           `json:"type"`
	UserID         int64            `json:"user_id"`
	AccountID      int64            `json:"account_id"`
	TransactionID  int64            `json:"transaction_id,omitempty"`
	Category       string           `json:"category,omitempty"`
	Amount         decimal.Decimal  `json:"amount"`
	PreviousAmount *decimal.Decimal `json:"previous_amount,omitempty"`
	OccurredAt     time.Time        `json:"occurred_at"`
	Sequence       int64            `json:"sequence,omitempty"`
}

func TransactionEventFromJSON(data []byte) (*TransactionEventMessage, error) {
	var msg TransactionEventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ToEvent converts the wire message to the domain event.
func (m *TransactionEventMessage) ToEvent() core.Event {
	return core.Event{
		ID:             m.ID,
		Type:           core.EventType(m.Type),
		UserID:         m.UserID,
		AccountID:      m.AccountID,
		TransactionID:  m.TransactionID,
		Category:       m.Category,
		Amount:         m.Amount,
		PreviousAmount: m.PreviousAmount,
		OccurredAt:     m.OccurredAt,
		Sequence:       m.Sequence,
	}
}

// StatusChangeMessage is the outbound alert event for the notification
// service, emitted only on a budget state transition.
type StatusChangeMessage struct {
	ID          string          `json:"id"`
	UserID      int64           `json:"user_id"`
	Category    string          `json:"category"`
	Period      string          `json:"period"`
	OldState    string          `json:"old_state"`
	NewState    string          `json:"new_state"`
	Spent       decimal.Decimal `json:"spent"`
	LimitAmount decimal.Decimal `json:"limit_amount"`
	EmittedAt   time.Time       `json:"emitted_at"`
}

func NewStatusChangeMessage(sc core.StatusChange) *StatusChangeMessage {
	return &StatusChangeMessage{
		ID:          uuid.NewString(),
		UserID:      sc.UserID,
		Category:    sc.Category,
		Period:      string(sc.Period),
		OldState:    string(sc.OldState),
		NewState:    string(sc.NewState),
		Spent:       sc.Spent,
		LimitAmount: sc.LimitAmount,
		EmittedAt:   sc.EmittedAt,
	}
}

func (m *StatusChangeMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func StatusChangeFromJSON(data []byte) (*StatusChangeMessage, error) {
	var msg StatusChangeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
