package indexer

import (
	"encoding/json"
	"time"

	"github.com/billbatista/acasinha-ledger/ledger"
	"github.com/google/uuid"
)

// Message is what the search service receives for every indexed expense.
type Message struct {
	ExpenseID   uuid.UUID         `json:"expense_id"`
	HouseholdID uuid.UUID         `json:"household_id"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

func NewMessage(req ledger.IndexRequest) *Message {
	return &Message{
		ExpenseID:   req.ExpenseID,
		HouseholdID: req.HouseholdID,
		Description: req.Description,
		Metadata:    req.Metadata,
		Timestamp:   time.Now().UTC(),
	}
}

func (m *Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func MessageFromJSON(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
