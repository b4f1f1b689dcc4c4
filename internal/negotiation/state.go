package negotiation

import (
	"context"
	"time"
)

// Status 是谈判生命周期状态。
type Status string

const (
	StatusNotStarted       Status = "not_started"
	StatusPending          Status = "pending"
	StatusWaitingForEscrow Status = "waiting_for_escrow"
	StatusInitiatedEscrow  Status = "initiated_escrow"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// State 是一个对手方的谈判状态，以对手方标识为键。
type State struct {
	Counterparty            string    `json:"counterparty"`
	ConversationID          string    `json:"conversation_id"`
	Tier                    string    `json:"tier"`
	TokenSymbol             string    `json:"token_symbol"`
	NegotiationCount        int       `json:"negotiation_count"`
	MaxNegotiations         int       `json:"max_negotiations"`
	LastInteraction         time.Time `json:"last_interaction"`
	CurrentOffer            Offer     `json:"current_offer"`
	MaxOfferAmount          float64   `json:"max_offer_amount"`
	CounterpartyIsInitiator bool      `json:"counterparty_is_initiator"`
	Status                  Status    `json:"negotiation_status"`
	Escrow                  string    `json:"escrow,omitempty"`
	TxRef                   string    `json:"tx_ref,omitempty"`
}

// Clone 返回状态的副本。
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	clone := *s
	return &clone
}

// Store 持久化谈判状态。Get 在记录不存在时返回 (nil, nil)。
type Store interface {
	Get(ctx context.Context, counterparty string) (*State, error)
	Put(ctx context.Context, state *State) error
	Delete(ctx context.Context, counterparty string) error
	List(ctx context.Context) ([]*State, error)
	Close() error
}
