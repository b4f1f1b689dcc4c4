package llm

import "context"

// Proposal 是从对方消息中提取出的交换数量（界面金额）。
type Proposal struct {
	// OurAmount 是对方希望获得的我方代币数量。
	OurAmount float64 `json:"our_amount"`
	// TheirAmount 是对方愿意付出的对方代币数量。
	TheirAmount float64 `json:"their_amount"`
}

// Symbols 标注消息中双方代币的符号。
type Symbols struct {
	Ours   string
	Theirs string
}

// Interpreter 负责理解对方发来的自由文本。
type Interpreter interface {
	// ExtractOfferAmounts 返回消息中的提案；消息不含数量时 ok 为 false。
	ExtractOfferAmounts(ctx context.Context, text string, symbols Symbols) (proposal Proposal, ok bool, err error)
	// IsAcceptance 判断消息是否为对当前报价的直接接受。
	IsAcceptance(ctx context.Context, text string) (bool, error)
}

// MessageKind 枚举需要生成的回复类型。
type MessageKind string

const (
	MessageInitialOffer     MessageKind = "initial_offer"
	MessageNextOffer        MessageKind = "next_offer"
	MessageFinalOffer       MessageKind = "final_offer"
	MessageEscrowInitiated  MessageKind = "escrow_initiated"
	MessageAwaitEscrow      MessageKind = "await_escrow"
	MessageEscrowCompleted  MessageKind = "escrow_completed"
	MessageTransferPending  MessageKind = "transfer_pending"
	MessageNegotiationEnded MessageKind = "negotiation_ended"
)

// ComposeRequest 汇总生成回复所需的信息。
type ComposeRequest struct {
	Kind               MessageKind
	Counterparty       string
	Symbols            Symbols
	OurAmount          float64
	CounterpartyAmount float64
	USDValue           float64
	TxRef              string
	Escrow             string
}

// Composer 生成发往对方的消息。
type Composer interface {
	Compose(ctx context.Context, req ComposeRequest) (string, error)
}
