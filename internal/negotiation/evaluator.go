package negotiation

import (
	"context"

	"OpenMCP-Swap/internal/llm"
	"OpenMCP-Swap/internal/price"
)

// DefaultDealTolerance 要求对方付出的价值至少达到我方价值的 95%。
const DefaultDealTolerance = 0.95

// Decision 是对一份提案的评估结果。
type Decision struct {
	// Proposed 表示消息中是否包含双方数量。
	Proposed    bool
	Accept      bool
	OurAmount   float64
	TheirAmount float64
}

// Evaluate 是纯粹的评估逻辑。超过上限或任一数量为零时拒绝并清零数量。
func Evaluate(proposal llm.Proposal, maxOffer, ourPriceUSD, theirPriceUSD, tolerance float64) Decision {
	if proposal.OurAmount <= 0 || proposal.TheirAmount <= 0 || proposal.OurAmount > maxOffer {
		return Decision{Proposed: true}
	}
	theirValue := proposal.TheirAmount * theirPriceUSD
	ourValue := proposal.OurAmount * ourPriceUSD
	return Decision{
		Proposed:    true,
		Accept:      theirValue >= ourValue*tolerance,
		OurAmount:   proposal.OurAmount,
		TheirAmount: proposal.TheirAmount,
	}
}

// Evaluator 从自由文本中提取提案并判断是否接受。
type Evaluator struct {
	interpreter llm.Interpreter
	oracle      price.Oracle
	tolerance   float64
}

// NewEvaluator 创建 Evaluator，tolerance 非正时使用默认值。
func NewEvaluator(interpreter llm.Interpreter, oracle price.Oracle, tolerance float64) *Evaluator {
	if tolerance <= 0 {
		tolerance = DefaultDealTolerance
	}
	return &Evaluator{interpreter: interpreter, oracle: oracle, tolerance: tolerance}
}

// EvaluateProposedDeal 提取并评估提案。价格不可用时返回错误而不是拒绝。
func (e *Evaluator) EvaluateProposedDeal(ctx context.Context, text string, profile Profile, ourMint, ourSymbol string) (Decision, error) {
	proposal, ok, err := e.interpreter.ExtractOfferAmounts(ctx, text, llm.Symbols{Ours: ourSymbol, Theirs: profile.Counterparty.TokenSymbol})
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		return Decision{}, nil
	}
	if proposal.OurAmount <= 0 || proposal.TheirAmount <= 0 || proposal.OurAmount > profile.Tier.MaxOfferAmount {
		return Decision{Proposed: true}, nil
	}
	ourPrice, err := e.oracle.USDPrice(ctx, ourMint)
	if err != nil {
		return Decision{}, err
	}
	theirPrice, err := e.oracle.USDPrice(ctx, profile.Counterparty.TokenMint)
	if err != nil {
		return Decision{}, err
	}
	return Evaluate(proposal, profile.Tier.MaxOfferAmount, ourPrice, theirPrice, e.tolerance), nil
}
