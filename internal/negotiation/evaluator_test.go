package negotiation

import (
	"context"
	"testing"

	xerrors "OpenMCP-Swap/internal/errors"
	"OpenMCP-Swap/internal/llm"
	"OpenMCP-Swap/internal/price"

	"github.com/stretchr/testify/require"
)

func TestEvaluateFairValueTolerance(t *testing.T) {
	rejected := Evaluate(llm.Proposal{OurAmount: 500, TheirAmount: 900}, 1000, 2, 1, DefaultDealTolerance)
	require.True(t, rejected.Proposed)
	require.False(t, rejected.Accept)

	accepted := Evaluate(llm.Proposal{OurAmount: 500, TheirAmount: 950}, 1000, 2, 1, DefaultDealTolerance)
	require.True(t, accepted.Accept)
	require.Equal(t, 500.0, accepted.OurAmount)
	require.Equal(t, 950.0, accepted.TheirAmount)
}

func TestEvaluateRejectsOverCapAndZero(t *testing.T) {
	overCap := Evaluate(llm.Proposal{OurAmount: 1500, TheirAmount: 10000}, 1000, 2, 1, DefaultDealTolerance)
	require.False(t, overCap.Accept)
	require.Zero(t, overCap.OurAmount)
	require.Zero(t, overCap.TheirAmount)

	zero := Evaluate(llm.Proposal{OurAmount: 100, TheirAmount: 0}, 1000, 2, 1, DefaultDealTolerance)
	require.False(t, zero.Accept)
	require.Zero(t, zero.OurAmount)
}

func TestEvaluateProposedDealFromText(t *testing.T) {
	profile := Profile{
		Counterparty: Counterparty{Handle: "alice", TokenSymbol: "PEPE", TokenMint: "pepe-mint"},
		Tier:         scenarioTier,
	}
	oracle := price.Static{"swap-mint": 2, "pepe-mint": 1}
	evaluator := NewEvaluator(llm.KeywordInterpreter{}, oracle, 0)
	ctx := context.Background()

	decision, err := evaluator.EvaluateProposedDeal(ctx, "how about 500 SWAP for 1,000 PEPE?", profile, "swap-mint", "SWAP")
	require.NoError(t, err)
	require.True(t, decision.Accept)
	require.Equal(t, 1000.0, decision.TheirAmount)

	none, err := evaluator.EvaluateProposedDeal(ctx, "gm, tell me more", profile, "swap-mint", "SWAP")
	require.NoError(t, err)
	require.False(t, none.Proposed)

	missing := NewEvaluator(llm.KeywordInterpreter{}, price.Static{"swap-mint": 2}, 0)
	_, err = missing.EvaluateProposedDeal(ctx, "500 SWAP for 1000 PEPE", profile, "swap-mint", "SWAP")
	require.True(t, xerrors.HasCode(err, xerrors.CodePriceUnavailable))
}
