package negotiation

import (
	"testing"

	xerrors "OpenMCP-Swap/internal/errors"

	"github.com/stretchr/testify/require"
)

var scenarioTier = Tier{
	Name:                 "gold",
	MaxOfferAmount:       1000,
	RefractoryPeriodDays: 1,
	MinOfferPercentage:   80,
	MaxOfferPercentage:   90,
	MaxNegotiations:      3,
}

func fixedRandom(values ...float64) func() float64 {
	i := 0
	return func() float64 {
		v := values[i%len(values)]
		i++
		return v
	}
}

func TestInitialOfferWithinTierPercentages(t *testing.T) {
	low, err := NewCalculatorWithRandom(fixedRandom(0)).CalculateOffer(scenarioTier, 2, 1, nil)
	require.NoError(t, err)
	require.Equal(t, 800.0, low.Amount)
	require.Equal(t, 2000.0, low.CounterpartyAmount)
	require.Equal(t, 1600.0, low.USDValue)

	high, err := NewCalculatorWithRandom(fixedRandom(0.999999)).CalculateOffer(scenarioTier, 2, 1, nil)
	require.NoError(t, err)
	require.Equal(t, 899.0, high.Amount)

	calc := NewCalculator()
	for i := 0; i < 200; i++ {
		offer, err := calc.CalculateOffer(scenarioTier, 2, 1, nil)
		require.NoError(t, err)
		require.GreaterOrEqual(t, offer.Amount, 800.0)
		require.LessOrEqual(t, offer.Amount, 900.0)
		require.Equal(t, 2000.0, offer.CounterpartyAmount)
	}
}

func TestSubsequentOfferClosesGap(t *testing.T) {
	prior := &Offer{Amount: 850}
	next, err := NewCalculatorWithRandom(fixedRandom(0.5)).CalculateOffer(scenarioTier, 2, 1, prior)
	require.NoError(t, err)
	require.Equal(t, 932.0, next.Amount)
	require.Equal(t, 2000.0, next.CounterpartyAmount)
}

func TestOffersNeverExceedCapAndNeverDecrease(t *testing.T) {
	calc := NewCalculator()
	for run := 0; run < 50; run++ {
		var prior *Offer
		for round := 0; round < 20; round++ {
			offer, err := calc.CalculateOffer(scenarioTier, 0.37, 1.9, prior)
			require.NoError(t, err)
			require.LessOrEqual(t, offer.Amount, scenarioTier.MaxOfferAmount)
			if prior != nil {
				require.GreaterOrEqual(t, offer.Amount, prior.Amount)
			}
			prior = &offer
		}
	}
}

func TestOfferClampsWhenCapShrinks(t *testing.T) {
	shrunk := scenarioTier
	shrunk.MaxOfferAmount = 500
	offer, err := NewCalculatorWithRandom(fixedRandom(0.5)).CalculateOffer(shrunk, 2, 1, &Offer{Amount: 900})
	require.NoError(t, err)
	require.Equal(t, 500.0, offer.Amount)
}

func TestFairPriceRequiresPositivePrices(t *testing.T) {
	fair, err := FairPrice(2, 1)
	require.NoError(t, err)
	require.Equal(t, 2.0, fair)

	_, err = FairPrice(2, 0)
	require.True(t, xerrors.HasCode(err, xerrors.CodePriceUnavailable))
	_, err = NewCalculator().CalculateOffer(scenarioTier, 0, 1, nil)
	require.Error(t, err)
}
