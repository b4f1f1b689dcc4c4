package negotiation

import (
	"math"
	"math/rand/v2"

	xerrors "OpenMCP-Swap/internal/errors"
	"OpenMCP-Swap/internal/web3"
)

// 后续轮次向上限逼近的随机步长区间。
const (
	minStep = 0.1
	maxStep = 1.0
)

// Offer 是一轮报价。Amount 与 CounterpartyAmount 均为整数代币单位。
type Offer struct {
	Amount             float64 `json:"amount"`
	USDValue           float64 `json:"usd_value"`
	CounterpartyAmount float64 `json:"counterparty_amount"`
}

// FairPrice 返回一枚我方代币折合的对方代币数量。
func FairPrice(ourPriceUSD, theirPriceUSD float64) (float64, error) {
	if ourPriceUSD <= 0 || theirPriceUSD <= 0 {
		return 0, xerrors.New(xerrors.CodePriceUnavailable, "价格必须为正")
	}
	return ourPriceUSD / theirPriceUSD, nil
}

// Calculator 根据 tier 与上一轮报价计算下一轮报价。
type Calculator struct {
	random func() float64
}

// NewCalculator 创建使用全局随机源的 Calculator。
func NewCalculator() *Calculator {
	return &Calculator{random: rand.Float64}
}

// NewCalculatorWithRandom 使用给定的 [0,1) 随机函数，便于测试复现。
func NewCalculatorWithRandom(random func() float64) *Calculator {
	return &Calculator{random: random}
}

func (c *Calculator) uniform(lo, hi float64) float64 {
	return lo + (hi-lo)*c.random()
}

// CalculateOffer 计算报价。首轮在 [min%, max%] 区间内随机取值，
// 之后每轮在剩余空间的 [10%, 100%] 内前进，结果永远不超过上限。
func (c *Calculator) CalculateOffer(tier Tier, ourPriceUSD, theirPriceUSD float64, prior *Offer) (Offer, error) {
	fair, err := FairPrice(ourPriceUSD, theirPriceUSD)
	if err != nil {
		return Offer{}, err
	}
	ceiling := tier.MaxOfferAmount

	var amount float64
	if prior == nil || prior.Amount <= 0 {
		amount = ceiling * c.uniform(tier.MinOfferPercentage/100, tier.MaxOfferPercentage/100)
	} else {
		room := ceiling - prior.Amount
		if room < 0 {
			room = 0
		}
		amount = math.Min(prior.Amount, ceiling) + room*c.uniform(minStep, maxStep)
	}
	amount = math.Min(web3.Floor(amount), math.Floor(ceiling))
	if amount < 0 {
		amount = 0
	}

	return Offer{
		Amount:             amount,
		USDValue:           web3.Round(amount*ourPriceUSD, 6),
		CounterpartyAmount: web3.Floor(ceiling * fair),
	}, nil
}
