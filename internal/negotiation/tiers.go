package negotiation

import (
	"context"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	xerrors "OpenMCP-Swap/internal/errors"
	"OpenMCP-Swap/internal/web3"

	"gopkg.in/yaml.v3"
)

// balanceShare 是余额低于上限时可用于报价的比例。
const balanceShare = 0.25

// Tier 是一类对手方的交易限制。
type Tier struct {
	Name                 string  `yaml:"-" json:"name"`
	MaxOfferAmount       float64 `yaml:"max_offer_amount" json:"max_offer_amount"`
	RefractoryPeriodDays float64 `yaml:"refractory_period_days" json:"refractory_period_days"`
	MinOfferPercentage   float64 `yaml:"min_offer_percentage" json:"min_offer_percentage"`
	MaxOfferPercentage   float64 `yaml:"max_offer_percentage" json:"max_offer_percentage"`
	MaxNegotiations      int     `yaml:"max_negotiations" json:"max_negotiations"`
}

// RefractoryPeriod 将天数换算为时长，允许小数天。
func (t Tier) RefractoryPeriod() time.Duration {
	return time.Duration(t.RefractoryPeriodDays * float64(24*time.Hour))
}

func (t Tier) validate() error {
	switch {
	case t.MaxOfferAmount < 0:
		return fmt.Errorf("tier %s: max_offer_amount 不能为负", t.Name)
	case t.MinOfferPercentage < 0 || t.MaxOfferPercentage > 100 || t.MinOfferPercentage > t.MaxOfferPercentage:
		return fmt.Errorf("tier %s: 报价百分比区间无效 [%v, %v]", t.Name, t.MinOfferPercentage, t.MaxOfferPercentage)
	case t.MaxNegotiations <= 0:
		return fmt.Errorf("tier %s: max_negotiations 必须为正", t.Name)
	case t.RefractoryPeriodDays < 0:
		return fmt.Errorf("tier %s: refractory_period_days 不能为负", t.Name)
	}
	return nil
}

// Counterparty 是白名单中的一个对手方。
type Counterparty struct {
	Handle      string `yaml:"-" json:"handle"`
	Tier        string `yaml:"tier" json:"tier"`
	TokenSymbol string `yaml:"token_symbol" json:"token_symbol"`
	TokenMint   string `yaml:"token_mint" json:"token_mint"`
	Wallet      string `yaml:"wallet" json:"wallet"`
}

// Whitelist 是外部维护的 tier 与对手方配置。
type Whitelist struct {
	Tiers          map[string]Tier         `yaml:"tiers"`
	Counterparties map[string]Counterparty `yaml:"counterparties"`
}

// LoadWhitelist 读取 YAML 白名单文件。
func LoadWhitelist(path string) (*Whitelist, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取白名单失败")
	}
	return ParseWhitelist(content)
}

// ParseWhitelist 解析并校验白名单内容。
func ParseWhitelist(content []byte) (*Whitelist, error) {
	var wl Whitelist
	if err := yaml.Unmarshal(content, &wl); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析白名单失败")
	}
	tiers := make(map[string]Tier, len(wl.Tiers))
	for name, tier := range wl.Tiers {
		tier.Name = name
		if err := tier.validate(); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "白名单 tier 无效")
		}
		tiers[name] = tier
	}
	parties := make(map[string]Counterparty, len(wl.Counterparties))
	for handle, cp := range wl.Counterparties {
		key := NormalizeHandle(handle)
		cp.Handle = key
		if _, ok := tiers[cp.Tier]; !ok {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("对手方 %s 引用了未定义的 tier %q", handle, cp.Tier))
		}
		if cp.TokenMint == "" || cp.Wallet == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("对手方 %s 缺少 token_mint 或 wallet", handle))
		}
		parties[key] = cp
	}
	return &Whitelist{Tiers: tiers, Counterparties: parties}, nil
}

// Lookup 按对手方标识查找配置。
func (w *Whitelist) Lookup(handle string) (Counterparty, Tier, bool) {
	if w == nil {
		return Counterparty{}, Tier{}, false
	}
	cp, ok := w.Counterparties[NormalizeHandle(handle)]
	if !ok {
		return Counterparty{}, Tier{}, false
	}
	tier, ok := w.Tiers[cp.Tier]
	return cp, tier, ok
}

// NormalizeHandle 去掉前导 @ 并转为小写，作为对手方的存储键。
func NormalizeHandle(handle string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
}

// AdjustMaxOffer 按我方实时余额重算报价上限。
func AdjustMaxOffer(configuredMax, balance, minReserve float64) float64 {
	if balance <= minReserve {
		return 0
	}
	if balance < configuredMax {
		return math.Floor(balance * balanceShare)
	}
	return configuredMax
}

// Profile 是解析后的对手方与已按余额调整的 tier。
type Profile struct {
	Counterparty Counterparty
	Tier         Tier
}

// BalanceReader 返回我方代币的界面余额。
type BalanceReader interface {
	OurBalance(ctx context.Context) (float64, error)
}

// ChainBalance 从链上读取我方钱包的代币余额。
type ChainBalance struct {
	Reader web3.TokenReader
	Mint   string
	Owner  string
}

// OurBalance 实现 BalanceReader。
func (b ChainBalance) OurBalance(ctx context.Context) (float64, error) {
	ui, _, err := web3.BalanceUI(ctx, b.Reader, b.Mint, b.Owner)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeChainFailure, err, "读取我方代币余额失败")
	}
	return ui, nil
}

// TierResolver 每次查找时都按余额重新计算上限。
type TierResolver struct {
	whitelist  *Whitelist
	balances   BalanceReader
	minReserve float64
}

// NewTierResolver 创建 TierResolver。
func NewTierResolver(wl *Whitelist, balances BalanceReader, minReserve float64) *TierResolver {
	return &TierResolver{whitelist: wl, balances: balances, minReserve: minReserve}
}

// Resolve 返回对手方配置；不在白名单中时返回 CodeNotFound。
func (r *TierResolver) Resolve(ctx context.Context, handle string) (Profile, error) {
	cp, tier, ok := r.whitelist.Lookup(handle)
	if !ok {
		return Profile{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("对手方 %s 不在白名单中", handle))
	}
	if r.balances != nil {
		balance, err := r.balances.OurBalance(ctx)
		if err != nil {
			return Profile{}, err
		}
		tier.MaxOfferAmount = AdjustMaxOffer(tier.MaxOfferAmount, balance, r.minReserve)
	}
	return Profile{Counterparty: cp, Tier: tier}, nil
}
