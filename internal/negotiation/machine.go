package negotiation

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	xerrors "OpenMCP-Swap/internal/errors"
	"OpenMCP-Swap/internal/escrow"
	"OpenMCP-Swap/internal/llm"
	"OpenMCP-Swap/internal/observability/metrics"
	"OpenMCP-Swap/internal/polling"
	"OpenMCP-Swap/internal/price"
	"OpenMCP-Swap/pkg/logger"
)

// DefaultCapProximity 是计入谈判轮次的报价占上限的比例。
const DefaultCapProximity = 0.95

// 轮询任务上下文中保存的键。
const (
	ContextCounterparty   = "counterparty"
	ContextConversationID = "conversation_id"
)

var txRefPattern = regexp.MustCompile(`0x[0-9a-fA-F]{64}`)

// Message 是对手方发来的一条消息。
type Message struct {
	Counterparty   string    `json:"counterparty"`
	ConversationID string    `json:"conversation_id"`
	Text           string    `json:"text"`
	AllianceIntent bool      `json:"alliance_intent,omitempty"`
	ReceivedAt     time.Time `json:"received_at"`
}

// Reply 是发往对手方的回复。
type Reply struct {
	Counterparty   string
	ConversationID string
	Kind           llm.MessageKind
	Text           string
}

// Messenger 把回复投递到对话平台。
type Messenger interface {
	Send(ctx context.Context, reply Reply) error
}

// LogMessenger 只把回复写入审计日志，用于未接入对话平台的部署。
type LogMessenger struct{}

// Send 实现 Messenger。
func (LogMessenger) Send(_ context.Context, reply Reply) error {
	logger.Audit().Info("发送回复",
		slog.String("counterparty", reply.Counterparty),
		slog.String("conversation_id", reply.ConversationID),
		slog.String("kind", string(reply.Kind)),
		slog.String("text", reply.Text))
	return nil
}

// EscrowService 是状态机使用的托管能力。
type EscrowService interface {
	SetupEscrow(ctx context.Context, req escrow.SetupRequest) (escrow.Setup, error)
	VerifyAndCompleteEscrow(ctx context.Context, txRef string, expect escrow.Expectation, signerRef string) (escrow.Completion, error)
	CancelEscrow(ctx context.Context, accounts escrow.Accounts) (string, error)
}

// TaskRegistrar 登记托管轮询任务。
type TaskRegistrar interface {
	Register(ctx context.Context, task polling.Task) (*polling.Task, error)
	RequestCancel(ctx context.Context, escrowKey string) (*polling.Task, error)
}

// ProfileResolver 解析对手方及其按余额调整后的 tier。
type ProfileResolver interface {
	Resolve(ctx context.Context, handle string) (Profile, error)
}

// Wallet 描述我方钱包与代币。
type Wallet struct {
	Address   string
	SignerRef string
	Mint      string
	Symbol    string
}

// Dependencies 汇总状态机的协作者。
type Dependencies struct {
	Store       Store
	Profiles    ProfileResolver
	Interpreter llm.Interpreter
	Composer    llm.Composer
	Oracle      price.Oracle
	Escrow      EscrowService
	Tasks       TaskRegistrar
	Messenger   Messenger
	Wallet      Wallet
}

// Action 描述一条消息的处理结果。
type Action string

const (
	ActionNone            Action = "none"
	ActionIgnored         Action = "ignored"
	ActionDeclined        Action = "declined"
	ActionOffered         Action = "offered"
	ActionAwaitingEscrow  Action = "awaiting_escrow"
	ActionEscrowInitiated Action = "escrow_initiated"
	ActionTransferPending Action = "transfer_pending"
	ActionCompleted       Action = "completed"
	ActionFailed          Action = "failed"
)

// Outcome 是 HandleMessage 的返回值。
type Outcome struct {
	Action Action `json:"action"`
	Status Status `json:"status"`
	Offer  *Offer `json:"offer,omitempty"`
	Reply  string `json:"reply,omitempty"`
	TxRef  string `json:"tx_ref,omitempty"`
	Escrow string `json:"escrow,omitempty"`
}

// Machine 管理每个对手方的谈判生命周期。同一对手方的消息串行处理，
// 每条消息都是一次完整的读取、决策、持久化。
type Machine struct {
	store        Store
	profiles     ProfileResolver
	interpreter  llm.Interpreter
	composer     llm.Composer
	oracle       price.Oracle
	escrow       EscrowService
	tasks        TaskRegistrar
	messenger    Messenger
	wallet       Wallet
	calculator   *Calculator
	evaluator    *Evaluator
	tolerance    float64
	capProximity float64
	now          func() time.Time
	metrics      *metrics.SwapMetrics
	log          *slog.Logger
	locks        keyedMutex
}

// Option 自定义 Machine。
type Option func(*Machine)

// WithCalculator 替换报价计算器。
func WithCalculator(calc *Calculator) Option {
	return func(m *Machine) {
		if calc != nil {
			m.calculator = calc
		}
	}
}

// WithDealTolerance 设置接受提案所需的价值比例。
func WithDealTolerance(tolerance float64) Option {
	return func(m *Machine) {
		m.tolerance = tolerance
	}
}

// WithCapProximity 设置计入谈判轮次的报价比例。
func WithCapProximity(proximity float64) Option {
	return func(m *Machine) {
		if proximity > 0 && proximity <= 1 {
			m.capProximity = proximity
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// WithMetrics 注入指标集合。
func WithMetrics(mx *metrics.SwapMetrics) Option {
	return func(m *Machine) {
		m.metrics = mx
	}
}

// NewMachine 校验依赖并创建状态机。
func NewMachine(deps Dependencies, opts ...Option) (*Machine, error) {
	switch {
	case deps.Store == nil, deps.Profiles == nil, deps.Interpreter == nil, deps.Composer == nil,
		deps.Oracle == nil, deps.Escrow == nil, deps.Tasks == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "谈判状态机依赖不完整")
	case deps.Wallet.Address == "" || deps.Wallet.Mint == "":
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置我方钱包或代币")
	}
	m := &Machine{
		store:        deps.Store,
		profiles:     deps.Profiles,
		interpreter:  deps.Interpreter,
		composer:     deps.Composer,
		oracle:       deps.Oracle,
		escrow:       deps.Escrow,
		tasks:        deps.Tasks,
		messenger:    deps.Messenger,
		wallet:       deps.Wallet,
		calculator:   NewCalculator(),
		tolerance:    DefaultDealTolerance,
		capProximity: DefaultCapProximity,
		now:          func() time.Time { return time.Now().UTC() },
		log:          logger.Named("negotiation"),
	}
	if m.messenger == nil {
		m.messenger = LogMessenger{}
	}
	if m.wallet.SignerRef == "" {
		m.wallet.SignerRef = m.wallet.Address
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.evaluator = NewEvaluator(m.interpreter, m.oracle, m.tolerance)
	return m, nil
}

// turn 是处理单条消息时的上下文。
type turn struct {
	msg     Message
	handle  string
	profile Profile
	state   *State
	now     time.Time
}

// HandleMessage 处理一条对手方消息。任何一步失败都会中止本轮且不修改已持久化的状态，
// 调用方可以安全地重试同一条消息。
func (m *Machine) HandleMessage(ctx context.Context, msg Message) (Outcome, error) {
	handle := NormalizeHandle(msg.Counterparty)
	if handle == "" {
		return Outcome{}, xerrors.New(xerrors.CodeInvalidArgument, "消息缺少对手方标识")
	}
	unlock := m.locks.Lock(handle)
	defer unlock()

	now := msg.ReceivedAt
	if now.IsZero() {
		now = m.now()
	}
	profile, err := m.profiles.Resolve(ctx, handle)
	if err != nil {
		return Outcome{}, err
	}
	state, err := m.store.Get(ctx, handle)
	if err != nil {
		return Outcome{}, err
	}

	switch {
	case state == nil:
		state = m.freshState(handle, msg, profile, now)
	case state.Status.Terminal() || state.ConversationID != msg.ConversationID:
		if elapsed := now.Sub(state.LastInteraction); elapsed < profile.Tier.RefractoryPeriod() {
			m.log.Info("冷却期内忽略消息",
				slog.String("counterparty", handle),
				slog.String("conversation_id", msg.ConversationID),
				slog.String("status", string(state.Status)),
				slog.Duration("elapsed", elapsed))
			return Outcome{Action: ActionIgnored, Status: state.Status}, nil
		}
		state = m.freshState(handle, msg, profile, now)
	}

	t := &turn{msg: msg, handle: handle, profile: profile, state: state, now: now}
	switch state.Status {
	case StatusNotStarted:
		return m.startNegotiation(ctx, t)
	case StatusPending:
		return m.continueNegotiation(ctx, t)
	case StatusWaitingForEscrow:
		if ref := txRefPattern.FindString(msg.Text); ref != "" {
			return m.handleTransferInitiation(ctx, t, ref)
		}
		return Outcome{Action: ActionNone, Status: state.Status}, nil
	default:
		return Outcome{Action: ActionNone, Status: state.Status, Escrow: state.Escrow, TxRef: state.TxRef}, nil
	}
}

func (m *Machine) freshState(handle string, msg Message, profile Profile, now time.Time) *State {
	return &State{
		Counterparty:    handle,
		ConversationID:  msg.ConversationID,
		Tier:            profile.Tier.Name,
		TokenSymbol:     profile.Counterparty.TokenSymbol,
		MaxNegotiations: profile.Tier.MaxNegotiations,
		MaxOfferAmount:  profile.Tier.MaxOfferAmount,
		LastInteraction: now,
		Status:          StatusNotStarted,
	}
}

func (m *Machine) symbols(profile Profile) llm.Symbols {
	return llm.Symbols{Ours: m.wallet.Symbol, Theirs: profile.Counterparty.TokenSymbol}
}

// startNegotiation 只在对方给出报价或表达合作意向时开启谈判。
func (m *Machine) startNegotiation(ctx context.Context, t *turn) (Outcome, error) {
	_, found, err := m.interpreter.ExtractOfferAmounts(ctx, t.msg.Text, m.symbols(t.profile))
	if err != nil {
		return Outcome{}, xerrors.Wrap(xerrors.CodeInterpretFailure, err, "解析对方报价失败")
	}
	if !found && !t.msg.AllianceIntent {
		return Outcome{Action: ActionNone, Status: StatusNotStarted}, nil
	}
	t.state.CounterpartyIsInitiator = found
	return m.offerTradeDeal(ctx, t)
}

func (m *Machine) continueNegotiation(ctx context.Context, t *turn) (Outcome, error) {
	if ref := txRefPattern.FindString(t.msg.Text); ref != "" {
		return m.handleTransferInitiation(ctx, t, ref)
	}

	decision, err := m.evaluator.EvaluateProposedDeal(ctx, t.msg.Text, t.profile, m.wallet.Mint, m.wallet.Symbol)
	if err != nil {
		return Outcome{}, err
	}
	if decision.Proposed {
		m.metrics.ObserveDecision(decision.Accept)
		if decision.Accept {
			return m.acceptDeal(ctx, t, decision.OurAmount, decision.TheirAmount)
		}
	} else {
		accepted, err := m.interpreter.IsAcceptance(ctx, t.msg.Text)
		if err != nil {
			return Outcome{}, xerrors.Wrap(xerrors.CodeInterpretFailure, err, "判断对方是否接受失败")
		}
		if accepted {
			offer := t.state.CurrentOffer
			return m.acceptDeal(ctx, t, offer.Amount, offer.CounterpartyAmount)
		}
	}

	if t.state.NegotiationCount >= t.state.MaxNegotiations {
		return m.failNegotiation(ctx, t)
	}
	return m.offerTradeDeal(ctx, t)
}

// offerTradeDeal 计算并发送下一轮报价，成功发送后才持久化。
func (m *Machine) offerTradeDeal(ctx context.Context, t *turn) (Outcome, error) {
	ourPrice, err := m.oracle.USDPrice(ctx, m.wallet.Mint)
	if err != nil {
		return Outcome{}, err
	}
	theirPrice, err := m.oracle.USDPrice(ctx, t.profile.Counterparty.TokenMint)
	if err != nil {
		return Outcome{}, err
	}

	var prior *Offer
	if t.state.Status == StatusPending && t.state.CurrentOffer.Amount > 0 {
		previous := t.state.CurrentOffer
		prior = &previous
	}
	offer, err := m.calculator.CalculateOffer(t.profile.Tier, ourPrice, theirPrice, prior)
	if err != nil {
		return Outcome{}, err
	}
	if offer.Amount <= 0 {
		m.log.Warn("我方余额不足，放弃报价",
			slog.String("counterparty", t.handle),
			slog.Float64("max_offer", t.profile.Tier.MaxOfferAmount))
		return Outcome{Action: ActionDeclined, Status: t.state.Status}, nil
	}

	next := t.state.Clone()
	if offer.Amount > m.capProximity*t.profile.Tier.MaxOfferAmount {
		next.NegotiationCount++
	}
	next.CurrentOffer = offer
	next.MaxOfferAmount = t.profile.Tier.MaxOfferAmount
	next.MaxNegotiations = t.profile.Tier.MaxNegotiations
	next.LastInteraction = t.now
	next.Status = StatusPending

	kind := llm.MessageNextOffer
	switch {
	case t.state.Status == StatusNotStarted:
		kind = llm.MessageInitialOffer
	case next.NegotiationCount >= next.MaxNegotiations:
		kind = llm.MessageFinalOffer
	}
	text, err := m.reply(ctx, t, kind, llm.ComposeRequest{
		OurAmount:          offer.Amount,
		CounterpartyAmount: offer.CounterpartyAmount,
		USDValue:           offer.USDValue,
	})
	if err != nil {
		return Outcome{}, err
	}
	if err := m.persist(ctx, t.state.Status, next); err != nil {
		return Outcome{}, err
	}
	m.metrics.ObserveOffer(string(kind))
	return Outcome{Action: ActionOffered, Status: next.Status, Offer: &offer, Reply: text}, nil
}

// acceptDeal 接受交易。对方先开托管时回复等待；否则由我方创建托管、登记轮询任务并告知交易引用。
// 轮询任务登记成功后才持久化 initiated_escrow；之后任一步失败都撤回托管，状态不变，可以安全重试。
func (m *Machine) acceptDeal(ctx context.Context, t *turn, ourAmount, theirAmount float64) (Outcome, error) {
	next := t.state.Clone()
	next.LastInteraction = t.now
	if ourAmount != next.CurrentOffer.Amount || theirAmount != next.CurrentOffer.CounterpartyAmount {
		next.CurrentOffer = Offer{Amount: ourAmount, CounterpartyAmount: theirAmount}
	}
	compose := llm.ComposeRequest{OurAmount: ourAmount, CounterpartyAmount: theirAmount, USDValue: next.CurrentOffer.USDValue}

	if t.state.CounterpartyIsInitiator {
		next.Status = StatusWaitingForEscrow
		text, err := m.reply(ctx, t, llm.MessageAwaitEscrow, compose)
		if err != nil {
			return Outcome{}, err
		}
		if err := m.persist(ctx, t.state.Status, next); err != nil {
			return Outcome{}, err
		}
		return Outcome{Action: ActionAwaitingEscrow, Status: next.Status, Offer: &next.CurrentOffer, Reply: text}, nil
	}

	counterparty := t.profile.Counterparty
	setup, err := m.escrow.SetupEscrow(ctx, escrow.SetupRequest{
		SignerRef:           m.wallet.SignerRef,
		Initializer:         m.wallet.Address,
		Taker:               counterparty.Wallet,
		MintA:               m.wallet.Mint,
		MintB:               counterparty.TokenMint,
		DepositAmount:       ourAmount,
		ExpectedTakerAmount: theirAmount,
	})
	if err != nil {
		return Outcome{}, err
	}

	if _, err := m.tasks.Register(ctx, polling.Task{
		Escrow:         setup.Accounts.Escrow,
		Vault:          setup.Accounts.VaultB,
		Mint:           setup.Accounts.MintB,
		ExpectedAmount: theirAmount,
		Accounts:       setup.Accounts,
		Context: map[string]string{
			ContextCounterparty:   t.handle,
			ContextConversationID: t.msg.ConversationID,
		},
	}); err != nil {
		m.log.Error("托管已创建但登记轮询任务失败，撤回托管",
			slog.String("counterparty", t.handle),
			slog.String("escrow", setup.Accounts.Escrow),
			slog.String("error", err.Error()))
		m.unwindEscrow(ctx, t, setup.Accounts)
		return Outcome{}, err
	}

	next.Status = StatusInitiatedEscrow
	next.Escrow = setup.Accounts.Escrow
	next.TxRef = setup.InitTx
	if err := m.persist(ctx, t.state.Status, next); err != nil {
		// 任务已登记，交给轮询引擎在链上取消，状态保持原样以便重试。
		if _, cancelErr := m.tasks.RequestCancel(ctx, setup.Accounts.Escrow); cancelErr != nil {
			m.log.Error("托管状态持久化失败且无法撤回轮询任务",
				slog.String("counterparty", t.handle),
				slog.String("escrow", setup.Accounts.Escrow),
				slog.String("error", cancelErr.Error()))
		}
		return Outcome{}, err
	}

	compose.TxRef = setup.InitTx
	compose.Escrow = setup.Accounts.Escrow
	text, err := m.reply(ctx, t, llm.MessageEscrowInitiated, compose)
	if err != nil {
		m.log.Warn("托管已创建但通知对方失败",
			slog.String("counterparty", t.handle),
			slog.String("tx", setup.InitTx),
			slog.String("error", err.Error()))
	}
	return Outcome{
		Action: ActionEscrowInitiated,
		Status: next.Status,
		Offer:  &next.CurrentOffer,
		Reply:  text,
		TxRef:  setup.InitTx,
		Escrow: setup.Accounts.Escrow,
	}, nil
}

// unwindEscrow 取消一个未能登记轮询任务的托管，取回我方存款。取消失败时需人工处理。
func (m *Machine) unwindEscrow(ctx context.Context, t *turn, accounts escrow.Accounts) {
	tx, err := m.escrow.CancelEscrow(ctx, accounts)
	if err != nil {
		logger.Audit().Error("撤回托管失败，需人工取消",
			slog.String("counterparty", t.handle),
			slog.String("escrow", accounts.Escrow),
			slog.String("seed", accounts.Seed),
			slog.String("error", err.Error()))
		return
	}
	logger.Audit().Info("已撤回托管",
		slog.String("counterparty", t.handle),
		slog.String("escrow", accounts.Escrow),
		slog.String("tx", tx))
}

// handleTransferInitiation 核验对方创建的托管并补足我方存款。核验不通过只回复稍后再试，不改变状态。
func (m *Machine) handleTransferInitiation(ctx context.Context, t *turn, txRef string) (Outcome, error) {
	offer := t.state.CurrentOffer
	counterparty := t.profile.Counterparty
	completion, err := m.escrow.VerifyAndCompleteEscrow(ctx, txRef, escrow.Expectation{
		Initializer:    counterparty.Wallet,
		Taker:          m.wallet.Address,
		MintA:          counterparty.TokenMint,
		MintB:          m.wallet.Mint,
		DepositAmount:  offer.CounterpartyAmount,
		MaxTakerAmount: offer.Amount,
	}, m.wallet.SignerRef)
	if err != nil {
		return Outcome{}, err
	}
	compose := llm.ComposeRequest{OurAmount: offer.Amount, CounterpartyAmount: offer.CounterpartyAmount, TxRef: txRef}

	if !completion.Completed {
		m.log.Warn("对方提供的托管未通过核验",
			slog.String("counterparty", t.handle),
			slog.String("tx", txRef),
			slog.String("reason", completion.Reason))
		text, err := m.reply(ctx, t, llm.MessageTransferPending, compose)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Action: ActionTransferPending, Status: t.state.Status, Reply: text, TxRef: txRef}, nil
	}

	next := t.state.Clone()
	next.Status = StatusCompleted
	next.Escrow = completion.Accounts.Escrow
	next.TxRef = txRef
	if completion.TransferTx != "" {
		next.TxRef = completion.TransferTx
	}
	next.LastInteraction = t.now
	if err := m.persist(ctx, t.state.Status, next); err != nil {
		return Outcome{}, err
	}
	compose.Escrow = next.Escrow
	text, err := m.reply(ctx, t, llm.MessageEscrowCompleted, compose)
	if err != nil {
		m.log.Warn("托管已完成但通知对方失败", slog.String("counterparty", t.handle), slog.String("error", err.Error()))
	}
	return Outcome{Action: ActionCompleted, Status: next.Status, Offer: &offer, Reply: text, TxRef: next.TxRef, Escrow: next.Escrow}, nil
}

func (m *Machine) failNegotiation(ctx context.Context, t *turn) (Outcome, error) {
	next := t.state.Clone()
	next.Status = StatusFailed
	next.LastInteraction = t.now
	text, err := m.reply(ctx, t, llm.MessageNegotiationEnded, llm.ComposeRequest{})
	if err != nil {
		return Outcome{}, err
	}
	if err := m.persist(ctx, t.state.Status, next); err != nil {
		return Outcome{}, err
	}
	return Outcome{Action: ActionFailed, Status: next.Status, Reply: text}, nil
}

// NotifyEscrowCompleted 是轮询引擎的完成回调：把谈判标记为完成并通知对方。
func (m *Machine) NotifyEscrowCompleted(ctx context.Context, task polling.Task) error {
	handle := NormalizeHandle(task.Context[ContextCounterparty])
	if handle == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "轮询任务缺少对手方", xerrors.WithMetadata("escrow", task.Escrow))
	}
	unlock := m.locks.Lock(handle)
	defer unlock()

	state, err := m.store.Get(ctx, handle)
	if err != nil {
		return err
	}
	if state == nil {
		return xerrors.New(xerrors.CodeNotFound, "未找到谈判状态", xerrors.WithMetadata("counterparty", handle))
	}
	if state.Escrow != "" && !strings.EqualFold(state.Escrow, task.Escrow) {
		m.log.Warn("完成的托管与当前谈判不一致",
			slog.String("counterparty", handle),
			slog.String("escrow", task.Escrow),
			slog.String("current", state.Escrow))
		return xerrors.New(xerrors.CodeConflict, "托管与当前谈判不一致", xerrors.WithMetadata("escrow", task.Escrow))
	}

	next := state.Clone()
	next.Status = StatusCompleted
	next.Escrow = task.Escrow
	if task.ExchangeTx != "" {
		next.TxRef = task.ExchangeTx
	}
	next.LastInteraction = m.now()
	if err := m.persist(ctx, state.Status, next); err != nil {
		return err
	}

	conversation := task.Context[ContextConversationID]
	if conversation == "" {
		conversation = state.ConversationID
	}
	profile, err := m.profiles.Resolve(ctx, handle)
	if err != nil {
		return err
	}
	t := &turn{msg: Message{Counterparty: handle, ConversationID: conversation}, handle: handle, profile: profile, state: next}
	_, err = m.reply(ctx, t, llm.MessageEscrowCompleted, llm.ComposeRequest{
		OurAmount:          next.CurrentOffer.Amount,
		CounterpartyAmount: next.CurrentOffer.CounterpartyAmount,
		TxRef:              next.TxRef,
		Escrow:             next.Escrow,
	})
	return err
}

// State 返回对手方当前的谈判状态。
func (m *Machine) State(ctx context.Context, counterparty string) (*State, error) {
	state, err := m.store.Get(ctx, NormalizeHandle(counterparty))
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, xerrors.New(xerrors.CodeNotFound, "未找到谈判状态", xerrors.WithMetadata("counterparty", counterparty))
	}
	return state, nil
}

func (m *Machine) reply(ctx context.Context, t *turn, kind llm.MessageKind, req llm.ComposeRequest) (string, error) {
	req.Kind = kind
	req.Counterparty = t.handle
	req.Symbols = m.symbols(t.profile)
	text, err := m.composer.Compose(ctx, req)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInterpretFailure, err, "生成回复失败", xerrors.WithMetadata("kind", string(kind)))
	}
	if err := m.messenger.Send(ctx, Reply{
		Counterparty:   t.handle,
		ConversationID: t.msg.ConversationID,
		Kind:           kind,
		Text:           text,
	}); err != nil {
		return "", xerrors.Wrap(xerrors.CodeQueueFailure, err, "发送回复失败", xerrors.WithRetryable(true))
	}
	return text, nil
}

func (m *Machine) persist(ctx context.Context, from Status, next *State) error {
	if err := m.store.Put(ctx, next); err != nil {
		return err
	}
	if from != next.Status {
		m.metrics.ObserveNegotiationStatus(string(next.Status))
		logger.Audit().Info("谈判状态变更",
			slog.String("counterparty", next.Counterparty),
			slog.String("conversation_id", next.ConversationID),
			slog.String("from", string(from)),
			slog.String("status", string(next.Status)),
			slog.Int("negotiation_count", next.NegotiationCount))
	}
	return nil
}

// keyedMutex 为每个对手方提供独立的互斥锁，不再使用的锁会被回收。
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	lock, ok := k.locks[key]
	if !ok {
		lock = &keyLock{}
		k.locks[key] = lock
	}
	lock.refs++
	k.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		k.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
