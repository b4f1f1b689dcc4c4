package mysql

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	xerrors "OpenMCP-Swap/internal/errors"
	"OpenMCP-Swap/internal/negotiation"
)

const negotiationColumns = `counterparty, conversation_id, tier, token_symbol, negotiation_count, max_negotiations,
    last_interaction, offer_amount, offer_usd_value, offer_counterparty_amount, max_offer_amount,
    counterparty_is_initiator, status, escrow, tx_ref`

const upsertNegotiationSQL = `INSERT INTO negotiations
    (` + negotiationColumns + `, updated_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE conversation_id = VALUES(conversation_id), tier = VALUES(tier),
    token_symbol = VALUES(token_symbol), negotiation_count = VALUES(negotiation_count),
    max_negotiations = VALUES(max_negotiations), last_interaction = VALUES(last_interaction),
    offer_amount = VALUES(offer_amount), offer_usd_value = VALUES(offer_usd_value),
    offer_counterparty_amount = VALUES(offer_counterparty_amount), max_offer_amount = VALUES(max_offer_amount),
    counterparty_is_initiator = VALUES(counterparty_is_initiator), status = VALUES(status),
    escrow = VALUES(escrow), tx_ref = VALUES(tx_ref), updated_at = VALUES(updated_at)`

// NegotiationStore 将谈判状态保存在 negotiations 表中，每个对手方一行。
type NegotiationStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewNegotiationStore 连接数据库、执行迁移并返回存储。
func NewNegotiationStore(ctx context.Context, cfg Config) (*NegotiationStore, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化谈判状态存储失败")
	}
	return NewNegotiationStoreWithDB(db), nil
}

// NewNegotiationStoreWithDB 使用已有连接池创建存储。
func NewNegotiationStoreWithDB(db *sql.DB) *NegotiationStore {
	return &NegotiationStore{db: db, now: time.Now}
}

// Get 实现 negotiation.Store。
func (s *NegotiationStore) Get(ctx context.Context, counterparty string) (*negotiation.State, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+negotiationColumns+` FROM negotiations WHERE counterparty = ?`, counterparty)
	state, err := scanNegotiation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询谈判状态失败", xerrors.WithMetadata("counterparty", counterparty))
	}
	return state, nil
}

// Put 以 upsert 方式写入状态。
func (s *NegotiationStore) Put(ctx context.Context, state *negotiation.State) error {
	if state == nil || strings.TrimSpace(state.Counterparty) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "谈判状态缺少对手方")
	}
	if _, err := s.db.ExecContext(ctx, upsertNegotiationSQL,
		state.Counterparty,
		state.ConversationID,
		state.Tier,
		state.TokenSymbol,
		state.NegotiationCount,
		state.MaxNegotiations,
		state.LastInteraction.UnixMilli(),
		state.CurrentOffer.Amount,
		state.CurrentOffer.USDValue,
		state.CurrentOffer.CounterpartyAmount,
		state.MaxOfferAmount,
		state.CounterpartyIsInitiator,
		string(state.Status),
		state.Escrow,
		state.TxRef,
		s.now().UnixMilli(),
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入谈判状态失败", xerrors.WithMetadata("counterparty", state.Counterparty))
	}
	return nil
}

// Delete 删除对手方的谈判状态。
func (s *NegotiationStore) Delete(ctx context.Context, counterparty string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM negotiations WHERE counterparty = ?`, counterparty); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除谈判状态失败", xerrors.WithMetadata("counterparty", counterparty))
	}
	return nil
}

// List 按最近交互时间倒序返回全部状态。
func (s *NegotiationStore) List(ctx context.Context) ([]*negotiation.State, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+negotiationColumns+` FROM negotiations ORDER BY last_interaction DESC, counterparty ASC`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询谈判列表失败")
	}
	defer rows.Close()

	var states []*negotiation.State
	for rows.Next() {
		state, err := scanNegotiation(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析谈判状态失败")
		}
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历谈判状态失败")
	}
	return states, nil
}

// Close 关闭底层数据库连接。
func (s *NegotiationStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNegotiation(row scanner) (*negotiation.State, error) {
	var (
		state       negotiation.State
		status      string
		interaction int64
	)
	if err := row.Scan(
		&state.Counterparty,
		&state.ConversationID,
		&state.Tier,
		&state.TokenSymbol,
		&state.NegotiationCount,
		&state.MaxNegotiations,
		&interaction,
		&state.CurrentOffer.Amount,
		&state.CurrentOffer.USDValue,
		&state.CurrentOffer.CounterpartyAmount,
		&state.MaxOfferAmount,
		&state.CounterpartyIsInitiator,
		&status,
		&state.Escrow,
		&state.TxRef,
	); err != nil {
		return nil, err
	}
	state.Status = negotiation.Status(status)
	state.LastInteraction = time.UnixMilli(interaction).UTC()
	return &state, nil
}

var _ negotiation.Store = (*NegotiationStore)(nil)
