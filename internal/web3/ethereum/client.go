package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"OpenMCP-Swap/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	defaultValidityBlocks = 150
	defaultReceiptPoll    = 2 * time.Second
)

// Config describes how to construct an EVM escrow client.
type Config struct {
	Name          string
	RPCURL        string
	Notes         string
	Program       web3.EscrowProgram
	ReceiptPoll   time.Duration
	GasMultiplier float64
}

// Backend is the subset of ethclient.Client used by the escrow client.
type Backend interface {
	gethcore.ContractCaller
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (*coretypes.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error)
}

// Client implements web3.EscrowChain for EVM compatible chains.
type Client struct {
	name        string
	notes       string
	backend     Backend
	closer      func()
	program     common.Address
	escrowInit  common.Hash
	vaultInit   common.Hash
	receiptPoll time.Duration
	gasFactor   float64

	mu       sync.Mutex
	chainID  *big.Int
	decimals map[common.Address]uint8
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	client, err := NewWithBackend(cfg, eth)
	if err != nil {
		eth.Close()
		return nil, err
	}
	client.closer = eth.Close
	return client, nil
}

// NewWithBackend wraps an existing backend, typically a fake in tests.
func NewWithBackend(cfg Config, backend Backend) (*Client, error) {
	if backend == nil {
		return nil, errors.New("客户端缺少链访问后端")
	}
	program, err := parseAddress(cfg.Program.Address)
	if err != nil {
		return nil, fmt.Errorf("托管程序地址无效: %w", err)
	}
	poll := cfg.ReceiptPoll
	if poll <= 0 {
		poll = defaultReceiptPoll
	}
	factor := cfg.GasMultiplier
	if factor < 1 {
		factor = 1.2
	}
	return &Client{
		name:        cfg.Name,
		notes:       cfg.Notes,
		backend:     backend,
		program:     program,
		escrowInit:  common.HexToHash(cfg.Program.EscrowInitHash),
		vaultInit:   common.HexToHash(cfg.Program.VaultInitHash),
		receiptPoll: poll,
		gasFactor:   factor,
		decimals:    make(map[common.Address]uint8),
	}, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closer != nil {
		c.closer()
		c.closer = nil
	}
}

// ProgramID returns the escrow program address.
func (c *Client) ProgramID() string {
	return c.program.Hex()
}

// DeriveEscrowAddress re-derives the CREATE2 address of an escrow record.
func (c *Client) DeriveEscrowAddress(initializer string, seed [32]byte) (string, error) {
	owner, err := parseAddress(initializer)
	if err != nil {
		return "", err
	}
	return crypto.CreateAddress2(c.program, escrowSalt(owner, seed), c.escrowInit.Bytes()).Hex(), nil
}

// DeriveVaultAddress re-derives the vault owned by an escrow for one mint.
func (c *Client) DeriveVaultAddress(escrow, mint string) (string, error) {
	escrowAddr, err := parseAddress(escrow)
	if err != nil {
		return "", err
	}
	mintAddr, err := parseAddress(mint)
	if err != nil {
		return "", err
	}
	return crypto.CreateAddress2(c.program, vaultSalt(escrowAddr, mintAddr), c.vaultInit.Bytes()).Hex(), nil
}

// MintDecimals reads ERC20 decimals, caching per token.
func (c *Client) MintDecimals(ctx context.Context, mint string) (uint8, error) {
	token, err := parseAddress(mint)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	cached, ok := c.decimals[token]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	out, err := c.call(ctx, token, tokenABI.Methods["decimals"].ID, nil)
	if err != nil {
		return 0, fmt.Errorf("查询代币精度失败: %w", err)
	}
	values, err := tokenABI.Unpack("decimals", out)
	if err != nil || len(values) != 1 {
		return 0, fmt.Errorf("解析代币精度失败: %v", err)
	}
	decimals, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("代币精度类型异常: %T", values[0])
	}
	c.mu.Lock()
	c.decimals[token] = decimals
	c.mu.Unlock()
	return decimals, nil
}

// TokenBalance returns the raw ERC20 balance of owner.
func (c *Client) TokenBalance(ctx context.Context, mint, owner string) (*big.Int, error) {
	token, err := parseAddress(mint)
	if err != nil {
		return nil, err
	}
	holder, err := parseAddress(owner)
	if err != nil {
		return nil, err
	}
	input, err := tokenABI.Pack("balanceOf", holder)
	if err != nil {
		return nil, fmt.Errorf("编码 balanceOf 失败: %w", err)
	}
	out, err := c.call(ctx, token, input[:4], input[4:])
	if err != nil {
		return nil, fmt.Errorf("查询代币余额失败: %w", err)
	}
	values, err := tokenABI.Unpack("balanceOf", out)
	if err != nil || len(values) != 1 {
		return nil, fmt.Errorf("解析代币余额失败: %v", err)
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("代币余额类型异常: %T", values[0])
	}
	return balance, nil
}

func (c *Client) call(ctx context.Context, to common.Address, selector []byte, args []byte) ([]byte, error) {
	data := append(append([]byte{}, selector...), args...)
	return c.backend.CallContract(ctx, gethcore.CallMsg{To: &to, Data: data}, nil)
}

// Submit signs and broadcasts one instruction, then waits until it is mined
// or the validity window has passed.
func (c *Client) Submit(ctx context.Context, signer *ecdsa.PrivateKey, ix web3.Instruction, opts web3.SubmitOptions) (web3.Receipt, error) {
	if signer == nil {
		return web3.Receipt{}, errors.New("未提供交易签名器")
	}
	to, data, err := c.encode(ix)
	if err != nil {
		return web3.Receipt{}, err
	}
	from := crypto.PubkeyToAddress(signer.PublicKey)

	chainID, err := c.chainIDFor(ctx)
	if err != nil {
		return web3.Receipt{}, err
	}

	var nonce uint64
	if opts.Nonce != nil {
		nonce = *opts.Nonce
	} else if nonce, err = c.backend.PendingNonceAt(ctx, from); err != nil {
		return web3.Receipt{}, fmt.Errorf("查询交易计数失败: %w", err)
	}

	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return web3.Receipt{}, fmt.Errorf("获取最新区块失败: %w", err)
	}
	tip := opts.PriorityFee
	if tip == nil || tip.Sign() <= 0 {
		if tip, err = c.backend.SuggestGasTipCap(ctx); err != nil {
			return web3.Receipt{}, fmt.Errorf("获取小费建议失败: %w", err)
		}
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	gas, err := c.backend.EstimateGas(ctx, gethcore.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		return web3.Receipt{}, fmt.Errorf("估算 gas 失败: %w", err)
	}
	gas = uint64(float64(gas) * c.gasFactor)

	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Data:      data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), signer)
	if err != nil {
		return web3.Receipt{}, fmt.Errorf("签名交易失败: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return web3.Receipt{}, fmt.Errorf("发送交易失败: %w", err)
	}

	validity := opts.ValidityBlocks
	if validity == 0 {
		validity = defaultValidityBlocks
	}
	lastValid := head.Number.Uint64() + validity
	return c.waitMined(ctx, signed.Hash(), nonce, lastValid)
}

func (c *Client) waitMined(ctx context.Context, hash common.Hash, nonce, lastValid uint64) (web3.Receipt, error) {
	ticker := time.NewTicker(c.receiptPoll)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status != coretypes.ReceiptStatusSuccessful {
				return web3.Receipt{}, fmt.Errorf("交易 %s 执行失败", hash.Hex())
			}
			mined := web3.Receipt{TxHash: hash.Hex(), Nonce: nonce}
			if receipt.BlockNumber != nil {
				mined.BlockNumber = receipt.BlockNumber.Uint64()
			}
			return mined, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			return web3.Receipt{}, fmt.Errorf("查询交易回执失败: %w", err)
		}
		height, err := c.backend.BlockNumber(ctx)
		if err != nil {
			return web3.Receipt{}, fmt.Errorf("获取区块高度失败: %w", err)
		}
		if height > lastValid {
			return web3.Receipt{TxHash: hash.Hex(), Nonce: nonce}, fmt.Errorf("交易 %s: %w", hash.Hex(), web3.ErrBlockHeightExceeded)
		}
		select {
		case <-ctx.Done():
			return web3.Receipt{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) encode(ix web3.Instruction) (common.Address, []byte, error) {
	switch ix.Kind {
	case web3.InstructionInitialize:
		if ix.Terms == nil {
			return common.Address{}, nil, errors.New("initialize 指令缺少交换条款")
		}
		taker, err := parseAddress(ix.Terms.Taker)
		if err != nil {
			return common.Address{}, nil, err
		}
		mintA, err := parseAddress(ix.Terms.MintA)
		if err != nil {
			return common.Address{}, nil, err
		}
		mintB, err := parseAddress(ix.Terms.MintB)
		if err != nil {
			return common.Address{}, nil, err
		}
		data, err := escrowABI.Pack("initialize", ix.Terms.Seed, taker, mintA, mintB, ix.Terms.DepositAmount, ix.Terms.ExpectedTakerAmount)
		return c.program, data, wrapPack(err)
	case web3.InstructionExchange, web3.InstructionCancel:
		escrow, err := parseAddress(ix.Escrow)
		if err != nil {
			return common.Address{}, nil, err
		}
		data, err := escrowABI.Pack(string(ix.Kind), escrow)
		return c.program, data, wrapPack(err)
	case web3.InstructionApprove, web3.InstructionTransfer:
		token, err := parseAddress(ix.Program)
		if err != nil {
			return common.Address{}, nil, err
		}
		to, err := parseAddress(ix.To)
		if err != nil {
			return common.Address{}, nil, err
		}
		if ix.Amount == nil || ix.Amount.Sign() <= 0 {
			return common.Address{}, nil, fmt.Errorf("%s 指令金额必须为正", ix.Kind)
		}
		data, err := tokenABI.Pack(string(ix.Kind), to, ix.Amount)
		return token, data, wrapPack(err)
	default:
		return common.Address{}, nil, fmt.Errorf("暂不支持的指令: %s", ix.Kind)
	}
}

func wrapPack(err error) error {
	if err != nil {
		return fmt.Errorf("编码指令失败: %w", err)
	}
	return nil
}

// Transaction looks up a mined transaction and decodes escrow instructions.
func (c *Client) Transaction(ctx context.Context, hash string) (*web3.TxInfo, error) {
	hash = strings.TrimSpace(hash)
	if len(hash) != 66 || !strings.HasPrefix(hash, "0x") {
		return nil, fmt.Errorf("非法交易哈希: %q", hash)
	}
	txHash := common.HexToHash(hash)
	tx, pending, err := c.backend.TransactionByHash(ctx, txHash)
	if err != nil {
		if errors.Is(err, gethcore.NotFound) {
			return nil, web3.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("查询交易失败: %w", err)
	}
	if pending {
		return nil, web3.ErrTransactionNotFound
	}
	receipt, err := c.backend.TransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("查询交易回执失败: %w", err)
	}
	from, err := coretypes.Sender(coretypes.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return nil, fmt.Errorf("恢复交易发送方失败: %w", err)
	}

	info := &web3.TxInfo{
		Hash:    txHash.Hex(),
		From:    from.Hex(),
		Success: receipt.Status == coretypes.ReceiptStatusSuccessful,
	}
	if tx.To() != nil {
		info.To = tx.To().Hex()
	}
	info.Accounts = append(info.Accounts, info.From)
	if info.To != "" {
		info.Accounts = append(info.Accounts, info.To)
	}
	for _, log := range receipt.Logs {
		info.Accounts = append(info.Accounts, log.Address.Hex())
	}

	data := tx.Data()
	if len(data) < 4 {
		return info, nil
	}
	method, err := escrowABI.MethodById(data[:4])
	if err != nil {
		return info, nil
	}
	info.Kind = web3.InstructionKind(method.Name)
	if method.Name != "initialize" {
		return info, nil
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil || len(args) != 6 {
		return info, nil
	}
	seed, _ := args[0].([32]byte)
	taker, _ := args[1].(common.Address)
	mintA, _ := args[2].(common.Address)
	mintB, _ := args[3].(common.Address)
	deposit, _ := args[4].(*big.Int)
	expected, _ := args[5].(*big.Int)
	info.Terms = &web3.EscrowTerms{
		Seed:                seed,
		Initializer:         info.From,
		Taker:               taker.Hex(),
		MintA:               mintA.Hex(),
		MintB:               mintB.Hex(),
		DepositAmount:       deposit,
		ExpectedTakerAmount: expected,
	}
	return info, nil
}

// AccountInfo reports whether code exists at address, its code hash and the
// owner it reports through owner().
func (c *Client) AccountInfo(ctx context.Context, address string) (*web3.AccountInfo, error) {
	addr, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	code, err := c.backend.CodeAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("查询账户代码失败: %w", err)
	}
	info := &web3.AccountInfo{Address: addr.Hex(), Exists: len(code) > 0}
	if !info.Exists {
		return info, nil
	}
	info.Layout = crypto.Keccak256Hash(code).Hex()
	if out, err := c.call(ctx, addr, escrowABI.Methods["owner"].ID, nil); err == nil {
		if values, err := escrowABI.Unpack("owner", out); err == nil && len(values) == 1 {
			if owner, ok := values[0].(common.Address); ok {
				info.Owner = owner.Hex()
			}
		}
	}
	return info, nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	chainID, err := c.chainIDFor(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	blockNumber, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     "0x" + chainID.Text(16),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Program:     c.program.Hex(),
		Notes:       c.notes,
	}, nil
}

func (c *Client) chainIDFor(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.mu.Lock()
	c.chainID = id
	c.mu.Unlock()
	return id, nil
}

var _ web3.EscrowChain = (*Client)(nil)
