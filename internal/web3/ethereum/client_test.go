package ethereum

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"OpenMCP-Swap/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	testProgram = "0x00000000000000000000000000000000000000e5"
	testMintA   = "0x000000000000000000000000000000000000000a"
	testMintB   = "0x000000000000000000000000000000000000000b"
)

type fakeBackend struct {
	mu       sync.Mutex
	chainID  *big.Int
	head     uint64
	advance  uint64
	code     map[common.Address][]byte
	owners   map[common.Address]common.Address
	balances map[common.Address]*big.Int
	decimals uint8
	sent     []*coretypes.Transaction
	mined    map[common.Hash]*coretypes.Receipt
	autoMine bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		chainID:  big.NewInt(1337),
		head:     100,
		code:     make(map[common.Address][]byte),
		owners:   make(map[common.Address]common.Address),
		balances: make(map[common.Address]*big.Int),
		decimals: 6,
		mined:    make(map[common.Hash]*coretypes.Receipt),
	}
}

func (f *fakeBackend) CallContract(_ context.Context, msg gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(msg.Data) < 4 {
		return nil, errors.New("short call")
	}
	switch {
	case string(msg.Data[:4]) == string(tokenABI.Methods["decimals"].ID):
		return tokenABI.Methods["decimals"].Outputs.Pack(f.decimals)
	case string(msg.Data[:4]) == string(tokenABI.Methods["balanceOf"].ID):
		holder := common.BytesToAddress(msg.Data[4:36])
		balance := f.balances[holder]
		if balance == nil {
			balance = new(big.Int)
		}
		return tokenABI.Methods["balanceOf"].Outputs.Pack(balance)
	case string(msg.Data[:4]) == string(escrowABI.Methods["owner"].ID):
		owner, ok := f.owners[*msg.To]
		if !ok {
			return nil, errors.New("execution reverted")
		}
		return escrowABI.Methods["owner"].Outputs.Pack(owner)
	}
	return nil, errors.New("unknown selector")
}

func (f *fakeBackend) CodeAt(_ context.Context, account common.Address, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code[account], nil
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head += f.advance
	return f.head, nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*coretypes.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &coretypes.Header{Number: new(big.Int).SetUint64(f.head), BaseFee: big.NewInt(10)}, nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) { return 7, nil }

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) { return big.NewInt(2), nil }

func (f *fakeBackend) EstimateGas(context.Context, gethcore.CallMsg) (uint64, error) {
	return 50_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *coretypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	if f.autoMine {
		f.mined[tx.Hash()] = &coretypes.Receipt{Status: coretypes.ReceiptStatusSuccessful, BlockNumber: new(big.Int).SetUint64(f.head + 1)}
	}
	return nil
}

func (f *fakeBackend) TransactionByHash(_ context.Context, hash common.Hash) (*coretypes.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range f.sent {
		if tx.Hash() == hash {
			return tx, false, nil
		}
	}
	return nil, false, gethcore.NotFound
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	receipt, ok := f.mined[hash]
	if !ok {
		return nil, gethcore.NotFound
	}
	return receipt, nil
}

func newTestClient(t *testing.T, backend *fakeBackend) *Client {
	t.Helper()
	client, err := NewWithBackend(Config{
		Name: "test",
		Program: web3.EscrowProgram{
			Address:        testProgram,
			EscrowInitHash: "0x" + common.Bytes2Hex(crypto.Keccak256([]byte("escrow"))),
			VaultInitHash:  "0x" + common.Bytes2Hex(crypto.Keccak256([]byte("vault"))),
		},
		ReceiptPoll: time.Millisecond,
	}, backend)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestDerivedAddressesAreDeterministic(t *testing.T) {
	client := newTestClient(t, newFakeBackend())
	initializer := "0x1111111111111111111111111111111111111111"
	seed := [32]byte{1, 2, 3}

	first, err := client.DeriveEscrowAddress(initializer, seed)
	if err != nil {
		t.Fatalf("derive escrow: %v", err)
	}
	second, _ := client.DeriveEscrowAddress(initializer, seed)
	if first != second {
		t.Fatalf("escrow derivation not deterministic: %s vs %s", first, second)
	}
	other, _ := client.DeriveEscrowAddress(initializer, [32]byte{9})
	if other == first {
		t.Fatalf("different seeds should derive different escrows")
	}

	vaultA, err := client.DeriveVaultAddress(first, testMintA)
	if err != nil {
		t.Fatalf("derive vault: %v", err)
	}
	vaultB, _ := client.DeriveVaultAddress(first, testMintB)
	if vaultA == vaultB {
		t.Fatalf("vaults for different mints must differ")
	}
	if _, err := client.DeriveVaultAddress("not-an-address", testMintA); err == nil {
		t.Fatalf("expected invalid address error")
	}
}

func TestMintDecimalsAndBalance(t *testing.T) {
	backend := newFakeBackend()
	holder := common.HexToAddress("0x2222222222222222222222222222222222222222")
	backend.balances[holder] = big.NewInt(1_500_000)
	client := newTestClient(t, backend)
	ctx := context.Background()

	decimals, err := client.MintDecimals(ctx, testMintA)
	if err != nil {
		t.Fatalf("decimals: %v", err)
	}
	if decimals != 6 {
		t.Fatalf("expected 6 decimals, got %d", decimals)
	}
	backend.decimals = 18
	if cached, _ := client.MintDecimals(ctx, testMintA); cached != 6 {
		t.Fatalf("expected cached decimals, got %d", cached)
	}

	balance, err := client.TokenBalance(ctx, testMintA, holder.Hex())
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(1_500_000)) != 0 {
		t.Fatalf("unexpected balance %s", balance)
	}
}

func TestSubmitInitializeAndDecode(t *testing.T) {
	backend := newFakeBackend()
	backend.autoMine = true
	client := newTestClient(t, backend)
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	from := crypto.PubkeyToAddress(key.PublicKey).Hex()

	terms := &web3.EscrowTerms{
		Seed:                [32]byte{42},
		Initializer:         from,
		Taker:               "0x3333333333333333333333333333333333333333",
		MintA:               testMintA,
		MintB:               testMintB,
		DepositAmount:       big.NewInt(1_000_000),
		ExpectedTakerAmount: big.NewInt(2_000_000),
	}
	receipt, err := client.Submit(context.Background(), key, web3.Instruction{Kind: web3.InstructionInitialize, Terms: terms}, web3.SubmitOptions{PriorityFee: big.NewInt(5)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if receipt.Nonce != 7 || receipt.BlockNumber != 101 {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if tip := backend.sent[0].GasTipCap(); tip.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("expected priority fee 5, got %s", tip)
	}

	info, err := client.Transaction(context.Background(), receipt.TxHash)
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if info.Kind != web3.InstructionInitialize || !info.Success {
		t.Fatalf("unexpected tx info %+v", info)
	}
	if info.To != common.HexToAddress(testProgram).Hex() {
		t.Fatalf("expected tx to program, got %s", info.To)
	}
	if info.Terms == nil || info.Terms.Seed != terms.Seed || info.Terms.ExpectedTakerAmount.Cmp(terms.ExpectedTakerAmount) != 0 {
		t.Fatalf("terms not decoded: %+v", info.Terms)
	}
	if info.Terms.Initializer != from {
		t.Fatalf("expected initializer %s, got %s", from, info.Terms.Initializer)
	}
}

func TestSubmitExpiresAfterValidityWindow(t *testing.T) {
	backend := newFakeBackend()
	backend.advance = 1
	client := newTestClient(t, backend)
	key, _ := crypto.GenerateKey()
	nonce := uint64(3)

	receipt, err := client.Submit(context.Background(), key, web3.Instruction{
		Kind:    web3.InstructionTransfer,
		Program: testMintB,
		To:      "0x4444444444444444444444444444444444444444",
		Amount:  big.NewInt(10),
	}, web3.SubmitOptions{ValidityBlocks: 2, Nonce: &nonce})
	if !errors.Is(err, web3.ErrBlockHeightExceeded) {
		t.Fatalf("expected block height exceeded, got %v", err)
	}
	if receipt.Nonce != 3 || backend.sent[0].Nonce() != 3 {
		t.Fatalf("expected reused nonce 3")
	}
}

func TestTransactionNotFound(t *testing.T) {
	client := newTestClient(t, newFakeBackend())
	_, err := client.Transaction(context.Background(), "0x"+common.Bytes2Hex(make([]byte, 32)))
	if !errors.Is(err, web3.ErrTransactionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := client.Transaction(context.Background(), "0x1234"); err == nil {
		t.Fatalf("expected malformed hash error")
	}
}

func TestAccountInfoReportsOwnerAndLayout(t *testing.T) {
	backend := newFakeBackend()
	vault := common.HexToAddress("0x5555555555555555555555555555555555555555")
	backend.code[vault] = []byte{0x60, 0x80}
	backend.owners[vault] = common.HexToAddress(testProgram)
	client := newTestClient(t, backend)

	info, err := client.AccountInfo(context.Background(), vault.Hex())
	if err != nil {
		t.Fatalf("account info: %v", err)
	}
	if !info.Exists || info.Owner != common.HexToAddress(testProgram).Hex() {
		t.Fatalf("unexpected info %+v", info)
	}
	if info.Layout != crypto.Keccak256Hash([]byte{0x60, 0x80}).Hex() {
		t.Fatalf("unexpected layout %s", info.Layout)
	}

	missing, err := client.AccountInfo(context.Background(), "0x6666666666666666666666666666666666666666")
	if err != nil {
		t.Fatalf("account info: %v", err)
	}
	if missing.Exists {
		t.Fatalf("expected missing account")
	}
}
