package escrow

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"OpenMCP-Swap/internal/web3"
)

const testProgram = "0xPROGRAM"

type submission struct {
	ix   web3.Instruction
	opts web3.SubmitOptions
}

type fakeChain struct {
	mu        sync.Mutex
	decimals  map[string]uint8
	balances  map[string]*big.Int
	txs       map[string]*web3.TxInfo
	accounts  map[string]*web3.AccountInfo
	failures  []error
	submitted []submission
	nextNonce uint64
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		decimals:  map[string]uint8{},
		balances:  map[string]*big.Int{},
		txs:       map[string]*web3.TxInfo{},
		accounts:  map[string]*web3.AccountInfo{},
		nextNonce: 9,
	}
}

func balanceKey(mint, owner string) string { return strings.ToLower(mint + "/" + owner) }

func (f *fakeChain) ProgramID() string { return testProgram }

func (f *fakeChain) DeriveEscrowAddress(initializer string, seed [32]byte) (string, error) {
	return fmt.Sprintf("escrow:%s:%s", initializer, hex.EncodeToString(seed[:4])), nil
}

func (f *fakeChain) DeriveVaultAddress(escrow, mint string) (string, error) {
	return fmt.Sprintf("vault:%s:%s", escrow, mint), nil
}

func (f *fakeChain) MintDecimals(_ context.Context, mint string) (uint8, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.decimals[mint]
	if !ok {
		return 0, fmt.Errorf("unknown mint %s", mint)
	}
	return d, nil
}

func (f *fakeChain) TokenBalance(_ context.Context, mint, owner string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[balanceKey(mint, owner)]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (f *fakeChain) setBalance(mint, owner string, raw int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[balanceKey(mint, owner)] = big.NewInt(raw)
}

func (f *fakeChain) Submit(_ context.Context, _ *ecdsa.PrivateKey, ix web3.Instruction, opts web3.SubmitOptions) (web3.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, submission{ix: ix, opts: opts})
	nonce := f.nextNonce
	if opts.Nonce != nil {
		nonce = *opts.Nonce
	}
	receipt := web3.Receipt{TxHash: fmt.Sprintf("0x%064x", len(f.submitted)), Nonce: nonce, BlockNumber: 100}
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		if err != nil {
			return receipt, err
		}
	}
	return receipt, nil
}

func (f *fakeChain) Transaction(_ context.Context, hash string) (*web3.TxInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[hash]
	if !ok {
		return nil, web3.ErrTransactionNotFound
	}
	return tx, nil
}

func (f *fakeChain) AccountInfo(_ context.Context, address string) (*web3.AccountInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info, ok := f.accounts[address]; ok {
		return info, nil
	}
	return &web3.AccountInfo{Address: address}, nil
}

func (f *fakeChain) Close() {}

var _ web3.EscrowChain = (*fakeChain)(nil)
