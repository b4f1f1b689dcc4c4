package escrow

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"OpenMCP-Swap/internal/web3"

	"github.com/stretchr/testify/require"
)

const vaultLayout = "0xvaultcodehash"

type counterpartyEscrow struct {
	txRef    string
	accounts Accounts
}

// seedCounterpartyEscrow 模拟对方创建的托管：存入 900 枚对方代币，要求我方付出 500 枚。
func seedCounterpartyEscrow(t *testing.T, chain *fakeChain, us string) counterpartyEscrow {
	t.Helper()
	seed := [32]byte{7, 7, 7, 7}
	escrowAddr, _ := chain.DeriveEscrowAddress(peer, seed)
	vaultA, _ := chain.DeriveVaultAddress(escrowAddr, theirMint)
	vaultB, _ := chain.DeriveVaultAddress(escrowAddr, ourMint)
	txRef := fmt.Sprintf("0x%064x", 0xabc)

	chain.txs[txRef] = &web3.TxInfo{
		Hash:    txRef,
		From:    peer,
		To:      testProgram,
		Success: true,
		Kind:    web3.InstructionInitialize,
		Terms: &web3.EscrowTerms{
			Seed:                seed,
			Initializer:         peer,
			Taker:               us,
			MintA:               theirMint,
			MintB:               ourMint,
			DepositAmount:       big.NewInt(900_000_000_000),
			ExpectedTakerAmount: big.NewInt(500_000_000),
		},
	}
	chain.accounts[escrowAddr] = &web3.AccountInfo{Address: escrowAddr, Exists: true, Owner: testProgram}
	chain.accounts[vaultA] = &web3.AccountInfo{Address: vaultA, Exists: true, Owner: escrowAddr, Layout: vaultLayout}
	chain.accounts[vaultB] = &web3.AccountInfo{Address: vaultB, Exists: true, Owner: escrowAddr, Layout: vaultLayout}
	chain.setBalance(theirMint, vaultA, 900_000_000_000)
	return counterpartyEscrow{txRef: txRef, accounts: Accounts{Escrow: escrowAddr, VaultA: vaultA, VaultB: vaultB}}
}

func expectation(us string) Expectation {
	return Expectation{
		Initializer:    peer,
		Taker:          us,
		MintA:          theirMint,
		MintB:          ourMint,
		DepositAmount:  900,
		MaxTakerAmount: 500,
	}
}

func TestVerifyEscrowSetupAcceptsGenuineEscrow(t *testing.T) {
	chain := newFakeChain()
	orch, us := newTestOrchestrator(t, chain, WithVaultRuntimeHash(vaultLayout))
	seeded := seedCounterpartyEscrow(t, chain, us)

	result, err := orch.VerifyEscrowSetup(context.Background(), seeded.txRef, expectation(us))
	require.NoError(t, err)
	require.True(t, result.Valid, result.Reason)
	require.Equal(t, seeded.accounts.Escrow, result.Accounts.Escrow)
	require.Equal(t, seeded.accounts.VaultB, result.Accounts.VaultB)
	require.InDelta(t, 900, result.DepositUI, 1e-9)
}

func TestVerifyEscrowSetupRejectsForgedEvidence(t *testing.T) {
	cases := map[string]func(chain *fakeChain, seeded counterpartyEscrow, expect *Expectation) string{
		"truncated reference": func(_ *fakeChain, seeded counterpartyEscrow, _ *Expectation) string {
			return seeded.txRef[:40]
		},
		"unknown transaction": func(_ *fakeChain, _ counterpartyEscrow, _ *Expectation) string {
			return fmt.Sprintf("0x%064x", 0xdead)
		},
		"escrow not owned by program": func(chain *fakeChain, seeded counterpartyEscrow, _ *Expectation) string {
			chain.accounts[seeded.accounts.Escrow].Owner = "0xATTACKER"
			return seeded.txRef
		},
		"vault layout mismatch": func(chain *fakeChain, seeded counterpartyEscrow, _ *Expectation) string {
			chain.accounts[seeded.accounts.VaultB].Layout = "0xother"
			return seeded.txRef
		},
		"deposit short": func(chain *fakeChain, seeded counterpartyEscrow, _ *Expectation) string {
			chain.setBalance(theirMint, seeded.accounts.VaultA, 100_000_000_000)
			return seeded.txRef
		},
		"asks for more than agreed": func(_ *fakeChain, seeded counterpartyEscrow, expect *Expectation) string {
			expect.MaxTakerAmount = 400
			return seeded.txRef
		},
		"different initializer": func(_ *fakeChain, seeded counterpartyEscrow, expect *Expectation) string {
			expect.Initializer = "0xSOMEONE"
			return seeded.txRef
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			chain := newFakeChain()
			orch, us := newTestOrchestrator(t, chain, WithVaultRuntimeHash(vaultLayout))
			seeded := seedCounterpartyEscrow(t, chain, us)
			expect := expectation(us)
			ref := mutate(chain, seeded, &expect)

			result, err := orch.VerifyEscrowSetup(context.Background(), ref, expect)
			require.NoError(t, err)
			require.False(t, result.Valid)
			require.NotEmpty(t, result.Reason)
		})
	}
}

func TestVerifyEscrowSetupRejectsWithoutVaultLayoutHash(t *testing.T) {
	chain := newFakeChain()
	orch, us := newTestOrchestrator(t, chain, WithVaultRuntimeHash(""))
	seeded := seedCounterpartyEscrow(t, chain, us)

	result, err := orch.VerifyEscrowSetup(context.Background(), seeded.txRef, expectation(us))
	require.NoError(t, err)
	require.False(t, result.Valid)
	require.Contains(t, result.Reason, "金库")
}

func TestVerifyAndCompleteEscrowTransfersOwedAmount(t *testing.T) {
	chain := newFakeChain()
	orch, us := newTestOrchestrator(t, chain)
	seeded := seedCounterpartyEscrow(t, chain, us)
	chain.setBalance(ourMint, seeded.accounts.VaultB, 100_000_000)

	completion, err := orch.VerifyAndCompleteEscrow(context.Background(), seeded.txRef, expectation(us), us)
	require.NoError(t, err)
	require.True(t, completion.Completed)
	require.Equal(t, "400000000", completion.Owed.String())
	require.Len(t, chain.submitted, 1)

	transfer := chain.submitted[0].ix
	require.Equal(t, web3.InstructionTransfer, transfer.Kind)
	require.Equal(t, ourMint, transfer.Program)
	require.Equal(t, seeded.accounts.VaultB, transfer.To)
	require.Equal(t, us, completion.Accounts.SignerRef)
	require.Equal(t, completion.TransferTx, fmt.Sprintf("0x%064x", 1))
}

func TestVerifyAndCompleteEscrowSkipsTransferWhenFunded(t *testing.T) {
	chain := newFakeChain()
	orch, us := newTestOrchestrator(t, chain)
	seeded := seedCounterpartyEscrow(t, chain, us)
	chain.setBalance(ourMint, seeded.accounts.VaultB, 500_000_000)

	completion, err := orch.VerifyAndCompleteEscrow(context.Background(), seeded.txRef, expectation(us), us)
	require.NoError(t, err)
	require.True(t, completion.Completed)
	require.Empty(t, chain.submitted)
	require.Zero(t, completion.Owed.Sign())
}

func TestVerifyAndCompleteEscrowSoftFailsOnUnverified(t *testing.T) {
	chain := newFakeChain()
	orch, us := newTestOrchestrator(t, chain)

	completion, err := orch.VerifyAndCompleteEscrow(context.Background(), fmt.Sprintf("0x%064x", 1), expectation(us), us)
	require.NoError(t, err)
	require.False(t, completion.Completed)
	require.Empty(t, chain.submitted)
}
