package escrow

import (
	"crypto/ecdsa"
	"math/big"

	"OpenMCP-Swap/internal/web3"
)

// Accounts 汇总一次托管交换涉及的全部链上地址。ERC20 余额记在钱包地址本身，
// 因此四个代币账户字段就是对应钱包地址。
type Accounts struct {
	Initializer       string `json:"initializer"`
	Taker             string `json:"taker"`
	MintA             string `json:"mint_a"`
	MintB             string `json:"mint_b"`
	InitializerTokenA string `json:"initializer_token_a"`
	InitializerTokenB string `json:"initializer_token_b"`
	TakerTokenA       string `json:"taker_token_a"`
	TakerTokenB       string `json:"taker_token_b"`
	Escrow            string `json:"escrow"`
	VaultA            string `json:"vault_a"`
	VaultB            string `json:"vault_b"`
	Seed              string `json:"seed"`
	// SignerRef 是签名私钥在 KeyRing 中的标识，私钥本身不落盘。
	SignerRef string `json:"signer_ref"`
}

// SetupRequest 描述我方作为发起方创建托管所需的参数（界面金额）。
type SetupRequest struct {
	SignerRef           string
	Initializer         string
	Taker               string
	MintA               string
	MintB               string
	DepositAmount       float64
	ExpectedTakerAmount float64
}

// Setup 是托管创建成功后的结果。
type Setup struct {
	Accounts    Accounts
	ApproveTx   string
	InitTx      string
	DepositRaw  *big.Int
	ExpectedRaw *big.Int
}

// Expectation 是核验对方创建的托管时我方期望的条款。
type Expectation struct {
	// Initializer 是对方钱包；为空时不校验。
	Initializer string
	// Taker 是我方钱包。
	Taker string
	// MintA 是对方存入的代币，MintB 是我方代币。
	MintA string
	MintB string
	// DepositAmount 是对方应存入的数量（界面金额）。
	DepositAmount float64
	// MaxTakerAmount 是我方同意付出的最大数量（界面金额）。
	MaxTakerAmount float64
}

// Verification 是托管核验的结果。Valid 为 false 时 Reason 说明原因。
type Verification struct {
	Valid     bool
	Reason    string
	Accounts  Accounts
	Terms     *web3.EscrowTerms
	DepositUI float64
}

// Completion 是核验并补足我方存款的结果。
type Completion struct {
	Completed  bool
	Reason     string
	Accounts   Accounts
	TransferTx string
	Owed       *big.Int
}

// KeyResolver 按标识解析签名私钥。
type KeyResolver interface {
	Resolve(id string) (*ecdsa.PrivateKey, error)
}
