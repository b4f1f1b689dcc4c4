// Package web3 houses the chain abstraction used by the escrow orchestrator
// and the polling engine: the EscrowChain interface, amount scaling between
// human-facing and on-chain integer units, the signing key ring, and the
// multi-chain YAML definitions consumed by the provider registry.
package web3
