package web3

import (
	"crypto/ecdsa"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
)

// KeyRing 按标识保存签名私钥。持久化的任务只记录标识，私钥在使用时从这里解析。
type KeyRing struct {
	mu   sync.RWMutex
	keys map[string]*ecdsa.PrivateKey
}

// NewKeyRing 创建空的 KeyRing。
func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string]*ecdsa.PrivateKey)}
}

// AddHex 解析十六进制私钥并以其地址作为标识登记，返回该地址。
func (k *KeyRing) AddHex(hexKey string) (string, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return "", fmt.Errorf("解析签名私钥失败: %w", err)
	}
	return k.Add(key), nil
}

// Add 登记私钥，返回其地址。
func (k *KeyRing) Add(key *ecdsa.PrivateKey) string {
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()
	k.mu.Lock()
	k.keys[strings.ToLower(address)] = key
	k.mu.Unlock()
	return address
}

// Resolve 返回标识对应的私钥。
func (k *KeyRing) Resolve(id string) (*ecdsa.PrivateKey, error) {
	if k == nil {
		return nil, fmt.Errorf("签名密钥 %s 不可用: 未配置 KeyRing", id)
	}
	k.mu.RLock()
	key, ok := k.keys[strings.ToLower(strings.TrimSpace(id))]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("签名密钥 %s 未登记", id)
	}
	return key, nil
}
