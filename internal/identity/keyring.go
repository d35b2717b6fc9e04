package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Keyring 保存已知对端的公钥。注册时复制公钥，调用方之后修改原切片不会影响校验。
type Keyring struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// NewKeyring 创建空的公钥环。
func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string]ed25519.PublicKey)}
}

// Register 注册对端公钥。
func (k *Keyring) Register(agentID string, pub ed25519.PublicKey) error {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return fmt.Errorf("agent id 不能为空")
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("公钥长度错误: 期望 %d 字节, 实际 %d", ed25519.PublicKeySize, len(pub))
	}
	owned := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(owned, pub)

	k.mu.Lock()
	k.keys[agentID] = owned
	k.mu.Unlock()
	return nil
}

// RegisterBase64 注册 base64 编码的对端公钥。
func (k *Keyring) RegisterBase64(agentID, encoded string) error {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return fmt.Errorf("解析 %s 的公钥失败: %w", agentID, err)
	}
	return k.Register(agentID, raw)
}

// RegisterIdentity 注册本地身份的公钥，便于进程内多个智能体互相校验。
func (k *Keyring) RegisterIdentity(id *Identity) error {
	if id == nil {
		return fmt.Errorf("identity 不能为空")
	}
	return k.Register(id.ID(), id.PublicKey())
}

// Lookup 返回对端公钥副本。
func (k *Keyring) Lookup(agentID string) (ed25519.PublicKey, bool) {
	if k == nil {
		return nil, false
	}
	k.mu.RLock()
	pub, ok := k.keys[agentID]
	k.mu.RUnlock()
	if !ok {
		return nil, false
	}
	out := make(ed25519.PublicKey, len(pub))
	copy(out, pub)
	return out, true
}

// Agents 返回已注册的智能体列表。
func (k *Keyring) Agents() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ids := make([]string, 0, len(k.keys))
	for id := range k.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
