// Package identity 管理智能体的 Ed25519 身份与对端公钥。
package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Identity 表示一个智能体的签名身份，私钥只由该实例持有。
type Identity struct {
	agentID string
	public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// Generate 为指定智能体生成一对新的密钥。
func Generate(agentID string) (*Identity, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, errors.New("agent id 不能为空")
	}
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("生成密钥失败: %w", err)
	}
	return &Identity{agentID: agentID, public: pub, private: priv}, nil
}

// FromPrivateKey 基于已有私钥构造身份。
func FromPrivateKey(agentID string, priv ed25519.PrivateKey) (*Identity, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, errors.New("agent id 不能为空")
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("私钥长度错误: 期望 %d 字节, 实际 %d", ed25519.PrivateKeySize, len(priv))
	}
	owned := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
	copy(owned, priv)
	return &Identity{
		agentID: agentID,
		public:  owned.Public().(ed25519.PublicKey),
		private: owned,
	}, nil
}

// LoadOrGenerate 从文件加载私钥；文件不存在时生成新密钥并以 0600 权限写入。
// 文件内容为 64 字节的 Ed25519 私钥。
func LoadOrGenerate(agentID, path string) (*Identity, error) {
	if strings.TrimSpace(path) == "" {
		return Generate(agentID)
	}
	data, err := os.ReadFile(path)
	if err == nil {
		return FromPrivateKey(agentID, ed25519.PrivateKey(data))
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("读取密钥文件失败: %w", err)
	}

	id, err := Generate(agentID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("创建密钥目录失败: %w", err)
	}
	if err := os.WriteFile(path, []byte(id.private), 0o600); err != nil {
		return nil, fmt.Errorf("写入密钥文件失败: %w", err)
	}
	return id, nil
}

// ID 返回智能体标识，例如 did:masumi:oracle_01。
func (i *Identity) ID() string {
	if i == nil {
		return ""
	}
	return i.agentID
}

// PublicKey 返回公钥副本。
func (i *Identity) PublicKey() ed25519.PublicKey {
	if i == nil {
		return nil
	}
	out := make(ed25519.PublicKey, len(i.public))
	copy(out, i.public)
	return out
}

// PublicKeyBase64 返回标准 base64 编码的公钥，用于对外公布。
func (i *Identity) PublicKeyBase64() string {
	if i == nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(i.public)
}

// Sign 使用私钥对消息签名。
func (i *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(i.private, message)
}
