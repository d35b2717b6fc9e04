package envelope

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "Sentinel-Orchestrator/internal/errors"
	"Sentinel-Orchestrator/internal/identity"
	"Sentinel-Orchestrator/pkg/logger"
)

// Mode 控制未登记公钥的发送方如何处理。
type Mode string

const (
	// ModeOpen 接受未登记发送方的消息，但标记为未认证。
	ModeOpen Mode = "open"
	// ModeProduction 拒绝任何无法验证的消息。
	ModeProduction Mode = "production"
)

// ParseMode 解析配置中的校验模式。
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeOpen:
		return ModeOpen, nil
	case ModeProduction:
		return ModeProduction, nil
	default:
		return "", fmt.Errorf("未知的校验模式: %q", raw)
	}
}

// Codec 使用本地身份签名信封，并根据公钥环校验对端信封。
type Codec struct {
	identity *identity.Identity
	keyring  *identity.Keyring
	mode     Mode
	maxSkew  time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// Option 定义 Codec 的可选配置。
type Option func(*Codec)

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

// WithMaxClockSkew 限制可接受的信封时间偏差，0 表示不检查。
func WithMaxClockSkew(skew time.Duration) Option {
	return func(c *Codec) {
		if skew > 0 {
			c.maxSkew = skew
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(c *Codec) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCodec 构造 Codec。
func NewCodec(id *identity.Identity, keyring *identity.Keyring, mode Mode, opts ...Option) (*Codec, error) {
	if id == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "签名身份未配置")
	}
	if mode != ModeOpen && mode != ModeProduction {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的校验模式: %q", mode))
	}
	if keyring == nil {
		keyring = identity.NewKeyring()
	}
	c := &Codec{
		identity: id,
		keyring:  keyring,
		mode:     mode,
		now:      time.Now,
		logger:   logger.Named("envelope"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// AgentID 返回本地智能体标识。
func (c *Codec) AgentID() string { return c.identity.ID() }

// PublicKeyBase64 返回本地公钥。
func (c *Codec) PublicKeyBase64() string { return c.identity.PublicKeyBase64() }

// Mode 返回当前校验模式。
func (c *Codec) Mode() Mode { return c.mode }

// Sign 构造并签名信封。载荷先做规范化，返回的信封与接收端解码结果一致。
func (c *Codec) Sign(typ MessageType, payload map[string]any, toID string) (Envelope, error) {
	if !typ.Valid() {
		return Envelope{}, xerrors.New(xerrors.CodeInvalidEnvelope, fmt.Sprintf("未知的消息类型: %q", typ))
	}
	normalized, err := NormalizePayload(payload)
	if err != nil {
		return Envelope{}, xerrors.Wrap(xerrors.CodeInvalidEnvelope, err, "载荷无法编码")
	}
	env := Envelope{
		Protocol:  ProtocolVersion,
		Type:      typ,
		FromID:    c.identity.ID(),
		ToID:      strings.TrimSpace(toID),
		Payload:   normalized,
		Timestamp: c.now().UTC().Format(TimestampLayout),
	}
	canonical, err := Canonical(env)
	if err != nil {
		return Envelope{}, xerrors.Wrap(xerrors.CodeInvalidEnvelope, err, "规范化信封失败")
	}
	env.Signature = base64.StdEncoding.EncodeToString(c.identity.Sign(canonical))
	return env, nil
}

// Authenticate 校验信封来源。返回值 verified 表示签名已用登记公钥验证；
// open 模式下未登记的发送方会被接受但 verified 为 false。
func (c *Codec) Authenticate(env Envelope) (verified bool, err error) {
	if env.Protocol != ProtocolVersion {
		return false, xerrors.New(xerrors.CodeInvalidEnvelope, fmt.Sprintf("不支持的协议版本: %q", env.Protocol))
	}
	if !env.Type.Valid() {
		return false, xerrors.New(xerrors.CodeInvalidEnvelope, fmt.Sprintf("未知的消息类型: %q", env.Type))
	}
	if strings.TrimSpace(env.FromID) == "" {
		return false, xerrors.New(xerrors.CodeInvalidEnvelope, "缺少 from_id")
	}
	if env.Signature == "" {
		c.logger.Warn("信封缺少签名", slog.String("from_id", env.FromID))
		return false, xerrors.Wrap(xerrors.CodeAuthentication, ErrMissingSignature, "信封认证失败")
	}
	if err := c.checkFreshness(env); err != nil {
		c.logger.Warn("信封时间戳超出允许范围", slog.String("from_id", env.FromID), slog.String("timestamp", env.Timestamp))
		return false, xerrors.Wrap(xerrors.CodeAuthentication, err, "信封认证失败")
	}

	pub, ok := c.keyring.Lookup(env.FromID)
	if !ok {
		if c.mode == ModeOpen {
			c.logger.Warn("未登记的发送方, open 模式下按未认证接受", slog.String("from_id", env.FromID))
			return false, nil
		}
		c.logger.Warn("拒绝未登记的发送方", slog.String("from_id", env.FromID))
		return false, xerrors.Wrap(xerrors.CodeAuthentication, ErrUnknownSender, "信封认证失败",
			xerrors.WithMetadata("from_id", env.FromID))
	}
	if err := Check(env, pub); err != nil {
		c.logger.Warn("信封签名校验失败", slog.String("from_id", env.FromID), slog.Any("error", err))
		return false, xerrors.Wrap(xerrors.CodeAuthentication, err, "信封认证失败",
			xerrors.WithMetadata("from_id", env.FromID))
	}
	return true, nil
}

func (c *Codec) checkFreshness(env Envelope) error {
	if c.maxSkew <= 0 {
		return nil
	}
	issued, err := env.IssuedAt()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStaleTimestamp, err)
	}
	diff := c.now().Sub(issued)
	if diff < 0 {
		diff = -diff
	}
	if diff > c.maxSkew {
		return ErrStaleTimestamp
	}
	return nil
}

// Verify 校验信封签名，任何失败都返回 false，具体原因写入日志。
func Verify(env Envelope, pub ed25519.PublicKey) bool {
	if err := Check(env, pub); err != nil {
		logger.Named("envelope").Warn("签名校验未通过",
			slog.String("from_id", env.FromID),
			slog.Any("error", err),
		)
		return false
	}
	return true
}

// Check 与 Verify 相同，但返回失败原因。
func Check(env Envelope, pub ed25519.PublicKey) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrMalformedSignature, r)
		}
	}()
	if env.Signature == "" {
		return ErrMissingSignature
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: public key has %d bytes", ErrMalformedSignature, len(pub))
	}
	sig, decodeErr := base64.StdEncoding.DecodeString(env.Signature)
	if decodeErr != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSignature, decodeErr)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: signature has %d bytes", ErrMalformedSignature, len(sig))
	}
	canonical, encodeErr := Canonical(env)
	if encodeErr != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSignature, encodeErr)
	}
	if !ed25519.Verify(pub, canonical, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// IsAuthenticationError 判断错误是否属于认证失败。
func IsAuthenticationError(err error) bool {
	return xerrors.CodeOf(err) == xerrors.CodeAuthentication ||
		errors.Is(err, ErrInvalidSignature) || errors.Is(err, ErrMissingSignature)
}
