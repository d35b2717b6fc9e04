// Package envelope 定义智能体之间交换的签名消息及其规范化编码。
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ProtocolVersion 是所有信封携带的协议版本。
const ProtocolVersion = "IACP/2.0"

// TimestampLayout 为秒级精度的 UTC ISO-8601 时间格式。
const TimestampLayout = "2006-01-02T15:04:05Z"

// MessageType 表示信封类型。
type MessageType string

const (
	TypeRequest  MessageType = "REQUEST"
	TypeResponse MessageType = "RESPONSE"
	TypeError    MessageType = "ERROR"
)

// Valid 判断类型是否为已知枚举。
func (t MessageType) Valid() bool {
	switch t {
	case TypeRequest, TypeResponse, TypeError:
		return true
	default:
		return false
	}
}

// Envelope 是签名后不可变的消息单元。
type Envelope struct {
	Protocol  string         `json:"protocol"`
	Type      MessageType    `json:"type"`
	FromID    string         `json:"from_id"`
	ToID      string         `json:"to_id,omitempty"`
	Payload   map[string]any `json:"payload"`
	Timestamp string         `json:"timestamp"`
	Signature string         `json:"signature,omitempty"`
}

var (
	ErrMissingSignature   = errors.New("signature missing")
	ErrMalformedSignature = errors.New("signature malformed")
	ErrInvalidSignature   = errors.New("signature verification failed")
	ErrUnknownSender      = errors.New("no verifier key registered for sender")
	ErrStaleTimestamp     = errors.New("timestamp outside accepted window")
)

// Canonical 返回除 signature 外所有字段的规范化编码：键按字典序排列，无多余空白。
func Canonical(env Envelope) ([]byte, error) {
	payload := env.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	fields := map[string]any{
		"protocol":  env.Protocol,
		"type":      string(env.Type),
		"from_id":   env.FromID,
		"payload":   payload,
		"timestamp": env.Timestamp,
	}
	if env.ToID != "" {
		fields["to_id"] = env.ToID
	}
	return marshalCompact(fields)
}

// Decode 解析信封，数字以 json.Number 保留原始字面量，保证重新编码后字节一致。
func Decode(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("解析信封失败: %w", err)
	}
	if env.Payload == nil {
		env.Payload = map[string]any{}
	}
	return env, nil
}

// Encode 序列化信封用于传输。
func Encode(env Envelope) ([]byte, error) {
	return marshalCompact(env)
}

// NormalizePayload 通过一次 JSON 往返把任意 Go 值转换为解码端看到的形态。
func NormalizePayload(payload map[string]any) (map[string]any, error) {
	if payload == nil {
		return map[string]any{}, nil
	}
	raw, err := marshalCompact(payload)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// IssuedAt 解析信封时间戳。
func (e Envelope) IssuedAt() (time.Time, error) {
	return time.Parse(TimestampLayout, strings.TrimSpace(e.Timestamp))
}

func marshalCompact(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
