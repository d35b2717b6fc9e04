// Package specialist 定义独立风险评估单元及其内置实现。
package specialist

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Severity 是由风险值推导出的有序等级。
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"INFO", "LOW", "MEDIUM", "HIGH", "CRITICAL"}

func (s Severity) String() string {
	if s < SeverityInfo || s > SeverityCritical {
		return "UNKNOWN"
	}
	return severityNames[s]
}

// MarshalText 以名称形式序列化等级。
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText 解析等级名称，大小写不敏感。
func (s *Severity) UnmarshalText(text []byte) error {
	name := strings.ToUpper(strings.TrimSpace(string(text)))
	for i, candidate := range severityNames {
		if candidate == name {
			*s = Severity(i)
			return nil
		}
	}
	return fmt.Errorf("未知的风险等级: %q", text)
}

// SeverityFor 按风险值映射等级：>=0.7 CRITICAL, >=0.5 HIGH, >=0.3 MEDIUM, >=0.1 LOW。
func SeverityFor(risk float64) Severity {
	switch {
	case risk >= 0.7:
		return SeverityCritical
	case risk >= 0.5:
		return SeverityHigh
	case risk >= 0.3:
		return SeverityMedium
	case risk >= 0.1:
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// NeutralRisk 是无法得出结论时使用的中性风险。
const NeutralRisk = 0.5

// ClampRisk 将风险限制在 [0,1]，NaN 视为中性。
func ClampRisk(risk float64) float64 {
	switch {
	case math.IsNaN(risk):
		return NeutralRisk
	case risk < 0:
		return 0
	case risk > 1:
		return 1
	default:
		return risk
	}
}

// Result 是一次 Scan 调用的输出。
type Result struct {
	Specialist string         `json:"specialist"`
	Risk       float64        `json:"risk"`
	Severity   Severity       `json:"severity"`
	Evidence   []string       `json:"evidence"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
}

// Normalize 限制风险范围并重新推导等级。
func (r Result) Normalize() Result {
	r.Risk = ClampRisk(r.Risk)
	r.Severity = SeverityFor(r.Risk)
	if r.Evidence == nil {
		r.Evidence = []string{}
	}
	return r
}

// Failed 构造 success=false 的结果。
func Failed(name string, risk float64, err error) Result {
	msg := "unknown failure"
	if err != nil {
		msg = err.Error()
	}
	return Result{
		Specialist: name,
		Risk:       risk,
		Evidence:   []string{msg},
		Success:    false,
		Error:      msg,
	}.Normalize()
}

// Payload 把结果转换为信封载荷。
func (r Result) Payload() (map[string]any, error) {
	raw, err := json.Marshal(r.Normalize())
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return out, nil
}

// ResultFromPayload 从信封载荷还原结果，等级按风险值重新推导。
func ResultFromPayload(payload map[string]any) (Result, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("decode result: %w", err)
	}
	var r Result
	if err := json.Unmarshal(raw, &r); err != nil {
		return Result{}, fmt.Errorf("decode result: %w", err)
	}
	return r.Normalize(), nil
}
