package pipeline

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"Sentinel-Orchestrator/internal/envelope"
	"Sentinel-Orchestrator/internal/specialist"
)

// CleanRisk 是未命中任何威胁模式时的风险值。
const CleanRisk = 0.05

// scriptKeys 为策略脚本文本在请求上下文中的候选字段。
var scriptKeys = []string{"policy_script", "script", "source"}

// ThreatPattern 描述一个针对策略脚本的威胁特征。
type ThreatPattern struct {
	Name        string  `yaml:"name"`
	Expression  string  `yaml:"expression"`
	Risk        float64 `yaml:"risk"`
	Description string  `yaml:"description"`

	re *regexp.Regexp
}

// DefaultThreatPatterns 返回内置的威胁特征。
func DefaultThreatPatterns() []ThreatPattern {
	return []ThreatPattern{
		{
			Name:        "mint_unlimited",
			Expression:  `(?i)(unlimited|infinite|uncapped)[_\s-]*mint|mint[_\s-]*(unlimited|without[_\s-]*cap)|max_?supply\s*[:=]\s*(none|null|0)\b`,
			Risk:        0.35,
			Description: "minting is not capped",
		},
		{
			Name:        "rugpull_pattern",
			Expression:  `(?i)(withdraw|remove|drain)[_\s-]*(all[_\s-]*)?liquidity|rug[_\s-]*pull`,
			Risk:        0.4,
			Description: "liquidity can be removed by a privileged party",
		},
		{
			Name:        "honeypot",
			Expression:  `(?i)(block|deny|disable)[_\s-]*(sell|transfer)s?\b|only[_\s-]*owner[_\s-]*can[_\s-]*sell`,
			Risk:        0.3,
			Description: "holders may be prevented from selling",
		},
		{
			Name:        "admin_backdoor",
			Expression:  `(?i)(admin|owner)[_\s-]*(override|backdoor|bypass)|set[_\s-]*owner\s*\(`,
			Risk:        0.35,
			Description: "an administrator can bypass policy rules",
		},
	}
}

// LoadThreatPatterns 从 YAML 文件读取威胁特征列表。
func LoadThreatPatterns(path string) ([]ThreatPattern, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取威胁特征文件失败: %w", err)
	}
	var doc struct {
		Patterns []ThreatPattern `yaml:"patterns"`
	}
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("解析威胁特征文件失败: %w", err)
	}
	if len(doc.Patterns) == 0 {
		return nil, fmt.Errorf("威胁特征文件 %s 为空", path)
	}
	return doc.Patterns, nil
}

// Sentinel 对策略脚本做正则特征扫描。
type Sentinel struct {
	patterns []ThreatPattern
	timeout  time.Duration
}

// NewSentinel 编译特征表达式，patterns 为空时使用内置特征。
func NewSentinel(patterns []ThreatPattern, timeout time.Duration) (*Sentinel, error) {
	if len(patterns) == 0 {
		patterns = DefaultThreatPatterns()
	}
	compiled := make([]ThreatPattern, 0, len(patterns))
	for _, p := range patterns {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return nil, fmt.Errorf("威胁特征缺少 name")
		}
		re, err := regexp.Compile(p.Expression)
		if err != nil {
			return nil, fmt.Errorf("威胁特征 %s 表达式无效: %w", name, err)
		}
		p.Name = name
		p.Risk = specialist.ClampRisk(p.Risk)
		p.re = re
		compiled = append(compiled, p)
	}
	return &Sentinel{patterns: compiled, timeout: timeout}, nil
}

// Name 实现 specialist.Specialist。
func (s *Sentinel) Name() string { return RoleSentinel }

// Scan 实现 specialist.Specialist。命中特征的风险累加并截断到 1。
func (s *Sentinel) Scan(ctx context.Context, subject string, scanCtx map[string]any) specialist.Result {
	return specialist.Guard(ctx, RoleSentinel, s.timeout, func(context.Context) specialist.Result {
		script := ""
		for _, key := range scriptKeys {
			if script = envelope.String(scanCtx, key); script != "" {
				break
			}
		}
		if script == "" {
			return specialist.Failed(RoleSentinel, specialist.NeutralRisk,
				fmt.Errorf("no policy script supplied for %s", subject))
		}

		var (
			risk     float64
			evidence []string
			matched  []string
		)
		for _, p := range s.patterns {
			if !p.re.MatchString(script) {
				continue
			}
			risk += p.Risk
			matched = append(matched, p.Name)
			evidence = append(evidence, fmt.Sprintf("pattern %s matched: %s", p.Name, p.Description))
		}
		if len(matched) == 0 {
			risk = CleanRisk
			evidence = []string{"no threat patterns matched"}
			matched = []string{}
		}
		return specialist.Result{
			Risk:     min(risk, 1.0),
			Evidence: evidence,
			Metadata: map[string]any{
				"matched":      matched,
				"script_bytes": len(script),
			},
			Success: true,
		}
	})
}
