package specialist

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"Sentinel-Orchestrator/internal/chain"
)

const (
	defaultReplayCapacity = 100_000
	defaultReplayLimit    = 10

	repeatRisk   = 0.3
	invalidRisk  = 0.4
	circularRisk = 0.2
)

// Replay 通过交易结构指纹识别重放与循环转账模式。
// 指纹计数保存在进程内有界缓存中，容量耗尽时按准入策略淘汰。
type Replay struct {
	reader  chain.PatternReader
	limit   int
	timeout time.Duration

	mu   sync.Mutex
	seen *ristretto.Cache[string, int]
}

// ReplayOption 定义可选配置。
type ReplayOption func(*replayOptions)

type replayOptions struct {
	capacity int64
	limit    int
	timeout  time.Duration
}

// WithReplayCapacity 设置指纹缓存容量。
func WithReplayCapacity(capacity int64) ReplayOption {
	return func(o *replayOptions) {
		if capacity > 0 {
			o.capacity = capacity
		}
	}
}

// WithReplayLimit 设置每次扫描读取的交易数量。
func WithReplayLimit(limit int) ReplayOption {
	return func(o *replayOptions) {
		if limit > 0 {
			o.limit = limit
		}
	}
}

// WithReplayTimeout 设置内部超时。
func WithReplayTimeout(timeout time.Duration) ReplayOption {
	return func(o *replayOptions) { o.timeout = timeout }
}

// NewReplay 构造重放检测 specialist。
func NewReplay(reader chain.PatternReader, opts ...ReplayOption) (*Replay, error) {
	options := replayOptions{capacity: defaultReplayCapacity, limit: defaultReplayLimit, timeout: DefaultTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, int]{
		NumCounters:        options.capacity * 10,
		MaxCost:            options.capacity,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create fingerprint cache: %w", err)
	}
	return &Replay{reader: reader, limit: options.limit, timeout: options.timeout, seen: cache}, nil
}

// Name 实现 Specialist。
func (r *Replay) Name() string { return "replay_detector" }

// Close 释放缓存资源。
func (r *Replay) Close() {
	if r != nil && r.seen != nil {
		r.seen.Close()
	}
}

// Scan 实现 Specialist。
func (r *Replay) Scan(ctx context.Context, subject string, _ map[string]any) Result {
	return Guard(ctx, r.Name(), r.timeout, func(ctx context.Context) Result {
		if r.reader == nil {
			return Failed(r.Name(), FailureRisk, fmt.Errorf("no transaction data provider configured"))
		}
		patterns, err := r.reader.TxPatterns(ctx, subject, r.limit)
		if err != nil {
			return Failed(r.Name(), FailureRisk, fmt.Errorf("load transactions: %w", err))
		}
		if len(patterns) == 0 {
			return Result{
				Risk:     0,
				Evidence: []string{"no transactions to analyze"},
				Metadata: map[string]any{"transactions_analyzed": 0},
				Success:  true,
			}
		}

		var (
			risk         float64
			evidence     []string
			fingerprints = make([]string, 0, len(patterns))
		)
		for _, p := range patterns {
			fp := Fingerprint(p)
			fingerprints = append(fingerprints, fp)
			if count := r.observe(fp); count > 1 {
				risk += repeatRisk
				evidence = append(evidence, fmt.Sprintf("similar transaction pattern seen %d times (fingerprint %s)", count, fp))
			}
			if !p.ValidContract {
				risk += invalidRisk
				evidence = append(evidence, fmt.Sprintf("transaction %s failed contract validation", p.TxHash))
			}
			if IsCircular(p) {
				risk += circularRisk
				evidence = append(evidence, fmt.Sprintf("transaction %s sends value back to its own inputs", p.TxHash))
			}
		}
		if len(evidence) == 0 {
			evidence = []string{"no replay indicators detected"}
		}
		return Result{
			Risk:     min(risk, 1.0),
			Evidence: evidence,
			Metadata: map[string]any{
				"transactions_analyzed": len(patterns),
				"fingerprints":          fingerprints,
			},
			Success: true,
		}
	})
}

// observe 对指纹计数加一并返回新的计数。
func (r *Replay) observe(fp string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count, _ := r.seen.Get(fp)
	count++
	r.seen.Set(fp, count, 1)
	r.seen.Wait()
	return count
}

// Fingerprint 返回交易结构的 16 位十六进制指纹，与输入输出的排列顺序无关。
func Fingerprint(p chain.TxPattern) string {
	inputs := append([]chain.PatternInput(nil), p.Inputs...)
	sort.Slice(inputs, func(i, j int) bool {
		if inputs[i].TxHash != inputs[j].TxHash {
			return inputs[i].TxHash < inputs[j].TxHash
		}
		return inputs[i].OutputIndex < inputs[j].OutputIndex
	})
	outputs := append([]chain.PatternOutput(nil), p.Outputs...)
	sort.Slice(outputs, func(i, j int) bool {
		if outputs[i].Address != outputs[j].Address {
			return outputs[i].Address < outputs[j].Address
		}
		if outputs[i].Unit != outputs[j].Unit {
			return outputs[i].Unit < outputs[j].Unit
		}
		return outputs[i].Quantity < outputs[j].Quantity
	})

	parts := make([]string, 0, len(inputs)+len(outputs))
	for _, in := range inputs {
		parts = append(parts, fmt.Sprintf("i:%s:%d", in.TxHash, in.OutputIndex))
	}
	for _, out := range outputs {
		parts = append(parts, fmt.Sprintf("o:%s:%s:%s", out.Address, out.Unit, out.Quantity))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])[:16]
}

// IsCircular 判断交易的输出地址集合是否与输入地址集合完全一致。
func IsCircular(p chain.TxPattern) bool {
	in := make(map[string]struct{}, len(p.Inputs))
	for _, i := range p.Inputs {
		if i.Address != "" {
			in[i.Address] = struct{}{}
		}
	}
	out := make(map[string]struct{}, len(p.Outputs))
	for _, o := range p.Outputs {
		if o.Address != "" {
			out[o.Address] = struct{}{}
		}
	}
	if len(in) == 0 || len(in) != len(out) {
		return false
	}
	for addr := range in {
		if _, ok := out[addr]; !ok {
			return false
		}
	}
	return true
}
