package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"Sentinel-Orchestrator/internal/chain"
	"Sentinel-Orchestrator/internal/chain/blockfrost"
	"Sentinel-Orchestrator/internal/chain/ethereum"
)

// Registry manages a set of chain data providers keyed by human readable names.
type Registry struct {
	defaultChain string
	providers    map[string]chain.Provider
}

// NewRegistry instantiates concrete providers from chain definitions.
func NewRegistry(ctx context.Context, defs chain.Definitions) (*Registry, error) {
	providers := make(map[string]chain.Provider, len(defs.Chains))
	for name, def := range defs.Chains {
		p, err := build(ctx, name, def)
		if err != nil {
			closeAll(providers)
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		providers[name] = p
	}
	return newRegistry(defs.Default, providers)
}

// NewStaticRegistry wraps already constructed providers.
func NewStaticRegistry(defaultChain string, providers ...chain.Provider) (*Registry, error) {
	set := make(map[string]chain.Provider, len(providers))
	for _, p := range providers {
		if p != nil {
			set[p.Name()] = p
		}
	}
	return newRegistry(defaultChain, set)
}

func newRegistry(defaultChain string, providers map[string]chain.Provider) (*Registry, error) {
	if len(providers) == 0 {
		return nil, errors.New("未配置任何链数据源")
	}
	defaultChain = strings.TrimSpace(defaultChain)
	if defaultChain == "" {
		names := make([]string, 0, len(providers))
		for name := range providers {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := providers[defaultChain]; !ok {
		closeAll(providers)
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}
	return &Registry{defaultChain: defaultChain, providers: providers}, nil
}

func build(ctx context.Context, name string, def chain.Definition) (chain.Provider, error) {
	timeout := time.Duration(def.TimeoutSeconds) * time.Second
	switch strings.ToLower(strings.TrimSpace(def.Type)) {
	case "", "evm":
		return ethereum.NewClient(ctx, ethereum.Config{Name: name, RPCURL: def.RPCURL, Notes: def.Description})
	case "blockfrost", "cardano":
		return blockfrost.NewClient(blockfrost.Config{
			Name:      name,
			BaseURL:   def.APIURL,
			ProjectID: def.ResolveProjectID(),
			Timeout:   timeout,
		})
	default:
		return nil, fmt.Errorf("不支持的链类型 %s", def.Type)
	}
}

// Default returns the provider configured as default chain.
func (r *Registry) Default() chain.Provider {
	if r == nil {
		return nil
	}
	return r.providers[r.defaultChain]
}

// Provider returns the provider identified by name.
func (r *Registry) Provider(name string) (chain.Provider, bool) {
	if r == nil {
		return nil, false
	}
	p, ok := r.providers[name]
	return p, ok
}

// BlockReader returns the first provider able to read block headers,
// preferring the default chain.
func (r *Registry) BlockReader() (chain.BlockReader, bool) {
	return find[chain.BlockReader](r)
}

// StakeSampler returns the first provider able to sample stake, preferring
// the default chain.
func (r *Registry) StakeSampler() (chain.StakeSampler, bool) {
	return find[chain.StakeSampler](r)
}

// PatternReader returns the first provider able to read transaction patterns,
// preferring the default chain.
func (r *Registry) PatternReader() (chain.PatternReader, bool) {
	return find[chain.PatternReader](r)
}

// WalletAgeReader returns the first provider able to date an address.
func (r *Registry) WalletAgeReader() (chain.WalletAgeReader, bool) {
	return find[chain.WalletAgeReader](r)
}

func find[T any](r *Registry) (T, bool) {
	var zero T
	if r == nil {
		return zero, false
	}
	if v, ok := r.providers[r.defaultChain].(T); ok {
		return v, true
	}
	for _, name := range r.Chains() {
		if v, ok := r.providers[name].(T); ok {
			return v, true
		}
	}
	return zero, false
}

// Chains returns the sorted list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases all providers managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	closeAll(r.providers)
}

func closeAll(providers map[string]chain.Provider) {
	for name, p := range providers {
		if p != nil {
			p.Close()
		}
		delete(providers, name)
	}
}
