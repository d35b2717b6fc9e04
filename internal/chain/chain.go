// Package chain 抽象风险评估所需的链上数据来源。
package chain

import (
	"context"
	"errors"
	"time"
)

// ErrUnsupported 表示当前链实现不提供该类数据。
var ErrUnsupported = errors.New("operation not supported by chain provider")

// TipReader 返回链的最新区块高度。
type TipReader interface {
	TipHeight(ctx context.Context) (int64, error)
}

// Block 是区块头中与出块延迟、链连续性相关的字段。
// Slot 只对按 slot 出块的链有意义；Producer 是出块者 (slot leader 或 coinbase)。
type Block struct {
	Hash         string
	PreviousHash string
	Height       int64
	Slot         int64
	Time         time.Time
	Producer     string
}

// BlockReader 读取最新区块并按哈希查询历史区块。
type BlockReader interface {
	LatestBlock(ctx context.Context) (Block, error)
	BlockByHash(ctx context.Context, hash string) (Block, error)
}

// Holding 描述某个实体控制的资源数量，例如质押池的 live stake 或代币持有量。
type Holding struct {
	ID     string
	Amount float64
}

// StakeSampler 抽样返回控制资源最多的实体。
type StakeSampler interface {
	SampleStake(ctx context.Context, subject string, limit int) ([]Holding, error)
}

// PatternInput 是交易引用的一个输入。
type PatternInput struct {
	TxHash      string
	OutputIndex int
	Address     string
}

// PatternOutput 是交易产生的一个输出金额。
type PatternOutput struct {
	Address  string
	Unit     string
	Quantity string
}

// TxPattern 为重放检测提供的交易输入输出结构。
type TxPattern struct {
	TxHash        string
	Inputs        []PatternInput
	Outputs       []PatternOutput
	ValidContract bool
}

// PatternReader 返回地址或交易对应的交易模式。
type PatternReader interface {
	TxPatterns(ctx context.Context, subject string, limit int) ([]TxPattern, error)
}

// WalletAgeReader 返回地址第一笔交易的时间，用于判断钱包年龄。
type WalletAgeReader interface {
	FirstSeen(ctx context.Context, address string) (time.Time, error)
}

// Provider 是注册表管理的链客户端。
type Provider interface {
	TipReader
	Name() string
	Close()
}
