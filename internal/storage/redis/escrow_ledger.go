package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	xerrors "Sentinel-Orchestrator/internal/errors"
	"Sentinel-Orchestrator/internal/escrow"
)

// Config 描述 Redis 连接参数。
type Config struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// creditScript 仅在 request_id 首次出现时累加余额。
var creditScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then
  return 0
end
redis.call('INCRBYFLOAT', KEYS[2], ARGV[2])
return 1
`)

// EscrowLedger 在 Redis 中保存每个智能体的入账哈希与余额。
type EscrowLedger struct {
	client *redis.Client
	prefix string
}

var _ escrow.Ledger = (*EscrowLedger)(nil)

// NewEscrowLedger 连接 Redis 并创建账本。
func NewEscrowLedger(ctx context.Context, cfg Config) (*EscrowLedger, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewEscrowLedgerWithClient(client, cfg.Prefix), nil
}

// NewEscrowLedgerWithClient 复用已有客户端。
func NewEscrowLedgerWithClient(client *redis.Client, prefix string) *EscrowLedger {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "sentinel:escrow"
	}
	return &EscrowLedger{client: client, prefix: prefix}
}

func (l *EscrowLedger) entriesKey(agentID string) string {
	return fmt.Sprintf("%s:{%s}:entries", l.prefix, agentID)
}

func (l *EscrowLedger) balanceKey(agentID string) string {
	return fmt.Sprintf("%s:{%s}:balance", l.prefix, agentID)
}

// Credit 实现 escrow.Ledger。
func (l *EscrowLedger) Credit(ctx context.Context, agentID, requestID string, amount float64) (bool, error) {
	if err := escrow.ValidateCredit(agentID, requestID, amount); err != nil {
		return false, err
	}
	agentID = strings.TrimSpace(agentID)
	keys := []string{l.entriesKey(agentID), l.balanceKey(agentID)}
	applied, err := creditScript.Run(ctx, l.client, keys,
		strings.TrimSpace(requestID),
		strconv.FormatFloat(amount, 'f', -1, 64),
	).Int()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeEscrowFailure, err, "Redis 入账失败",
			xerrors.WithMetadata("agent_id", agentID),
			xerrors.WithMetadata("request_id", requestID))
	}
	return applied == 1, nil
}

// Balance 实现 escrow.Ledger。
func (l *EscrowLedger) Balance(ctx context.Context, agentID string) (float64, error) {
	balance, err := l.client.Get(ctx, l.balanceKey(strings.TrimSpace(agentID))).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeEscrowFailure, err, "查询 Redis 余额失败",
			xerrors.WithMetadata("agent_id", agentID))
	}
	return balance, nil
}

// Close 关闭 Redis 连接。
func (l *EscrowLedger) Close() error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Close()
}
