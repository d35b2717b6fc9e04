// Package escrow 记录智能体因处理请求而获得的托管额度。
// 账本只追加、不结算，同一 (agentID, requestID) 只入账一次。
package escrow

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	xerrors "Sentinel-Orchestrator/internal/errors"
)

// Entry 是一条入账记录。
type Entry struct {
	AgentID   string    `json:"agent_id"`
	RequestID string    `json:"request_id"`
	Amount    float64   `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

// Ledger 抽象托管账本。Credit 返回 applied=false 表示该请求此前已入账。
type Ledger interface {
	Credit(ctx context.Context, agentID, requestID string, amount float64) (applied bool, err error)
	Balance(ctx context.Context, agentID string) (float64, error)
	Close() error
}

// ValidateCredit 检查入账参数。
func ValidateCredit(agentID, requestID string, amount float64) error {
	if strings.TrimSpace(agentID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent_id 不能为空")
	}
	if strings.TrimSpace(requestID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "request_id 不能为空")
	}
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("入账金额无效: %v", amount),
			xerrors.WithMetadata("agent_id", agentID),
			xerrors.WithMetadata("request_id", requestID))
	}
	return nil
}
