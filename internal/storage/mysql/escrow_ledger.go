package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "Sentinel-Orchestrator/internal/errors"
	"Sentinel-Orchestrator/internal/escrow"
)

// mysqlDuplicateEntry 是主键冲突的错误号。
const mysqlDuplicateEntry = 1062

// escrowEntriesDDL 是账本表结构，主键保证每个 (agent_id, request_id) 只入账一次。
const escrowEntriesDDL = `CREATE TABLE IF NOT EXISTS escrow_entries (
    agent_id VARCHAR(128) NOT NULL,
    request_id VARCHAR(128) NOT NULL,
    amount DECIMAL(30, 8) NOT NULL,
    created_at BIGINT NOT NULL,
    PRIMARY KEY (agent_id, request_id),
    INDEX idx_escrow_created (created_at)
)`

// EscrowLedger 以 (agent_id, request_id) 为主键保存入账记录，主键保证幂等。
type EscrowLedger struct {
	db  *sql.DB
	now func() time.Time
}

var _ escrow.Ledger = (*EscrowLedger)(nil)

// NewEscrowLedger 基于已迁移的连接创建账本。
func NewEscrowLedger(db *sql.DB) *EscrowLedger {
	return &EscrowLedger{db: db, now: time.Now}
}

// Credit 实现 escrow.Ledger。
func (l *EscrowLedger) Credit(ctx context.Context, agentID, requestID string, amount float64) (bool, error) {
	if err := escrow.ValidateCredit(agentID, requestID, amount); err != nil {
		return false, err
	}
	const stmt = `INSERT INTO escrow_entries (agent_id, request_id, amount, created_at) VALUES (?, ?, ?, ?)`
	_, err := l.db.ExecContext(ctx, stmt,
		strings.TrimSpace(agentID),
		strings.TrimSpace(requestID),
		amount,
		l.now().Unix(),
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			return false, nil
		}
		return false, xerrors.Wrap(xerrors.CodeEscrowFailure, err, "写入托管记录失败",
			xerrors.WithMetadata("agent_id", agentID),
			xerrors.WithMetadata("request_id", requestID))
	}
	return true, nil
}

// Balance 实现 escrow.Ledger。
func (l *EscrowLedger) Balance(ctx context.Context, agentID string) (float64, error) {
	const query = `SELECT COALESCE(SUM(amount), 0) FROM escrow_entries WHERE agent_id = ?`
	var balance sql.NullFloat64
	if err := l.db.QueryRowContext(ctx, query, strings.TrimSpace(agentID)).Scan(&balance); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeEscrowFailure, err, "查询托管余额失败",
			xerrors.WithMetadata("agent_id", agentID))
	}
	return balance.Float64, nil
}

// Close 实现 escrow.Ledger。连接池与任务存储共享，由 Open 的调用方关闭。
func (l *EscrowLedger) Close() error { return nil }
