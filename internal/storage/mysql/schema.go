package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	xerrors "Sentinel-Orchestrator/internal/errors"
)

// schemaStep 是一次按版本号顺序应用的建表语句。
type schemaStep struct {
	version int
	table   string
	ddl     string
}

// schemaSteps 按 version 递增排列；已发布的步骤只能追加，不能修改。
var schemaSteps = []schemaStep{
	{version: 1, table: "escrow_entries", ddl: escrowEntriesDDL},
	{version: 2, table: "verification_jobs", ddl: verificationJobsDDL},
}

const schemaVersionDDL = `CREATE TABLE IF NOT EXISTS sentinel_schema (
    version INT NOT NULL PRIMARY KEY,
    table_name VARCHAR(64) NOT NULL,
    applied_at BIGINT NOT NULL
)`

const (
	currentVersionQuery = `SELECT COALESCE(MAX(version), 0) FROM sentinel_schema`
	recordVersionStmt   = `INSERT INTO sentinel_schema (version, table_name, applied_at) VALUES (?, ?, ?)`
)

// EnsureSchema 应用版本号高于当前记录的全部建表步骤。
// 每一步与其版本记录在同一事务内提交。
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	return ensureSchema(ctx, db, schemaSteps, time.Now)
}

func ensureSchema(ctx context.Context, db *sql.DB, steps []schemaStep, now func() time.Time) error {
	if _, err := db.ExecContext(ctx, schemaVersionDDL); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 sentinel_schema 表失败")
	}
	var current int
	if err := db.QueryRowContext(ctx, currentVersionQuery).Scan(&current); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取表结构版本失败")
	}
	for _, step := range steps {
		if step.version <= current {
			continue
		}
		if err := applySchemaStep(ctx, db, step, now()); err != nil {
			return err
		}
		current = step.version
	}
	return nil
}

func applySchemaStep(ctx context.Context, db *sql.DB, step schemaStep, at time.Time) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启建表事务失败")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, step.ddl); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err,
			fmt.Sprintf("创建表 %s 失败 (版本 %d)", step.table, step.version))
	}
	if _, err = tx.ExecContext(ctx, recordVersionStmt, step.version, step.table, at.Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录表结构版本失败")
	}
	if err = tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交建表事务失败")
	}
	return nil
}
