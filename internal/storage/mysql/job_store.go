package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "Sentinel-Orchestrator/internal/errors"
	"Sentinel-Orchestrator/internal/job"
)

// verificationJobsDDL 是异步验证任务表结构。
const verificationJobsDDL = `CREATE TABLE IF NOT EXISTS verification_jobs (
    id VARCHAR(64) NOT NULL PRIMARY KEY,
    requester VARCHAR(128) NOT NULL DEFAULT '',
    request MEDIUMTEXT NOT NULL,
    response MEDIUMTEXT,
    status VARCHAR(32) NOT NULL,
    attempts INT NOT NULL DEFAULT 0,
    max_retries INT NOT NULL DEFAULT 3,
    last_error TEXT,
    error_code VARCHAR(64) NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL,
    INDEX idx_job_status (status),
    INDEX idx_job_updated (updated_at)
)`

const jobColumns = `id, requester, request, response, status, attempts, max_retries, last_error, error_code, created_at, updated_at`

// JobStore 使用 verification_jobs 表记录异步验证任务。
type JobStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ job.Store = (*JobStore)(nil)

// NewJobStore 基于已迁移的连接创建任务存储。
func NewJobStore(db *sql.DB) *JobStore {
	return &JobStore{db: db, now: time.Now}
}

// Create 插入新的任务记录。
func (s *JobStore) Create(ctx context.Context, j *job.Job) error {
	if j == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
	}
	if strings.TrimSpace(j.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	now := s.now().Unix()
	j.CreatedAt = now
	j.UpdatedAt = now

	const stmt = `INSERT INTO verification_jobs
        (id, requester, request, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, '', '', ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt,
		j.ID,
		j.Requester,
		string(j.Request),
		string(j.Status),
		j.Attempts,
		j.MaxRetries,
		j.CreatedAt,
		j.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			return job.ErrJobConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *JobStore) Get(ctx context.Context, id string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM verification_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, job.ErrJobNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return j, nil
}

// Claim 将待处理任务标记为运行中并返回最新状态。
func (s *JobStore) Claim(ctx context.Context, id string) (*job.Job, error) {
	const stmt = `UPDATE verification_jobs SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status = ? AND attempts < max_retries`

	res, err := s.db.ExecContext(ctx, stmt,
		string(job.StatusRunning),
		s.now().Unix(),
		id,
		string(job.StatusPending),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected > 0 {
		return current, nil
	}
	switch current.Status {
	case job.StatusSucceeded:
		return current, job.ErrJobCompleted
	case job.StatusRunning:
		return current, job.ErrJobConflict
	case job.StatusFailed:
		return current, job.ErrJobExhausted
	default:
		if current.Attempts >= current.MaxRetries {
			return current, job.ErrJobExhausted
		}
		return current, job.ErrJobConflict
	}
}

// MarkSucceeded 保存响应信封。
func (s *JobStore) MarkSucceeded(ctx context.Context, id string, response []byte) error {
	const stmt = `UPDATE verification_jobs SET status = ?, response = ?, updated_at = ?, last_error = '', error_code = '' WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt,
		string(job.StatusSucceeded),
		string(response),
		s.now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return job.ErrJobNotFound
	}
	return nil
}

// MarkFailed 记录失败原因。非终态失败时任务回到 pending 等待重投。
func (s *JobStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	const stmt = `UPDATE verification_jobs SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`
	status := job.StatusPending
	if terminal {
		status = job.StatusFailed
	}
	res, err := s.db.ExecContext(ctx, stmt,
		string(status),
		lastError,
		string(code),
		s.now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return job.ErrJobNotFound
	}
	return nil
}

// List 返回符合过滤条件的任务。
func (s *JobStore) List(ctx context.Context, opts job.ListOptions) ([]*job.Job, error) {
	opts = opts.Normalize()

	query := `SELECT ` + jobColumns + ` FROM verification_jobs`
	clause, filterArgs := buildJobFilter(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	if opts.Order == job.SortByUpdatedAsc {
		query += " ORDER BY updated_at ASC, created_at ASC, id ASC"
	} else {
		query += " ORDER BY updated_at DESC, created_at DESC, id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	jobs := make([]*job.Job, 0, opts.Limit)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return jobs, nil
}

// Stats 返回符合过滤条件的任务聚合信息。
func (s *JobStore) Stats(ctx context.Context, opts job.ListOptions) (job.Stats, error) {
	opts = opts.Normalize()

	query := `SELECT
        COUNT(*),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(MIN(updated_at), 0),
        COALESCE(MAX(updated_at), 0)
        FROM verification_jobs`
	clause, filterArgs := buildJobFilter(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{
		string(job.StatusPending),
		string(job.StatusRunning),
		string(job.StatusSucceeded),
		string(job.StatusFailed),
	}
	args = append(args, filterArgs...)

	var stats job.Stats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Succeeded,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return job.Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	return stats, nil
}

// Close 连接池由 Open 的调用方关闭。
func (s *JobStore) Close() error { return nil }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j         job.Job
		status    string
		request   sql.NullString
		response  sql.NullString
		lastError sql.NullString
	)
	if err := row.Scan(
		&j.ID,
		&j.Requester,
		&request,
		&response,
		&status,
		&j.Attempts,
		&j.MaxRetries,
		&lastError,
		&j.ErrorCode,
		&j.CreatedAt,
		&j.UpdatedAt,
	); err != nil {
		return nil, err
	}
	j.Status = job.Status(status)
	j.LastError = lastError.String
	if request.Valid {
		j.Request = json.RawMessage(request.String)
	}
	if response.Valid && response.String != "" {
		j.Response = json.RawMessage(response.String)
	}
	return &j, nil
}

func buildJobFilter(opts job.ListOptions) (string, []any) {
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 6)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.Requester != "" {
		conditions = append(conditions, "requester = ?")
		args = append(args, opts.Requester)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}
