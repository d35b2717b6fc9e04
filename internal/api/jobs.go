package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	xerrors "Sentinel-Orchestrator/internal/errors"
	"Sentinel-Orchestrator/internal/job"
)

// jobList 是任务列表接口的响应。
type jobList struct {
	Jobs  []*job.Job `json:"jobs"`
	Stats job.Stats  `json:"stats"`
}

// handleSubmitJob 校验签名后把请求放入异步队列，返回 202 与任务快照。
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	req, err := readEnvelope(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.deps.Codec != nil {
		if _, err := s.deps.Codec.Authenticate(req); err != nil {
			s.deps.Metrics.ObserveAuthFailure()
			writeError(w, err)
			return
		}
	}
	submitted, err := s.deps.Jobs.Submit(r.Context(), req)
	if err != nil {
		s.logger.Warn("提交任务失败", slog.Any("error", err), slog.String("from_id", req.FromID))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitted)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	query := r.URL.Query()
	var opts []job.ListOption
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, job.WithLimit(parsed))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, job.WithOffset(parsed))
		}
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []job.Status
		for _, part := range strings.Split(raw, ",") {
			status := job.Status(strings.ToLower(strings.TrimSpace(part)))
			if !job.IsValidStatus(status) {
				writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "未知的任务状态: "+part))
				return
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, job.WithStatuses(statuses...))
	}
	if requester := query.Get("requester"); requester != "" {
		opts = append(opts, job.WithRequester(requester))
	}
	if query.Get("order") == "asc" {
		opts = append(opts, job.WithSortOrder(job.SortByUpdatedAsc))
	}

	ctx := r.Context()
	jobs, err := s.deps.Jobs.List(ctx, opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.deps.Jobs.Stats(ctx, opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	writeJSON(w, http.StatusOK, jobList{Jobs: jobs, Stats: stats})
}

func (s *Server) handleJobDetail(w http.ResponseWriter, r *http.Request) {
	if s.deps.Jobs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少任务 ID"))
		return
	}
	found, err := s.deps.Jobs.Get(r.Context(), id)
	if err != nil {
		if job.IsNotFound(err) {
			writeError(w, job.ErrJobNotFound)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}
