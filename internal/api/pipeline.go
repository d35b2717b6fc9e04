package api

import (
	"net/http"
	"strings"

	xerrors "Sentinel-Orchestrator/internal/errors"
)

// pipelineRequest 是流水线接口的请求体，无需签名。
type pipelineRequest struct {
	RequestID string         `json:"request_id"`
	Subject   string         `json:"subject"`
	Context   map[string]any `json:"context"`
}

// handlePipeline 运行 sentinel/oracle/compliance/zk 流水线并返回融合报告。
func (s *Server) handlePipeline(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pipeline == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "流水线未启用"))
		return
	}
	var req pipelineRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.Subject = strings.TrimSpace(req.Subject)
	if req.Subject == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "流水线请求缺少 subject"))
		return
	}
	report, err := s.deps.Pipeline.Run(r.Context(), req.RequestID, req.Subject, req.Context)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleEscrowBalance 查询智能体的托管余额。
func (s *Server) handleEscrowBalance(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ledger == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "托管账本未配置"))
		return
	}
	agentID := strings.TrimSpace(r.PathValue("agent"))
	if agentID == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少 agent ID"))
		return
	}
	balance, err := s.deps.Ledger.Balance(r.Context(), agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id": agentID,
		"balance":  balance,
	})
}
