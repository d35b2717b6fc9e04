package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"Sentinel-Orchestrator/internal/coordinator"
	"Sentinel-Orchestrator/internal/envelope"
	xerrors "Sentinel-Orchestrator/internal/errors"
	"Sentinel-Orchestrator/internal/observability/metrics"
	"Sentinel-Orchestrator/internal/specialist"
)

// handleVerify 同步执行一次验证。认证失败返回 401，其余 ERROR 按错误码映射状态。
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if s.deps.Verifier == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "协调器未初始化"))
		return
	}
	req, err := readEnvelope(r)
	if err != nil {
		s.writeSignedError(w, "", err)
		return
	}
	resp, err := s.deps.Verifier.Coordinate(r.Context(), req)
	if err != nil {
		s.logger.Error("协调请求失败", slog.Any("error", err), slog.String("from_id", req.FromID))
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if resp.Type == envelope.TypeError {
		status = statusFor(coordinator.ErrorCode(resp))
	}
	writeEnvelope(w, status, resp)
}

// handleScan 以 specialist 服务的身份执行单个扫描并签名返回结果。
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	req, err := readEnvelope(r)
	if err != nil {
		s.writeSignedError(w, "", err)
		return
	}
	if s.deps.Codec == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "签名编解码器未初始化"))
		return
	}
	if _, err := s.deps.Codec.Authenticate(req); err != nil {
		s.deps.Metrics.ObserveAuthFailure()
		s.writeSignedError(w, req.FromID, err)
		return
	}
	if req.Type != envelope.TypeRequest {
		s.writeSignedError(w, req.FromID, xerrors.New(xerrors.CodeInvalidEnvelope, fmt.Sprintf("期望 REQUEST 信封，收到 %s", req.Type)))
		return
	}
	sp, ok := s.specialists[name]
	if !ok {
		s.writeSignedError(w, req.FromID, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("未知的 specialist: %s", name)))
		return
	}
	subject, scanCtx := specialist.ParseScanRequest(req)
	if subject == "" {
		s.writeSignedError(w, req.FromID, xerrors.New(xerrors.CodeInvalidArgument, "扫描请求缺少 subject"))
		return
	}

	result := specialist.Invoke(r.Context(), sp, subject, scanCtx)
	outcome := metrics.OutcomeSuccess
	if !result.Success {
		outcome = metrics.OutcomeFailed
	}
	s.deps.Metrics.ObserveSpecialist(name, outcome)

	payload, err := result.Payload()
	if err != nil {
		s.writeSignedError(w, req.FromID, xerrors.Wrap(xerrors.CodeUnknown, err, "扫描结果编码失败"))
		return
	}
	resp, err := s.deps.Codec.Sign(envelope.TypeResponse, payload, req.FromID)
	if err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeUnknown, err, "签名扫描结果失败"))
		return
	}
	writeEnvelope(w, http.StatusOK, resp)
}

// writeSignedError 尽量返回签名 ERROR 信封，编解码器缺失时退化为 JSON 错误。
func (s *Server) writeSignedError(w http.ResponseWriter, toID string, cause error) {
	code := xerrors.CodeOf(cause)
	if s.deps.Codec == nil {
		writeError(w, cause)
		return
	}
	resp, err := s.deps.Codec.Sign(envelope.TypeError, map[string]any{
		"status": "ERROR",
		"code":   string(code),
		"error":  cause.Error(),
	}, toID)
	if err != nil {
		writeError(w, cause)
		return
	}
	writeEnvelope(w, statusFor(code), resp)
}

// agentInfo 描述本服务的身份与能力。
type agentInfo struct {
	AgentID     string   `json:"agent_id"`
	PublicKey   string   `json:"public_key"`
	Protocol    string   `json:"protocol"`
	Mode        string   `json:"verification_mode"`
	Specialists []string `json:"specialists"`
	Pipeline    []string `json:"pipeline_roles,omitempty"`
}

func (s *Server) handleAgentInfo(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Codec == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "签名编解码器未初始化"))
		return
	}
	info := agentInfo{
		AgentID:     s.deps.Codec.AgentID(),
		PublicKey:   s.deps.Codec.PublicKeyBase64(),
		Protocol:    envelope.ProtocolVersion,
		Mode:        string(s.deps.Codec.Mode()),
		Specialists: append([]string{}, s.names...),
	}
	if s.deps.Pipeline != nil {
		info.Pipeline = s.deps.Pipeline.Roles()
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status":         "healthy",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"specialists":    len(s.names),
	}
	if s.deps.Codec != nil {
		body["agent_id"] = s.deps.Codec.AgentID()
	}
	writeJSON(w, http.StatusOK, body)
}
