package api

import (
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"Sentinel-Orchestrator/internal/envelope"
	xerrors "Sentinel-Orchestrator/internal/errors"
	"Sentinel-Orchestrator/internal/job"
	"Sentinel-Orchestrator/pkg/logger"
)

const maxBodyBytes = 4 << 20

// errorBody 是非信封接口的错误响应。
type errorBody struct {
	Code  xerrors.Code `json:"code"`
	Error string       `json:"error"`
}

// statusFor 把错误码映射为 HTTP 状态码。
func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeAuthentication:
		return http.StatusUnauthorized
	case xerrors.CodeInvalidArgument, xerrors.CodeInvalidEnvelope, job.CodeJobValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, job.CodeJobNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, job.CodeJobConflict:
		return http.StatusConflict
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L().Warn("写入响应失败", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	writeJSON(w, statusFor(code), errorBody{Code: code, Error: err.Error()})
}

func writeEnvelope(w http.ResponseWriter, status int, env envelope.Envelope) {
	raw, err := envelope.Encode(env)
	if err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeUnknown, err, "响应信封编码失败"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(raw)
}

// readEnvelope 读取请求体中的信封，解析失败时返回 INVALID_ENVELOPE。
func readEnvelope(r *http.Request) (envelope.Envelope, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return envelope.Envelope{}, xerrors.Wrap(xerrors.CodeInvalidEnvelope, err, "读取请求体失败")
	}
	if len(body) > maxBodyBytes {
		return envelope.Envelope{}, xerrors.New(xerrors.CodeInvalidEnvelope, fmt.Sprintf("请求体超过 %d 字节", maxBodyBytes))
	}
	env, err := envelope.Decode(body)
	if err != nil {
		return envelope.Envelope{}, xerrors.Wrap(xerrors.CodeInvalidEnvelope, err, "请求体不是合法信封")
	}
	return env, nil
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		var syntax *json.SyntaxError
		if stdErrors.As(err, &syntax) || stdErrors.Is(err, io.EOF) {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
		}
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体格式错误")
	}
	return nil
}
