package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"Sentinel-Orchestrator/internal/envelope"
	"Sentinel-Orchestrator/internal/specialist"
)

// VerifyPath 是协调器对外暴露的验证路由。
const VerifyPath = "/api/v1/verify"

// Verifier 把签名 REQUEST 转换为签名 RESPONSE 或 ERROR。
type Verifier interface {
	Coordinate(ctx context.Context, req envelope.Envelope) (envelope.Envelope, error)
}

// HTTPVerifier 通过 HTTP 调用远端协调器。
type HTTPVerifier struct {
	URL    string
	Client *http.Client
}

// NewHTTPVerifier 基于协调器根地址构造 HTTPVerifier。
func NewHTTPVerifier(baseURL string, client *http.Client) *HTTPVerifier {
	if client == nil {
		client = &http.Client{Timeout: envelope.DefaultHTTPTimeout}
	}
	return &HTTPVerifier{URL: strings.TrimRight(baseURL, "/") + VerifyPath, Client: client}
}

// Coordinate 实现 Verifier。
func (v *HTTPVerifier) Coordinate(ctx context.Context, req envelope.Envelope) (envelope.Envelope, error) {
	return envelope.Post(ctx, v.Client, v.URL, req)
}

// Oracle 以独立身份向协调器发起签名验证，把协调器结论作为自己的意见。
type Oracle struct {
	codec         *envelope.Codec
	verifier      Verifier
	coordinatorID string
	timeout       time.Duration
}

// NewOracle 构造 oracle 角色。coordinatorID 为空时不限制响应方身份。
func NewOracle(codec *envelope.Codec, verifier Verifier, coordinatorID string, timeout time.Duration) (*Oracle, error) {
	if codec == nil || verifier == nil {
		return nil, fmt.Errorf("oracle requires a codec and a verifier")
	}
	return &Oracle{
		codec:         codec,
		verifier:      verifier,
		coordinatorID: strings.TrimSpace(coordinatorID),
		timeout:       timeout,
	}, nil
}

// Name 实现 specialist.Specialist。
func (o *Oracle) Name() string { return RoleOracle }

// Scan 实现 specialist.Specialist。
func (o *Oracle) Scan(ctx context.Context, subject string, scanCtx map[string]any) specialist.Result {
	return specialist.Guard(ctx, RoleOracle, o.timeout, func(ctx context.Context) specialist.Result {
		payload := map[string]any{
			"request_id": uuid.NewString(),
			"subject":    subject,
			"context":    scanCtx,
		}
		req, err := o.codec.Sign(envelope.TypeRequest, payload, o.coordinatorID)
		if err != nil {
			return specialist.Failed(RoleOracle, specialist.NeutralRisk, fmt.Errorf("sign request: %w", err))
		}
		resp, err := o.verifier.Coordinate(ctx, req)
		if err != nil {
			return specialist.Failed(RoleOracle, specialist.NeutralRisk, fmt.Errorf("coordinator call: %w", err))
		}
		if _, err := o.codec.Authenticate(resp); err != nil {
			return specialist.Failed(RoleOracle, specialist.NeutralRisk, fmt.Errorf("coordinator response rejected: %w", err))
		}
		if o.coordinatorID != "" && resp.FromID != o.coordinatorID {
			return specialist.Failed(RoleOracle, specialist.NeutralRisk,
				fmt.Errorf("unexpected responder %s", resp.FromID))
		}
		if resp.Type == envelope.TypeError {
			return specialist.Failed(RoleOracle, specialist.NeutralRisk,
				fmt.Errorf("coordinator error %s: %s", envelope.String(resp.Payload, "code"), envelope.String(resp.Payload, "error")))
		}

		contributing, _ := envelope.Number(resp.Payload["contributing_count"])
		if contributing <= 0 {
			return specialist.Failed(RoleOracle, specialist.NeutralRisk, fmt.Errorf("coordinator had no contributing specialists"))
		}
		risk, ok := envelope.Number(resp.Payload["risk"])
		if !ok {
			return specialist.Failed(RoleOracle, specialist.NeutralRisk, fmt.Errorf("coordinator response missing risk"))
		}
		evidence := envelope.Strings(resp.Payload["evidence"])
		if len(evidence) == 0 {
			evidence = []string{"coordinator verdict " + envelope.String(resp.Payload, "classification")}
		}
		return specialist.Result{
			Risk:     risk,
			Evidence: evidence,
			Metadata: map[string]any{
				"classification":     envelope.String(resp.Payload, "classification"),
				"score":              resp.Payload["score"],
				"contributing_count": int(contributing),
				"coordinator":        resp.FromID,
			},
			Success: true,
		}
	})
}
