package specialist

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"Sentinel-Orchestrator/internal/envelope"
)

// ScanPath 是远程 specialist 服务暴露的扫描路由前缀。
const ScanPath = "/api/v1/scan/"

// Remote 通过签名信封调用部署在其他进程中的 specialist。
type Remote struct {
	name     string
	endpoint string
	peerID   string
	codec    *envelope.Codec
	client   *http.Client
	timeout  time.Duration
}

// NewRemote 构造远程 specialist。peerID 为空时不限制响应方身份。
func NewRemote(name, baseURL, peerID string, codec *envelope.Codec, client *http.Client, timeout time.Duration) (*Remote, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("remote specialist name is required")
	}
	if codec == nil {
		return nil, fmt.Errorf("remote specialist %s requires a codec", name)
	}
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid remote specialist url %q", baseURL)
	}
	if client == nil {
		client = &http.Client{Timeout: envelope.DefaultHTTPTimeout}
	}
	return &Remote{
		name:     name,
		endpoint: base.String() + ScanPath + url.PathEscape(name),
		peerID:   strings.TrimSpace(peerID),
		codec:    codec,
		client:   client,
		timeout:  timeout,
	}, nil
}

// Name 实现 Specialist。
func (r *Remote) Name() string { return r.name }

// Scan 实现 Specialist。网络、认证和对端错误都折算为失败结果。
func (r *Remote) Scan(ctx context.Context, subject string, scanCtx map[string]any) Result {
	return Guard(ctx, r.name, r.timeout, func(ctx context.Context) Result {
		if scanCtx == nil {
			scanCtx = map[string]any{}
		}
		req, err := r.codec.Sign(envelope.TypeRequest, map[string]any{
			"subject": subject,
			"context": scanCtx,
		}, r.peerID)
		if err != nil {
			return Failed(r.name, FailureRisk, err)
		}
		resp, err := envelope.Post(ctx, r.client, r.endpoint, req)
		if err != nil {
			return Failed(r.name, FailureRisk, err)
		}
		if _, err := r.codec.Authenticate(resp); err != nil {
			return Failed(r.name, FailureRisk, fmt.Errorf("response rejected: %w", err))
		}
		if r.peerID != "" && resp.FromID != r.peerID {
			return Failed(r.name, FailureRisk, fmt.Errorf("unexpected responder %q", resp.FromID))
		}
		if resp.Type == envelope.TypeError {
			msg := envelope.String(resp.Payload, "error")
			if msg == "" {
				msg = "remote specialist returned an error"
			}
			return Failed(r.name, FailureRisk, fmt.Errorf("%s", msg))
		}
		res, err := ResultFromPayload(resp.Payload)
		if err != nil {
			return Failed(r.name, FailureRisk, err)
		}
		return res
	})
}

// ParseScanRequest 从请求信封中取出扫描对象与上下文。
func ParseScanRequest(env envelope.Envelope) (subject string, scanCtx map[string]any) {
	subject = envelope.String(env.Payload, "subject")
	scanCtx = envelope.Object(env.Payload, "context")
	if scanCtx == nil {
		scanCtx = map[string]any{}
	}
	return subject, scanCtx
}
