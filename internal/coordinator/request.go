package coordinator

import (
	"strings"

	"github.com/google/uuid"

	"Sentinel-Orchestrator/internal/envelope"
)

// Request 是从 REQUEST 信封载荷中解析出的验证请求。
type Request struct {
	RequestID    string
	Subject      string
	Context      map[string]any
	EscrowID     string
	EscrowAmount float64
	HasEscrow    bool
}

// subjectKeys 依次尝试的扫描对象字段。
var subjectKeys = []string{"subject", "policy_id", "address", "target"}

// ParseRequest 解析载荷。request_id 缺省时取 escrow.id，再缺省则生成新的 UUID。
func ParseRequest(payload map[string]any) Request {
	var req Request
	for _, key := range subjectKeys {
		if v := envelope.String(payload, key); v != "" {
			req.Subject = v
			break
		}
	}

	req.Context = make(map[string]any)
	for k, v := range envelope.Object(payload, "context") {
		req.Context[k] = v
	}
	for _, key := range []string{"observed_height", "user_tip"} {
		if _, ok := req.Context[key]; ok {
			continue
		}
		if v, ok := payload[key]; ok {
			req.Context[key] = v
		}
	}

	if esc := envelope.Object(payload, "escrow"); esc != nil {
		req.EscrowID = envelope.String(esc, "id")
		if amount, ok := envelope.Number(esc["amount"]); ok {
			req.EscrowAmount = amount
			req.HasEscrow = req.EscrowID != ""
		}
	}

	req.RequestID = envelope.String(payload, "request_id")
	if req.RequestID == "" {
		req.RequestID = req.EscrowID
	}
	if strings.TrimSpace(req.RequestID) == "" {
		req.RequestID = uuid.NewString()
	}
	return req
}
