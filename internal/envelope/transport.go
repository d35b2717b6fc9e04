package envelope

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultHTTPTimeout 是未提供 http.Client 时的请求超时。
const DefaultHTTPTimeout = 15 * time.Second

// maxBodyBytes 限制单个信封的大小。
const maxBodyBytes = 4 << 20

// Post 将信封以 JSON 形式发送到 url，并解码对端返回的信封。
// 对端返回非 2xx 时仍尝试解码 ERROR 信封，解码失败才返回错误。
func Post(ctx context.Context, client *http.Client, url string, env Envelope) (Envelope, error) {
	if client == nil {
		client = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	body, err := Encode(env)
	if err != nil {
		return Envelope{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Envelope{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return Envelope{}, fmt.Errorf("send envelope: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Envelope{}, fmt.Errorf("read response: %w", err)
	}
	out, decodeErr := Decode(data)
	if decodeErr != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return Envelope{}, fmt.Errorf("peer returned status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
		}
		return Envelope{}, decodeErr
	}
	return out, nil
}
