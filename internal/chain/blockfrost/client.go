// Package blockfrost 通过 Blockfrost HTTP API 读取 Cardano 链上数据。
package blockfrost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"Sentinel-Orchestrator/internal/chain"
)

const (
	defaultBaseURL = "https://cardano-preprod.blockfrost.io/api/v0"
	defaultTimeout = 30 * time.Second
	maxPatternTxs  = 10
)

// Config 描述 Blockfrost 客户端所需的信息。
type Config struct {
	Name      string
	BaseURL   string
	ProjectID string
	Timeout   time.Duration
}

// Client 实现 chain.Provider 以及 Blockfrost 能提供的各类读取接口。
type Client struct {
	name       string
	baseURL    string
	projectID  string
	httpClient *http.Client
}

// NewClient 创建 Blockfrost 客户端。
func NewClient(cfg Config) (*Client, error) {
	projectID := strings.TrimSpace(cfg.ProjectID)
	if projectID == "" {
		return nil, errors.New("未提供 Blockfrost project_id")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	name := cfg.Name
	if name == "" {
		name = "cardano"
	}
	return &Client{
		name:       name,
		baseURL:    baseURL,
		projectID:  projectID,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Name 返回注册表中的链名称。
func (c *Client) Name() string { return c.name }

// Close 对 HTTP 客户端无需操作。
func (c *Client) Close() {}

// TipHeight 读取 /blocks/latest 的高度。
func (c *Client) TipHeight(ctx context.Context) (int64, error) {
	block, err := c.LatestBlock(ctx)
	if err != nil {
		return 0, err
	}
	return block.Height, nil
}

type blockResponse struct {
	Hash          string `json:"hash"`
	Height        *int64 `json:"height"`
	Slot          int64  `json:"slot"`
	Time          int64  `json:"time"`
	PreviousBlock string `json:"previous_block"`
	SlotLeader    string `json:"slot_leader"`
}

// LatestBlock 读取 /blocks/latest。
func (c *Client) LatestBlock(ctx context.Context) (chain.Block, error) {
	return c.block(ctx, "latest")
}

// BlockByHash 读取 /blocks/{hash}。
func (c *Client) BlockByHash(ctx context.Context, hash string) (chain.Block, error) {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return chain.Block{}, errors.New("区块哈希不能为空")
	}
	return c.block(ctx, url.PathEscape(hash))
}

func (c *Client) block(ctx context.Context, ref string) (chain.Block, error) {
	var resp blockResponse
	if err := c.get(ctx, "/blocks/"+ref, nil, &resp); err != nil {
		return chain.Block{}, err
	}
	if resp.Height == nil {
		return chain.Block{}, errors.New("Blockfrost 响应缺少 height")
	}
	block := chain.Block{
		Hash:         resp.Hash,
		PreviousHash: resp.PreviousBlock,
		Height:       *resp.Height,
		Slot:         resp.Slot,
		Producer:     resp.SlotLeader,
	}
	if resp.Time > 0 {
		block.Time = time.Unix(resp.Time, 0).UTC()
	}
	return block, nil
}

// SampleStake 抽样资源控制方。subject 为空或为 "network" 时返回质押池的 live stake，
// 否则将 subject 视为资产 ID 并返回其持有地址。
func (c *Client) SampleStake(ctx context.Context, subject string, limit int) ([]chain.Holding, error) {
	if limit <= 0 {
		limit = 50
	}
	query := url.Values{"count": {strconv.Itoa(limit)}, "page": {"1"}}
	subject = strings.TrimSpace(subject)

	if subject == "" || strings.EqualFold(subject, "network") {
		var pools []struct {
			PoolID    string `json:"pool_id"`
			LiveStake string `json:"live_stake"`
		}
		if err := c.get(ctx, "/pools/extended", query, &pools); err != nil {
			return nil, err
		}
		holdings := make([]chain.Holding, 0, len(pools))
		for _, pool := range pools {
			holdings = append(holdings, chain.Holding{ID: pool.PoolID, Amount: parseQuantity(pool.LiveStake)})
		}
		return holdings, nil
	}

	var holders []struct {
		Address  string `json:"address"`
		Quantity string `json:"quantity"`
	}
	if err := c.get(ctx, "/assets/"+url.PathEscape(subject)+"/addresses", query, &holders); err != nil {
		return nil, err
	}
	holdings := make([]chain.Holding, 0, len(holders))
	for _, holder := range holders {
		holdings = append(holdings, chain.Holding{ID: holder.Address, Amount: parseQuantity(holder.Quantity)})
	}
	return holdings, nil
}

// FirstSeen 读取地址最早一笔交易的区块时间。
func (c *Client) FirstSeen(ctx context.Context, address string) (time.Time, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return time.Time{}, errors.New("地址不能为空")
	}
	var txs []struct {
		TxHash    string `json:"tx_hash"`
		BlockTime int64  `json:"block_time"`
	}
	query := url.Values{"count": {"1"}, "page": {"1"}, "order": {"asc"}}
	if err := c.get(ctx, "/addresses/"+url.PathEscape(address)+"/transactions", query, &txs); err != nil {
		return time.Time{}, err
	}
	if len(txs) == 0 || txs[0].BlockTime <= 0 {
		return time.Time{}, fmt.Errorf("地址 %s 没有交易记录", address)
	}
	return time.Unix(txs[0].BlockTime, 0).UTC(), nil
}

type utxoAmount struct {
	Unit     string `json:"unit"`
	Quantity string `json:"quantity"`
}

type utxoResponse struct {
	Hash   string `json:"hash"`
	Inputs []struct {
		Address     string       `json:"address"`
		TxHash      string       `json:"tx_hash"`
		OutputIndex int          `json:"output_index"`
		Amount      []utxoAmount `json:"amount"`
	} `json:"inputs"`
	Outputs []struct {
		Address string       `json:"address"`
		Amount  []utxoAmount `json:"amount"`
	} `json:"outputs"`
}

// TxPatterns 返回交易的输入输出模式。subject 可以是地址 (addr 前缀) 或交易哈希。
func (c *Client) TxPatterns(ctx context.Context, subject string, limit int) ([]chain.TxPattern, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, errors.New("subject 不能为空")
	}
	if limit <= 0 || limit > maxPatternTxs {
		limit = maxPatternTxs
	}

	var hashes []string
	if strings.HasPrefix(subject, "addr") {
		var recent []struct {
			TxHash string `json:"tx_hash"`
		}
		query := url.Values{"count": {strconv.Itoa(limit)}, "order": {"desc"}}
		if err := c.get(ctx, "/addresses/"+url.PathEscape(subject)+"/transactions", query, &recent); err != nil {
			return nil, err
		}
		for _, tx := range recent {
			hashes = append(hashes, tx.TxHash)
		}
	} else {
		hashes = append(hashes, strings.TrimPrefix(subject, "tx_"))
	}

	patterns := make([]chain.TxPattern, 0, len(hashes))
	for _, hash := range hashes {
		pattern, err := c.txPattern(ctx, hash)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, pattern)
	}
	return patterns, nil
}

func (c *Client) txPattern(ctx context.Context, hash string) (chain.TxPattern, error) {
	var tx struct {
		ValidContract *bool `json:"valid_contract"`
	}
	if err := c.get(ctx, "/txs/"+url.PathEscape(hash), nil, &tx); err != nil {
		return chain.TxPattern{}, err
	}
	var utxos utxoResponse
	if err := c.get(ctx, "/txs/"+url.PathEscape(hash)+"/utxos", nil, &utxos); err != nil {
		return chain.TxPattern{}, err
	}

	pattern := chain.TxPattern{TxHash: hash, ValidContract: tx.ValidContract == nil || *tx.ValidContract}
	for _, in := range utxos.Inputs {
		pattern.Inputs = append(pattern.Inputs, chain.PatternInput{
			TxHash:      in.TxHash,
			OutputIndex: in.OutputIndex,
			Address:     in.Address,
		})
	}
	for _, out := range utxos.Outputs {
		for _, amt := range out.Amount {
			pattern.Outputs = append(pattern.Outputs, chain.PatternOutput{
				Address:  out.Address,
				Unit:     amt.Unit,
				Quantity: amt.Quantity,
			})
		}
	}
	return pattern, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("构建 Blockfrost 请求失败: %w", err)
	}
	req.Header.Set("project_id", c.projectID)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("请求 Blockfrost 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("Blockfrost 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("解析 Blockfrost 响应失败: %w", err)
	}
	return nil
}

func parseQuantity(raw string) float64 {
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || value < 0 {
		return 0
	}
	return value
}
