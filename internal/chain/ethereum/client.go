package ethereum

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"Sentinel-Orchestrator/internal/chain"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

var txHashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// Config describes how to construct an EVM compatible data provider.
type Config struct {
	Name   string
	RPCURL string
	Notes  string
}

// Client reads chain tips and transaction shapes from an EVM JSON-RPC node.
type Client struct {
	name  string
	notes string

	mu  sync.Mutex
	rpc *gethrpc.Client
	eth *ethclient.Client
}

// NewClient dials the configured RPC endpoint.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	name := cfg.Name
	if name == "" {
		name = "evm"
	}
	return &Client{
		name:  name,
		notes: cfg.Notes,
		rpc:   rpcClient,
		eth:   ethclient.NewClient(rpcClient),
	}, nil
}

// Name returns the registry name of the chain.
func (c *Client) Name() string { return c.name }

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.rpc = nil
}

func (c *Client) backend() (*ethclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth == nil {
		return nil, errors.New("以太坊客户端已关闭")
	}
	return c.eth, nil
}

// TipHeight returns the latest block number reported by the node.
func (c *Client) TipHeight(ctx context.Context) (int64, error) {
	eth, err := c.backend()
	if err != nil {
		return 0, err
	}
	height, err := eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return int64(height), nil
}

// LatestBlock returns the header of the newest block.
func (c *Client) LatestBlock(ctx context.Context) (chain.Block, error) {
	eth, err := c.backend()
	if err != nil {
		return chain.Block{}, err
	}
	header, err := eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return chain.Block{}, fmt.Errorf("获取最新区块头失败: %w", err)
	}
	return blockFromHeader(header), nil
}

// BlockByHash returns the header identified by hash.
func (c *Client) BlockByHash(ctx context.Context, hash string) (chain.Block, error) {
	hash = strings.TrimSpace(hash)
	if !txHashPattern.MatchString(hash) {
		return chain.Block{}, fmt.Errorf("无效的区块哈希: %q", hash)
	}
	eth, err := c.backend()
	if err != nil {
		return chain.Block{}, err
	}
	header, err := eth.HeaderByHash(ctx, common.HexToHash(hash))
	if err != nil {
		return chain.Block{}, fmt.Errorf("查询区块头失败: %w", err)
	}
	return blockFromHeader(header), nil
}

func blockFromHeader(h *coretypes.Header) chain.Block {
	block := chain.Block{
		Hash:         h.Hash().Hex(),
		PreviousHash: h.ParentHash.Hex(),
		Producer:     h.Coinbase.Hex(),
		Time:         time.Unix(int64(h.Time), 0).UTC(),
	}
	if h.Number != nil {
		block.Height = h.Number.Int64()
	}
	return block
}

// TxPatterns converts a transaction into the input/output shape used by
// replay detection. Only transaction hashes are supported as subjects; EVM
// nodes expose no address history.
func (c *Client) TxPatterns(ctx context.Context, subject string, _ int) ([]chain.TxPattern, error) {
	subject = strings.TrimSpace(subject)
	if !txHashPattern.MatchString(subject) {
		return nil, fmt.Errorf("%w: EVM 仅支持按交易哈希查询", chain.ErrUnsupported)
	}
	eth, err := c.backend()
	if err != nil {
		return nil, err
	}
	tx, _, err := eth.TransactionByHash(ctx, common.HexToHash(subject))
	if err != nil {
		return nil, fmt.Errorf("查询交易失败: %w", err)
	}
	pattern, err := patternFromTransaction(tx)
	if err != nil {
		return nil, err
	}
	return []chain.TxPattern{pattern}, nil
}

func patternFromTransaction(tx *coretypes.Transaction) (chain.TxPattern, error) {
	signer := coretypes.LatestSignerForChainID(tx.ChainId())
	from, err := coretypes.Sender(signer, tx)
	if err != nil {
		return chain.TxPattern{}, fmt.Errorf("恢复交易发送方失败: %w", err)
	}

	to := "contract-creation"
	if tx.To() != nil {
		to = tx.To().Hex()
	}
	unit := "wei"
	if data := tx.Data(); len(data) >= 4 {
		unit = "call:0x" + hex.EncodeToString(data[:4])
	}

	return chain.TxPattern{
		TxHash: tx.Hash().Hex(),
		Inputs: []chain.PatternInput{{
			TxHash:      from.Hex(),
			OutputIndex: int(tx.Nonce()),
			Address:     from.Hex(),
		}},
		Outputs: []chain.PatternOutput{{
			Address:  to,
			Unit:     unit,
			Quantity: tx.Value().String(),
		}},
		ValidContract: true,
	}, nil
}

// Notes returns the free-form description configured for the chain.
func (c *Client) Notes() string { return c.notes }
