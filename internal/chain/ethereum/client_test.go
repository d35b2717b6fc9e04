package ethereum

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"Sentinel-Orchestrator/internal/chain"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params []any           `json:"params"`
}

func newRPCServer(t *testing.T, results map[string]any) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode rpc request: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		result, ok := results[req.Method]
		if !ok {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0",
				"id":      req.ID,
				"error":   map[string]any{"code": -32601, "message": "method not found"},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestClientTipHeight(t *testing.T) {
	server := newRPCServer(t, map[string]any{"eth_blockNumber": "0x10"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := NewClient(ctx, Config{Name: "sepolia", RPCURL: server.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(client.Close)

	height, err := client.TipHeight(ctx)
	if err != nil {
		t.Fatalf("tip height: %v", err)
	}
	if height != 16 {
		t.Fatalf("unexpected height %d", height)
	}
	if client.Name() != "sepolia" {
		t.Fatalf("unexpected name %q", client.Name())
	}
}

func TestClientLatestBlockAndParent(t *testing.T) {
	parent := &coretypes.Header{
		Number:     big.NewInt(99),
		Difficulty: big.NewInt(0),
		Time:       1700000000,
	}
	head := &coretypes.Header{
		ParentHash: parent.Hash(),
		Number:     big.NewInt(100),
		Difficulty: big.NewInt(0),
		Time:       1700000012,
		Coinbase:   common.HexToAddress("0x00000000000000000000000000000000000000bb"),
	}
	server := newRPCServer(t, map[string]any{
		"eth_getBlockByNumber": head,
		"eth_getBlockByHash":   parent,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := NewClient(ctx, Config{Name: "sepolia", RPCURL: server.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(client.Close)

	latest, err := client.LatestBlock(ctx)
	if err != nil {
		t.Fatalf("latest block: %v", err)
	}
	if latest.Height != 100 || latest.Hash != head.Hash().Hex() {
		t.Fatalf("unexpected latest block %+v", latest)
	}
	if latest.PreviousHash != parent.Hash().Hex() {
		t.Fatalf("unexpected parent hash %s", latest.PreviousHash)
	}
	if !latest.Time.Equal(time.Unix(1700000012, 0)) {
		t.Fatalf("unexpected block time %v", latest.Time)
	}

	prev, err := client.BlockByHash(ctx, latest.PreviousHash)
	if err != nil {
		t.Fatalf("block by hash: %v", err)
	}
	if prev.Height != 99 {
		t.Fatalf("unexpected parent height %d", prev.Height)
	}
	if _, err := client.BlockByHash(ctx, "0x1234"); err == nil {
		t.Fatal("expected error for malformed hash")
	}
}

func TestClientTxPatterns(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	chainID := big.NewInt(11155111)
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tx, err := coretypes.SignNewTx(key, coretypes.LatestSignerForChainID(chainID), &coretypes.LegacyTx{
		Nonce:    7,
		To:       &to,
		Value:    big.NewInt(1000),
		Gas:      21000,
		GasPrice: big.NewInt(1),
		Data:     []byte{0xa9, 0x05, 0x9c, 0xbb, 0x01},
	})
	if err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	txJSON, err := tx.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal tx: %v", err)
	}

	server := newRPCServer(t, map[string]any{"eth_getTransactionByHash": json.RawMessage(txJSON)})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := NewClient(ctx, Config{RPCURL: server.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(client.Close)

	patterns, err := client.TxPatterns(ctx, tx.Hash().Hex(), 10)
	if err != nil {
		t.Fatalf("tx patterns: %v", err)
	}
	if len(patterns) != 1 {
		t.Fatalf("expected one pattern, got %d", len(patterns))
	}
	got := patterns[0]
	sender := crypto.PubkeyToAddress(key.PublicKey).Hex()
	if got.Inputs[0].Address != sender || got.Inputs[0].OutputIndex != 7 {
		t.Fatalf("unexpected input %+v", got.Inputs[0])
	}
	if got.Outputs[0].Address != to.Hex() || got.Outputs[0].Quantity != "1000" || got.Outputs[0].Unit != "call:0xa9059cbb" {
		t.Fatalf("unexpected output %+v", got.Outputs[0])
	}

	if _, err := client.TxPatterns(ctx, "addr_test1qz", 10); !errors.Is(err, chain.ErrUnsupported) {
		t.Fatalf("expected unsupported error for address subject, got %v", err)
	}
}
