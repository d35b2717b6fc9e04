package specialist

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"Sentinel-Orchestrator/internal/chain"
)

type stubTips struct {
	height int64
	err    error
}

func (s stubTips) TipHeight(context.Context) (int64, error) { return s.height, s.err }

type stubSampler struct {
	holdings []chain.Holding
	err      error
	limit    int
}

func (s *stubSampler) SampleStake(_ context.Context, _ string, limit int) ([]chain.Holding, error) {
	s.limit = limit
	return s.holdings, s.err
}

type stubPatterns struct {
	patterns []chain.TxPattern
	err      error
}

func (s stubPatterns) TxPatterns(context.Context, string, int) ([]chain.TxPattern, error) {
	return s.patterns, s.err
}

func TestTipDivergenceDetectsFork(t *testing.T) {
	spec := NewTipDivergence(stubTips{height: 1000})
	res := spec.Scan(context.Background(), "", map[string]any{"observed_height": 990})
	if !res.Success || res.Risk != 0.9 || res.Severity != SeverityCritical {
		t.Fatalf("unexpected fork result: %+v", res)
	}
	if res.Metadata["is_fork"] != true || res.Metadata["delta"] != int64(10) {
		t.Fatalf("unexpected metadata: %+v", res.Metadata)
	}
}

func TestTipDivergenceThresholdBoundary(t *testing.T) {
	spec := NewTipDivergence(stubTips{height: 1000})
	res := spec.Scan(context.Background(), "", map[string]any{"observed_height": "1005"})
	if !res.Success || res.Risk != 0.1 || res.Metadata["is_fork"] != false {
		t.Fatalf("delta equal to threshold must be healthy: %+v", res)
	}
	res = spec.Scan(context.Background(), "", map[string]any{"observed_height": 1006})
	if res.Risk != 0.9 {
		t.Fatalf("delta above threshold must be a fork: %+v", res)
	}
}

func TestTipDivergenceReferenceUnavailable(t *testing.T) {
	spec := NewTipDivergence(stubTips{err: errors.New("rpc down")})
	res := spec.Scan(context.Background(), "", map[string]any{"observed_height": 10})
	if res.Success || res.Risk != NeutralRisk || !strings.Contains(res.Error, "rpc down") {
		t.Fatalf("unexpected failure result: %+v", res)
	}
}

func TestTipDivergenceMissingObservedHeight(t *testing.T) {
	spec := NewTipDivergence(stubTips{height: 10})
	res := spec.Scan(context.Background(), "addr1", nil)
	if res.Success || res.Risk != NeutralRisk {
		t.Fatalf("unexpected result: %+v", res)
	}
	res = spec.Scan(context.Background(), "tip:12", nil)
	if !res.Success || res.Metadata["observed_height"] != int64(12) {
		t.Fatalf("expected subject fallback, got %+v", res)
	}
}

func TestConcentrationRatio(t *testing.T) {
	if got := ConcentrationRatio(nil, 10); got != 0 {
		t.Fatalf("empty ratio = %v", got)
	}
	if got := ConcentrationRatio([]float64{0, 0}, 10); got != 0 {
		t.Fatalf("zero total ratio = %v", got)
	}
	got := ConcentrationRatio([]float64{1, 4, 2, 3}, 2)
	if math.Abs(got-0.7) > 1e-9 {
		t.Fatalf("ratio = %v, want 0.7", got)
	}
}

func TestConcentrationCentralized(t *testing.T) {
	holdings := make([]chain.Holding, 0, 50)
	for i := 0; i < 50; i++ {
		amount := 1.0
		if i < 10 {
			amount = 10
		}
		holdings = append(holdings, chain.Holding{ID: "pool", Amount: amount})
	}
	sampler := &stubSampler{holdings: holdings}
	res := NewConcentration(sampler).Scan(context.Background(), "network", nil)
	if !res.Success || res.Risk != 0.8 || res.Metadata["centralized"] != true {
		t.Fatalf("unexpected result: %+v", res)
	}
	if sampler.limit != 50 {
		t.Fatalf("expected sample size 50, got %d", sampler.limit)
	}
}

func TestConcentrationDecentralized(t *testing.T) {
	holdings := make([]chain.Holding, 0, 50)
	for i := 0; i < 50; i++ {
		holdings = append(holdings, chain.Holding{Amount: 5})
	}
	res := NewConcentration(&stubSampler{holdings: holdings}).Scan(context.Background(), "", nil)
	if !res.Success || res.Risk != 0.2 {
		t.Fatalf("top 10 of 50 equal holders is 20%%, expected low risk: %+v", res)
	}
}

func TestConcentrationSamplerFailure(t *testing.T) {
	res := NewConcentration(&stubSampler{err: errors.New("http 500")}).Scan(context.Background(), "", nil)
	if res.Success || res.Risk != FailureRisk {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func transfer(hash, from, to string, valid bool) chain.TxPattern {
	return chain.TxPattern{
		TxHash:        hash,
		Inputs:        []chain.PatternInput{{TxHash: "prev", OutputIndex: 0, Address: from}},
		Outputs:       []chain.PatternOutput{{Address: to, Unit: "lovelace", Quantity: "100"}},
		ValidContract: valid,
	}
}

func TestFingerprintIgnoresOrder(t *testing.T) {
	a := chain.TxPattern{
		Inputs:  []chain.PatternInput{{TxHash: "b", OutputIndex: 1}, {TxHash: "a", OutputIndex: 0}},
		Outputs: []chain.PatternOutput{{Address: "y", Unit: "u", Quantity: "2"}, {Address: "x", Unit: "u", Quantity: "1"}},
	}
	b := chain.TxPattern{
		Inputs:  []chain.PatternInput{{TxHash: "a", OutputIndex: 0}, {TxHash: "b", OutputIndex: 1}},
		Outputs: []chain.PatternOutput{{Address: "x", Unit: "u", Quantity: "1"}, {Address: "y", Unit: "u", Quantity: "2"}},
	}
	fa, fb := Fingerprint(a), Fingerprint(b)
	if fa != fb || len(fa) != 16 {
		t.Fatalf("fingerprints differ: %s vs %s", fa, fb)
	}
	b.Outputs[0].Quantity = "3"
	if Fingerprint(b) == fa {
		t.Fatalf("expected different fingerprint after quantity change")
	}
}

func TestReplayDetectsRepeatedPattern(t *testing.T) {
	reader := stubPatterns{patterns: []chain.TxPattern{
		transfer("tx1", "alice", "bob", true),
		transfer("tx2", "alice", "bob", true),
	}}
	spec, err := NewReplay(reader)
	if err != nil {
		t.Fatalf("new replay: %v", err)
	}
	defer spec.Close()

	res := spec.Scan(context.Background(), "addr_test", nil)
	if !res.Success || math.Abs(res.Risk-0.3) > 1e-9 {
		t.Fatalf("expected one repeat on first scan: %+v", res)
	}
	if !strings.Contains(strings.Join(res.Evidence, ";"), "seen 2 times") {
		t.Fatalf("unexpected evidence: %v", res.Evidence)
	}

	res = spec.Scan(context.Background(), "addr_test", nil)
	if math.Abs(res.Risk-0.6) > 1e-9 {
		t.Fatalf("expected both patterns repeated on second scan: %+v", res)
	}
}

func TestReplayInvalidAndCircular(t *testing.T) {
	reader := stubPatterns{patterns: []chain.TxPattern{
		transfer("tx1", "alice", "alice", false),
	}}
	spec, err := NewReplay(reader)
	if err != nil {
		t.Fatalf("new replay: %v", err)
	}
	defer spec.Close()

	res := spec.Scan(context.Background(), "tx1", nil)
	if !res.Success || math.Abs(res.Risk-0.6) > 1e-9 {
		t.Fatalf("expected invalid+circular risk 0.6, got %+v", res)
	}
}

func TestReplayRiskCapped(t *testing.T) {
	p := transfer("tx", "alice", "alice", false)
	spec, err := NewReplay(stubPatterns{patterns: []chain.TxPattern{p, p, p}})
	if err != nil {
		t.Fatalf("new replay: %v", err)
	}
	defer spec.Close()

	res := spec.Scan(context.Background(), "tx", nil)
	if res.Risk != 1 {
		t.Fatalf("expected capped risk, got %v", res.Risk)
	}
}

func TestReplayNoTransactions(t *testing.T) {
	spec, err := NewReplay(stubPatterns{})
	if err != nil {
		t.Fatalf("new replay: %v", err)
	}
	defer spec.Close()

	res := spec.Scan(context.Background(), "addr", nil)
	if !res.Success || res.Risk != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestIsCircular(t *testing.T) {
	if IsCircular(transfer("t", "a", "b", true)) {
		t.Fatalf("a->b is not circular")
	}
	if !IsCircular(transfer("t", "a", "a", true)) {
		t.Fatalf("a->a is circular")
	}
}

type stubBlocks struct {
	latest    chain.Block
	parents   map[string]chain.Block
	err       error
	parentErr error
}

func (s stubBlocks) LatestBlock(context.Context) (chain.Block, error) { return s.latest, s.err }

func (s stubBlocks) BlockByHash(_ context.Context, hash string) (chain.Block, error) {
	if s.parentErr != nil {
		return chain.Block{}, s.parentErr
	}
	return s.parents[hash], nil
}

var blockNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func blockAt(height int64, age time.Duration) stubBlocks {
	return stubBlocks{
		latest: chain.Block{Hash: "b2", PreviousHash: "b1", Height: height, Time: blockNow.Add(-age)},
		parents: map[string]chain.Block{
			"b1": {Hash: "b1", Height: 100},
		},
	}
}

func TestBlockScannerHealthyChain(t *testing.T) {
	spec := NewBlockScanner(blockAt(101, 20*time.Second), WithBlockClock(func() time.Time { return blockNow }))
	res := spec.Scan(context.Background(), "addr_test1", nil)
	if !res.Success || res.Risk != 0 || res.Severity != SeverityInfo {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Specialist != "block_scanner" {
		t.Fatalf("unexpected specialist %q", res.Specialist)
	}
	if !strings.Contains(strings.Join(res.Evidence, ";"), "no block-level anomalies") {
		t.Fatalf("unexpected evidence %v", res.Evidence)
	}
}

func TestBlockScannerPropagationDelay(t *testing.T) {
	clock := WithBlockClock(func() time.Time { return blockNow })

	res := NewBlockScanner(blockAt(101, 3*time.Minute), clock).Scan(context.Background(), "", nil)
	if math.Abs(res.Risk-0.2) > 1e-9 || res.Severity != SeverityLow {
		t.Fatalf("unexpected delayed result: %+v", res)
	}
	if res.Metadata["delay_seconds"] != int64(180) {
		t.Fatalf("unexpected delay metadata %v", res.Metadata["delay_seconds"])
	}

	res = NewBlockScanner(blockAt(101, 10*time.Minute), clock).Scan(context.Background(), "", nil)
	if math.Abs(res.Risk-0.5) > 1e-9 || res.Severity != SeverityHigh {
		t.Fatalf("unexpected severe result: %+v", res)
	}
}

func TestBlockScannerHeightGap(t *testing.T) {
	spec := NewBlockScanner(blockAt(104, 10*time.Minute), WithBlockClock(func() time.Time { return blockNow }))
	res := spec.Scan(context.Background(), "", nil)
	if math.Abs(res.Risk-0.9) > 1e-9 || res.Severity != SeverityCritical {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Metadata["height_gap"] != int64(4) {
		t.Fatalf("unexpected gap metadata %v", res.Metadata["height_gap"])
	}
}

func TestBlockScannerSkipsMissingTimeAndParent(t *testing.T) {
	blocks := stubBlocks{
		latest:    chain.Block{Hash: "b2", PreviousHash: "b1", Height: 101},
		parentErr: errors.New("404"),
	}
	res := NewBlockScanner(blocks).Scan(context.Background(), "", nil)
	if !res.Success || res.Risk != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, ok := res.Metadata["delay_seconds"]; ok {
		t.Fatal("delay must not be computed without a block time")
	}
}

func TestBlockScannerProviderFailure(t *testing.T) {
	res := NewBlockScanner(stubBlocks{err: errors.New("rpc down")}).Scan(context.Background(), "", nil)
	if res.Success || res.Risk != FailureRisk {
		t.Fatalf("unexpected result: %+v", res)
	}
	res = NewBlockScanner(nil).Scan(context.Background(), "", nil)
	if res.Success || res.Error == "" {
		t.Fatalf("expected failure without provider: %+v", res)
	}
}
