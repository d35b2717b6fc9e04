package specialist

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

func TestSeverityFor(t *testing.T) {
	cases := []struct {
		risk float64
		want Severity
	}{
		{0, SeverityInfo},
		{0.09, SeverityInfo},
		{0.1, SeverityLow},
		{0.3, SeverityMedium},
		{0.5, SeverityHigh},
		{0.69, SeverityHigh},
		{0.7, SeverityCritical},
		{1, SeverityCritical},
	}
	for _, tc := range cases {
		if got := SeverityFor(tc.risk); got != tc.want {
			t.Fatalf("SeverityFor(%v) = %s, want %s", tc.risk, got, tc.want)
		}
	}
}

func TestNormalizeClampsRisk(t *testing.T) {
	if got := (Result{Risk: 1.7}).Normalize(); got.Risk != 1 || got.Severity != SeverityCritical {
		t.Fatalf("unexpected normalized result: %+v", got)
	}
	if got := (Result{Risk: -2}).Normalize(); got.Risk != 0 || got.Evidence == nil {
		t.Fatalf("unexpected normalized result: %+v", got)
	}
	if got := ClampRisk(math.NaN()); got != NeutralRisk {
		t.Fatalf("expected NaN to clamp to neutral, got %v", got)
	}
}

func TestSeverityTextRoundTrip(t *testing.T) {
	var s Severity
	if err := s.UnmarshalText([]byte("high")); err != nil || s != SeverityHigh {
		t.Fatalf("unexpected unmarshal: %v %v", s, err)
	}
	if err := s.UnmarshalText([]byte("SEVERE")); err == nil {
		t.Fatalf("expected unknown severity to fail")
	}
}

func TestGuardTimeout(t *testing.T) {
	started := time.Now()
	res := Guard(context.Background(), "slow", 20*time.Millisecond, func(ctx context.Context) Result {
		time.Sleep(time.Second)
		return Result{Risk: 0.9, Success: true}
	})
	if time.Since(started) > 500*time.Millisecond {
		t.Fatalf("guard did not return after timeout")
	}
	if res.Success || res.Risk != FailureRisk || res.Specialist != "slow" {
		t.Fatalf("unexpected timeout result: %+v", res)
	}
	if !strings.Contains(res.Error, ErrTimeout.Error()) {
		t.Fatalf("expected timeout error, got %q", res.Error)
	}
}

func TestGuardRecoversPanic(t *testing.T) {
	res := Guard(context.Background(), "boom", time.Second, func(ctx context.Context) Result {
		panic("kaboom")
	})
	if res.Success || res.Risk != FailureRisk || !strings.Contains(res.Error, "kaboom") {
		t.Fatalf("unexpected panic result: %+v", res)
	}
}

func TestGuardSetsNameAndSeverity(t *testing.T) {
	res := Guard(context.Background(), "ok", time.Second, func(ctx context.Context) Result {
		return Result{Specialist: "other", Risk: 0.55, Success: true}
	})
	if res.Specialist != "ok" || res.Severity != SeverityHigh || !res.Success {
		t.Fatalf("unexpected result: %+v", res)
	}
}

type panicSpecialist struct{}

func (panicSpecialist) Name() string { return "panicky" }

func (panicSpecialist) Scan(context.Context, string, map[string]any) Result {
	panic(errors.New("unexpected"))
}

func TestInvokeRecoversPanic(t *testing.T) {
	res := Invoke(context.Background(), panicSpecialist{}, "x", nil)
	if res.Success || res.Specialist != "panicky" || res.Risk != FailureRisk {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestResultPayloadRoundTrip(t *testing.T) {
	in := Result{Specialist: "s", Risk: 0.42, Evidence: []string{"e"}, Metadata: map[string]any{"k": "v"}, Success: true}
	payload, err := in.Payload()
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload["severity"] != "MEDIUM" {
		t.Fatalf("expected severity name in payload, got %v", payload["severity"])
	}
	out, err := ResultFromPayload(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Risk != 0.42 || out.Severity != SeverityMedium || out.Metadata["k"] != "v" || !out.Success {
		t.Fatalf("unexpected decoded result: %+v", out)
	}
}
