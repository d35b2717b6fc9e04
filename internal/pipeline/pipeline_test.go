package pipeline

import (
	"context"
	"testing"
	"time"

	xerrors "Sentinel-Orchestrator/internal/errors"
	"Sentinel-Orchestrator/internal/fusion"
	"Sentinel-Orchestrator/internal/specialist"
)

type fixedRole struct {
	role    string
	risk    float64
	success bool
}

func (f fixedRole) Name() string { return f.role }

func (f fixedRole) Scan(context.Context, string, map[string]any) specialist.Result {
	if !f.success {
		return specialist.Failed(f.role, specialist.NeutralRisk, context.DeadlineExceeded)
	}
	return specialist.Result{Risk: f.risk, Evidence: []string{f.role + " ok"}, Success: true}
}

func newPolicy(t *testing.T) *fusion.WeightedPolicy {
	t.Helper()
	policy, err := fusion.NewWeightedPolicy(fusion.DefaultPipelineWeights())
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	return policy
}

func TestPipelineRenormalizesAbsentRole(t *testing.T) {
	p, err := New(newPolicy(t), []specialist.Specialist{
		fixedRole{role: RoleSentinel, risk: 0.9, success: true},
		fixedRole{role: RoleOracle, risk: 0.5, success: true},
		fixedRole{role: RoleCompliance, risk: 0.1, success: true},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	report, err := p.Run(context.Background(), "req-1", "policy123", nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// (0.9*0.40 + 0.5*0.25 + 0.1*0.20) / 0.85
	if report.Verdict.FinalScore != 59 || report.Verdict.Classification != fusion.ClassWarning {
		t.Fatalf("unexpected verdict %+v", report.Verdict)
	}
	if report.Verdict.Profile != fusion.PipelineProfile.Name || report.Verdict.Policy != "weighted" {
		t.Fatalf("pipeline must use the weighted policy and pipeline profile: %+v", report.Verdict)
	}
	if len(report.Absent) != 1 || report.Absent[0] != RoleZKProver {
		t.Fatalf("expected zk_prover absent, got %v", report.Absent)
	}
	if len(report.Failed) != 0 || report.RequestID != "req-1" {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestPipelineExcludesFailedRole(t *testing.T) {
	p, err := New(newPolicy(t), []specialist.Specialist{
		fixedRole{role: RoleSentinel, risk: 0.9, success: true},
		fixedRole{role: RoleOracle, success: false},
		fixedRole{role: RoleCompliance, risk: 0.1, success: true},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	report, err := p.Run(context.Background(), "", "policy123", nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// (0.9*0.40 + 0.1*0.20) / 0.60
	if report.Verdict.FinalScore != 63 || report.Verdict.ContributingCount != 2 {
		t.Fatalf("unexpected verdict %+v", report.Verdict)
	}
	if len(report.Failed) != 1 || report.Failed[0] != RoleOracle {
		t.Fatalf("expected oracle failed, got %v", report.Failed)
	}
}

func TestPipelineAllFailed(t *testing.T) {
	p, err := New(newPolicy(t), []specialist.Specialist{fixedRole{role: RoleSentinel}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	report, err := p.Run(context.Background(), "", "policy123", nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Verdict.FinalScore != 50 || report.Verdict.Evidence[0] != fusion.AllFailedEvidence {
		t.Fatalf("expected neutral verdict, got %+v", report.Verdict)
	}
}

func TestPipelineTimeoutBoundsRun(t *testing.T) {
	slow := specialistFunc{name: RoleOracle, fn: func(ctx context.Context) specialist.Result {
		<-ctx.Done()
		return specialist.Failed(RoleOracle, specialist.NeutralRisk, ctx.Err())
	}}
	p, err := New(newPolicy(t), []specialist.Specialist{
		fixedRole{role: RoleSentinel, risk: 0.2, success: true},
		slow,
	}, WithTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	started := time.Now()
	report, err := p.Run(context.Background(), "", "policy123", nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if time.Since(started) > 2*time.Second {
		t.Fatal("pipeline did not honour its timeout")
	}
	if report.Verdict.FinalScore != 20 || report.Verdict.Classification != fusion.ClassSafe {
		t.Fatalf("unexpected verdict %+v", report.Verdict)
	}
}

func TestPipelineWithProfile(t *testing.T) {
	p, err := New(newPolicy(t), []specialist.Specialist{
		fixedRole{role: RoleSentinel, risk: 0.35, success: true},
	}, WithProfile(fusion.SpecialistProfile))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	report, err := p.Run(context.Background(), "req-2", "policy123", nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// 35 在 pipeline_profile 下为 SAFE，在 specialist_profile 下为 WARNING
	if report.Verdict.Profile != fusion.SpecialistProfile.Name || report.Verdict.Classification != fusion.ClassWarning {
		t.Fatalf("profile option not applied: %+v", report.Verdict)
	}
}

func TestNewPipelineValidation(t *testing.T) {
	if _, err := New(newPolicy(t), []specialist.Specialist{fixedRole{role: "auditor"}}); xerrors.CodeOf(err) != xerrors.CodeFusionConfig {
		t.Fatalf("expected fusion config error for unknown role, got %v", err)
	}
	dup := []specialist.Specialist{fixedRole{role: RoleSentinel}, fixedRole{role: RoleSentinel}}
	if _, err := New(newPolicy(t), dup); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected duplicate role error, got %v", err)
	}
	if _, err := New(nil, dup); err == nil {
		t.Fatal("expected error without policy")
	}
	if _, err := New(newPolicy(t), nil); err == nil {
		t.Fatal("expected error without roles")
	}

	p, err := New(newPolicy(t), []specialist.Specialist{fixedRole{role: RoleSentinel, success: true}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := p.Run(context.Background(), "", " ", nil); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument for empty subject, got %v", err)
	}
}

type specialistFunc struct {
	name string
	fn   func(ctx context.Context) specialist.Result
}

func (s specialistFunc) Name() string { return s.name }

func (s specialistFunc) Scan(ctx context.Context, _ string, _ map[string]any) specialist.Result {
	return s.fn(ctx)
}
