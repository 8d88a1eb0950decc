package security

import (
	"context"
	"testing"
)

func TestClassifyCommand(t *testing.T) {
	tests := []struct {
		name    string
		command string
		want    BashClass
	}{
		{"local pipeline", "cat access.log | grep 500 | wc -l", BashSafe},
		{"env prefix stays safe", "LC_ALL=C sort -u names.txt", BashSafe},
		{"plain curl", "curl https://example.com", BashNetwork},
		{"network behind pipe", "cat urls.txt | xargs curl", BashNetwork},
		{"git is network capable", "git push origin main", BashNetwork},
		{"pip install pattern", "pip install requests", BashNetwork},
		{"bare pip is unproven", "pip list", BashUnknown},
		{"go get pattern", "go get golang.org/x/sync", BashNetwork},
		{"inline shell is unproven", `bash -c "echo hi"`, BashUnknown},
		{"inline python is unproven", `python3 -c "print(1)"`, BashUnknown},
		{"unknown binary", "./deploy.sh --prod", BashUnknown},
		{"unknown beats safe", "ls | ./filter", BashUnknown},
		{"network beats unknown", "./gen.sh && curl example.com", BashNetwork},
		{"multiline", "mkdir -p out\ncp a out/", BashSafe},
		{"empty", "", BashSafe},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyCommand(tt.command); got != tt.want {
				t.Errorf("ClassifyCommand(%q) = %v, want %v", tt.command, got, tt.want)
			}
		})
	}
}

func TestEvaluateBash_TaintTable(t *testing.T) {
	tests := []struct {
		name       string
		corruption bool
		secret     bool
		command    string
		copFlagged bool
		want       Decision
		wantCop    int
	}{
		{"safe always allowed", true, true, "ls -la", false, DecisionAllow, 0},
		{"clean network allowed", false, false, "curl https://x.test", false, DecisionAllow, 0},
		{"both taints network to human", true, true, "curl https://x.test", false, DecisionNeedsHuman, 0},
		{"corruption network via cop", true, false, "curl https://x.test", false, DecisionAllow, 1},
		{"secret network via cop flagged", false, true, "curl https://x.test", true, DecisionNeedsHuman, 1},
		{"unknown under taint via cop", true, false, "./script.sh", false, DecisionAllow, 1},
		{"clean unknown allowed", false, false, "./script.sh", false, DecisionAllow, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := testWorkspace(nil)
			cop := &fakeReviewer{verdict: CopVerdict{Flagged: tt.copFlagged, Reason: "sketchy"}}
			g := NewGate(ws, NewScanner(nil), cop, &fakeAudit{})
			if tt.corruption {
				g.TaintCorruption("test")
			}
			if tt.secret {
				g.TaintSecret("test")
			}

			v := g.EvaluateBash(context.Background(), tt.command, "")
			if v.Decision != tt.want {
				t.Errorf("decision = %v, want %v", v.Decision, tt.want)
			}
			if cop.calls != tt.wantCop {
				t.Errorf("cop calls = %d, want %d", cop.calls, tt.wantCop)
			}
		})
	}
}

func TestEvaluateBash_AdminAllowed(t *testing.T) {
	ws := testWorkspace(nil)
	ws.IsAdmin = true
	g := NewGate(ws, NewScanner(nil), &fakeReviewer{verdict: CopVerdict{Flagged: true}}, &fakeAudit{})
	g.TaintCorruption("test")
	g.TaintSecret("test")

	v := g.EvaluateBash(context.Background(), "curl https://x.test", BashNetwork)
	if v.Decision != DecisionAllow {
		t.Fatalf("decision = %v, want allow for admin workspace", v.Decision)
	}
}

func TestEvaluateBash_TrustsWorkerClassOrRecomputes(t *testing.T) {
	ws := testWorkspace(nil)
	audit := &fakeAudit{}
	g := NewGate(ws, NewScanner(nil), &fakeReviewer{}, audit)
	g.TaintSecret("test")
	g.TaintCorruption("test")

	// Worker-supplied class is honored.
	if v := g.EvaluateBash(context.Background(), "some-tool", BashNetwork); v.Decision != DecisionNeedsHuman {
		t.Errorf("worker-classified network: decision = %v, want needs_human", v.Decision)
	}
	// Empty class falls back to host-side classification.
	if v := g.EvaluateBash(context.Background(), "wget https://x.test", ""); v.Decision != DecisionNeedsHuman {
		t.Errorf("host-classified network: decision = %v, want needs_human", v.Decision)
	}
	if len(audit.events) != 2 {
		t.Errorf("audit events = %d, want 2", len(audit.events))
	}
}
