// Package security implements the per-invocation policy gate: trust
// lookup, sticky taints, payload scanning, bash gating and the secondary
// Cop review. One Gate exists per worker invocation and dies with it.
package security

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/warden/internal/state"
)

// Decision is the outcome of one gate evaluation.
type Decision string

const (
	DecisionAllow      Decision = "allow"
	DecisionDeny       Decision = "deny"
	DecisionNeedsHuman Decision = "needs_human"
)

// Verdict pairs a decision with the reason recorded in the audit trail.
type Verdict struct {
	Decision Decision
	Reason   string
}

func allow(reason string) Verdict      { return Verdict{DecisionAllow, reason} }
func deny(reason string) Verdict       { return Verdict{DecisionDeny, reason} }
func needsHuman(reason string) Verdict { return Verdict{DecisionNeedsHuman, reason} }

// Action describes one privileged operation up for evaluation.
type Action struct {
	Service   string // service whose trust config applies
	Tool      string // concrete tool name, for the audit trail
	Payload   string // serialized outgoing payload, scanned on the write path
	Summary   string // one line describing the intended effect, fed to the Cop
	RequestID string
}

// Reviewer is the secondary classifier consulted on escalation. The
// implementation fails open, so there is no error return.
type Reviewer interface {
	Review(ctx context.Context, summary, excerpt string) CopVerdict
}

// CopVerdict is the strict-JSON reply of the secondary classifier.
type CopVerdict struct {
	Flagged bool   `json:"flagged"`
	Reason  string `json:"reason"`
}

// AuditSink records gate decisions. Implementations must not fail the
// evaluation; persistence errors are their own problem to log.
type AuditSink interface {
	Record(ctx context.Context, ev *state.AuditEvent)
}

// Gate evaluates privileged actions for a single worker invocation.
//
// The two taints are monotonic for the lifetime of the gate: once the
// worker has seen untrusted or privileged data there is no way to forget
// it short of a fresh invocation.
type Gate struct {
	workspace *state.Workspace
	scanner   *Scanner
	cop       Reviewer
	audit     AuditSink

	mu         sync.Mutex
	corruption bool
	secret     bool
}

// NewGate builds the gate for one invocation. Secret taint starts set
// when the workspace declares it holds secrets.
func NewGate(ws *state.Workspace, scanner *Scanner, cop Reviewer, audit AuditSink) *Gate {
	return &Gate{
		workspace: ws,
		scanner:   scanner,
		cop:       cop,
		audit:     audit,
		secret:    ws.Security.ContainsSecrets,
	}
}

// Taints returns the current taint pair.
func (g *Gate) Taints() (corruption, secret bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.corruption, g.secret
}

// TaintCorruption marks the invocation as having observed untrusted
// content.
func (g *Gate) TaintCorruption(source string) {
	g.mu.Lock()
	changed := !g.corruption
	g.corruption = true
	g.mu.Unlock()
	if changed {
		slog.Info("gate: corruption taint set", "workspace", g.workspace.Folder, "source", source)
	}
}

// TaintSecret marks the invocation as having observed privileged data.
func (g *Gate) TaintSecret(source string) {
	g.mu.Lock()
	changed := !g.secret
	g.secret = true
	g.mu.Unlock()
	if changed {
		slog.Info("gate: secret taint set", "workspace", g.workspace.Folder, "source", source)
	}
}

// Evaluate applies the trust table to one action. Read-path bits taint,
// write-path bits may escalate through the Cop or to a human. Only the
// Cop call can suspend.
func (g *Gate) Evaluate(ctx context.Context, action Action) Verdict {
	cfg := g.workspace.Security.Services[action.Service]
	v := g.evaluate(ctx, action, cfg)
	g.record(ctx, action, v)
	return v
}

func (g *Gate) evaluate(ctx context.Context, action Action, cfg state.ServiceTrustConfig) Verdict {
	// 1. A forbidden bit blocks the service outright, admin or not.
	if cfg.PublicSource == state.Forbidden || cfg.SecretData == state.Forbidden ||
		cfg.PublicSink == state.Forbidden || cfg.DangerousWrites == state.Forbidden {
		return deny(fmt.Sprintf("service %q is forbidden by workspace policy", action.Service))
	}

	// 2. Read path: scrutinized sources taint, the read itself proceeds.
	if cfg.PublicSource == state.Scrutinized {
		g.TaintCorruption(action.Service)
	}
	if cfg.SecretData == state.Scrutinized {
		g.TaintSecret(action.Service)
	}

	// 3. Write path: outgoing payloads are scanned for secrets before
	// the sink rules apply, so a leaked token taints even a clean gate.
	if cfg.PublicSink == state.Scrutinized || cfg.DangerousWrites == state.Scrutinized {
		if hit := g.scanner.Scan(action.Payload); hit != "" {
			g.TaintSecret("payload scan: " + hit)
		}
	}

	corruption, secret := g.Taints()

	// 4. Admin workspaces skip escalation, never the forbidden check.
	if g.workspace.IsAdmin {
		return allow("admin workspace")
	}

	if cfg.PublicSink == state.Scrutinized {
		if secret {
			// Untrusted input, secret data and a public sink at once:
			// no automated reviewer gets to approve exfiltration.
			return needsHuman("secret taint with public sink")
		}
		if corruption {
			return g.copReview(ctx, action, "corruption taint with public sink")
		}
	}

	if cfg.DangerousWrites == state.Scrutinized && (corruption || secret) {
		return g.copReview(ctx, action, "tainted invocation with dangerous write")
	}

	return allow("")
}

// copReview asks the secondary classifier; a flag escalates to a human.
// No classifier configured means fail open, same as a classifier error.
func (g *Gate) copReview(ctx context.Context, action Action, cause string) Verdict {
	if g.cop == nil {
		slog.Warn("gate: cop not configured, failing open", "workspace", g.workspace.Folder, "tool", action.Tool)
		return allow(cause + "; cop unavailable")
	}
	verdict := g.cop.Review(ctx, action.Summary, excerpt(action.Payload))
	if verdict.Flagged {
		return needsHuman(fmt.Sprintf("%s; cop: %s", cause, verdict.Reason))
	}
	return allow(fmt.Sprintf("%s; cop passed", cause))
}

func (g *Gate) record(ctx context.Context, action Action, v Verdict) {
	corruption, secret := g.Taints()
	g.audit.Record(ctx, &state.AuditEvent{
		Decision:        string(v.Decision),
		ToolName:        action.Tool,
		Workspace:       g.workspace.Folder,
		CorruptionTaint: corruption,
		SecretTaint:     secret,
		Reason:          v.Reason,
		RequestID:       action.RequestID,
	})
}

// excerpt bounds payload content passed to the Cop; it reviews
// summaries, not documents.
func excerpt(s string) string {
	const max = 500
	if len(s) <= max {
		return s
	}
	return s[:max] + "... [truncated]"
}
