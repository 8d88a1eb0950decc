package security

import (
	"context"
	"strings"
)

// BashClass is the coarse shell-command classification shared with the
// worker-side pre-filter. SAFE commands never reach the host.
type BashClass string

const (
	BashSafe    BashClass = "SAFE"
	BashNetwork BashClass = "NETWORK"
	BashUnknown BashClass = "UNKNOWN"
)

// safeCommands are provably-local utilities: no flag or argument turns
// them into a network client or an interpreter of arbitrary code.
var safeCommands = map[string]bool{
	"ls": true, "cat": true, "head": true, "tail": true, "wc": true,
	"grep": true, "rg": true, "sort": true, "uniq": true, "cut": true,
	"tr": true, "sed": true, "awk": true, "find": true, "file": true,
	"stat": true, "du": true, "df": true, "pwd": true, "cd": true,
	"echo": true, "printf": true, "date": true, "cal": true,
	"mkdir": true, "rmdir": true, "cp": true, "mv": true, "ln": true,
	"touch": true, "chmod": true, "chown": true, "diff": true, "cmp": true,
	"tar": true, "gzip": true, "gunzip": true, "zip": true, "unzip": true,
	"jq": true, "yq": true, "base64": true, "md5sum": true, "sha1sum": true,
	"sha256sum": true, "basename": true, "dirname": true, "realpath": true,
	"readlink": true, "which": true, "whoami": true, "id": true,
	"uname": true, "hostname": true, "sleep": true, "true": true,
	"false": true, "test": true, "expr": true, "seq": true, "tee": true,
	"env": true, "wait": true, "exit": true,
}

// networkCommands are tools whose ordinary use reaches the network.
var networkCommands = map[string]bool{
	"curl": true, "wget": true, "ssh": true, "scp": true, "sftp": true,
	"rsync": true, "nc": true, "ncat": true, "netcat": true, "socat": true,
	"telnet": true, "ftp": true, "ping": true, "traceroute": true,
	"dig": true, "nslookup": true, "host": true, "whois": true,
	"git": true, "docker": true, "kubectl": true, "helm": true,
	"aws": true, "gcloud": true, "az": true, "gh": true,
	"npx": true, "apt": true, "apt-get": true, "apk": true,
	"yum": true, "dnf": true, "brew": true,
}

// Two-token prefixes resolving commands whose leading token alone is not
// decisive. Checked before the single-token tables.
var networkPrefixes = []string{
	"pip install", "pip3 install", "npm install", "npm ci", "npm update",
	"yarn add", "yarn install", "pnpm add", "pnpm install",
	"go get", "go install", "cargo install", "gem install",
}

var unknownPrefixes = []string{
	"bash -c", "sh -c", "zsh -c", "dash -c",
	"python -c", "python3 -c", "perl -e", "ruby -e", "node -e",
}

// ClassifyCommand buckets a shell command by scanning each pipeline
// segment. Any network-capable segment makes the whole command NETWORK;
// otherwise any unproven segment makes it UNKNOWN.
func ClassifyCommand(command string) BashClass {
	sawUnknown := false
	for _, segment := range splitSegments(command) {
		switch classifySegment(segment) {
		case BashNetwork:
			return BashNetwork
		case BashUnknown:
			sawUnknown = true
		}
	}
	if sawUnknown {
		return BashUnknown
	}
	return BashSafe
}

func classifySegment(segment string) BashClass {
	segment = strings.TrimSpace(segment)
	if segment == "" {
		return BashSafe
	}

	for _, p := range networkPrefixes {
		if strings.HasPrefix(segment, p+" ") || segment == p {
			return BashNetwork
		}
	}
	for _, p := range unknownPrefixes {
		if strings.HasPrefix(segment, p+" ") || segment == p {
			return BashUnknown
		}
	}

	token := leadingToken(segment)
	switch {
	case token == "":
		return BashUnknown
	case networkCommands[token]:
		return BashNetwork
	case safeCommands[token]:
		return BashSafe
	default:
		return BashUnknown
	}
}

// splitSegments breaks a command at pipeline and list operators. Quoting
// is deliberately not parsed; a quoted operator splits into segments
// that classify at least as strictly.
func splitSegments(command string) []string {
	for _, op := range []string{"&&", "||", ";", "|", "\n"} {
		command = strings.ReplaceAll(command, op, "\x00")
	}
	return strings.Split(command, "\x00")
}

// leadingToken returns the first command word of a segment, skipping
// VAR=value environment assignments.
func leadingToken(segment string) string {
	for _, field := range strings.Fields(segment) {
		if isEnvAssignment(field) {
			continue
		}
		return strings.TrimPrefix(field, "\\")
	}
	return ""
}

func isEnvAssignment(field string) bool {
	eq := strings.IndexByte(field, '=')
	if eq <= 0 {
		return false
	}
	for _, r := range field[:eq] {
		if r != '_' && (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// EvaluateBash applies the taint table to an escalated shell command.
// The worker already filtered SAFE commands locally; a SAFE arrival here
// means the worker chose to double-check and gets an allow.
func (g *Gate) EvaluateBash(ctx context.Context, command string, class BashClass) Verdict {
	if class == "" {
		class = ClassifyCommand(command)
	}
	action := Action{
		Service: "bash",
		Tool:    "bash",
		Payload: command,
		Summary: "run shell command: " + excerpt(command),
	}

	v := g.evaluateBash(ctx, action, class)
	g.record(ctx, action, v)
	return v
}

func (g *Gate) evaluateBash(ctx context.Context, action Action, class BashClass) Verdict {
	if g.workspace.IsAdmin {
		return allow("admin workspace")
	}
	if class == BashSafe {
		return allow("local command")
	}

	corruption, secret := g.Taints()
	if !corruption && !secret {
		return allow("clean gate")
	}

	if class == BashNetwork {
		if corruption && secret {
			// Both taints on a network command is the trifecta shape;
			// the Cop does not get a vote.
			return needsHuman("tainted invocation using network command")
		}
		return g.copReview(ctx, action, "single taint with network command")
	}

	// UNKNOWN under taint is the grey zone.
	return g.copReview(ctx, action, "unclassified command under taint")
}
