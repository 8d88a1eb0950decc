package security

import (
	"log/slog"
	"regexp"
)

// detector pairs a stable config-addressable name with a rule-based
// pattern. Matching is purely syntactic; there is no entropy scoring,
// so a given payload always scans the same way.
type detector struct {
	name string
	re   *regexp.Regexp
}

// ── vendor credential patterns ──────────────────────────────────────────────

var detectorCatalog = []detector{
	{"aws-access-key-id", regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`)},
	{"aws-secret-access-key", regexp.MustCompile(`(?i)aws_secret_access_key\s*[:=]\s*["']?[A-Za-z0-9/+=]{40}\b`)},
	{"github-token", regexp.MustCompile(`\b(?:gh[pousr]_[A-Za-z0-9]{36,255}|github_pat_[A-Za-z0-9_]{82})\b`)},
	{"gitlab-token", regexp.MustCompile(`\bglpat-[A-Za-z0-9_-]{20,}\b`)},
	{"slack-token", regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`)},
	{"anthropic-api-key", regexp.MustCompile(`\bsk-ant-[A-Za-z0-9_-]{24,}\b`)},
	{"openai-api-key", regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{32,}\b`)},
	{"google-api-key", regexp.MustCompile(`\bAIza[0-9A-Za-z_-]{35}\b`)},
	{"stripe-key", regexp.MustCompile(`\b[sr]k_(?:live|test)_[0-9a-zA-Z]{16,}\b`)},
	{"sendgrid-key", regexp.MustCompile(`\bSG\.[A-Za-z0-9_-]{22}\.[A-Za-z0-9_-]{43}\b`)},
	{"npm-token", regexp.MustCompile(`\bnpm_[A-Za-z0-9]{36}\b`)},
	{"telegram-bot-token", regexp.MustCompile(`\b\d{8,10}:AA[A-Za-z0-9_-]{32,33}\b`)},
	{"discord-bot-token", regexp.MustCompile(`\b[MNO][A-Za-z\d_-]{23,25}\.[A-Za-z\d_-]{6}\.[A-Za-z\d_-]{27,}\b`)},

	// ── structural patterns ─────────────────────────────────────────────────

	{"private-key-block", regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH |PGP )?PRIVATE KEY(?: BLOCK)?-----`)},
	{"jwt", regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{5,}\b`)},
	{"url-basic-auth", regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9+.-]*://[^/\s:@]{1,64}:[^/\s:@]{1,128}@`)},
}

// Scanner runs a selected subset of the detector catalog over outbound
// payloads. The zero selection means the full catalog.
type Scanner struct {
	detectors []detector
}

// NewScanner selects detectors by name. Unknown names are logged and
// ignored so a stale config entry cannot disable scanning outright.
func NewScanner(names []string) *Scanner {
	if len(names) == 0 {
		return &Scanner{detectors: detectorCatalog}
	}
	byName := make(map[string]detector, len(detectorCatalog))
	for _, d := range detectorCatalog {
		byName[d.name] = d
	}
	s := &Scanner{}
	for _, n := range names {
		d, ok := byName[n]
		if !ok {
			slog.Warn("security: unknown secrets detector in config", "name", n)
			continue
		}
		s.detectors = append(s.detectors, d)
	}
	if len(s.detectors) == 0 {
		slog.Warn("security: no valid secrets detectors selected, using full catalog")
		s.detectors = detectorCatalog
	}
	return s
}

// Scan returns the name of the first detector matching the payload, or
// an empty string when nothing matches.
func (s *Scanner) Scan(payload string) string {
	if s == nil || payload == "" {
		return ""
	}
	for _, d := range s.detectors {
		if d.re.MatchString(payload) {
			return d.name
		}
	}
	return ""
}

// DetectorNames lists the catalog in scan order, for diagnostics.
func DetectorNames() []string {
	names := make([]string, len(detectorCatalog))
	for i, d := range detectorCatalog {
		names[i] = d.name
	}
	return names
}
