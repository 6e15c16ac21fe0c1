// Package scrub detects and replaces credential-like tokens in transcripts
// before they reach memory, traces, or prompts. Intentionally lightweight
// and fully offline.
package scrub

import (
	"fmt"
	"regexp"
	"strings"
)

type pattern struct {
	kind string
	re   *regexp.Regexp
}

// Ordered so scrub output is deterministic for a given input.
var patterns = []pattern{
	{"aws_access_key", regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{"aws_secret", regexp.MustCompile(`(?i)aws(.{0,20})?(secret|key)['"][=:]?\s*([A-Za-z0-9/+=]{40})`)},
	{"jwt", regexp.MustCompile(`eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}`)},
	{"api_key", regexp.MustCompile(`(?i)(api|token|key)["'=:\s]{1,5}([A-Za-z0-9\-_]{20,})`)},
	{"private_key", regexp.MustCompile(`-----BEGIN (?:RSA|DSA|EC|OPENSSH|PGP) PRIVATE KEY-----`)},
	{"ssh_key", regexp.MustCompile(`ssh-rsa\s+[A-Za-z0-9+/]+={0,3}\s+[^\s]+`)},
}

var longToken = regexp.MustCompile(`[A-Za-z0-9+/=_-]{24,}`)

// Hit is one detected secret-like token.
type Hit struct {
	Kind  string
	Value string
}

// looksHighEntropy is a crude heuristic for random-looking tokens: long
// strings with a high unique-character ratio.
func looksHighEntropy(token string) bool {
	if len(token) < 24 {
		return false
	}
	unique := map[rune]bool{}
	for _, r := range token {
		unique[r] = true
	}
	return float64(len(unique))/float64(len(token)) > 0.55
}

// Scan returns every detected secret-like token in the text.
func Scan(text string) []Hit {
	if text == "" {
		return nil
	}
	var hits []Hit
	for _, p := range patterns {
		for _, m := range p.re.FindAllString(text, -1) {
			hits = append(hits, Hit{Kind: p.kind, Value: m})
		}
	}
	for _, token := range longToken.FindAllString(text, -1) {
		if looksHighEntropy(token) {
			hits = append(hits, Hit{Kind: "high_entropy", Value: token})
		}
	}
	return hits
}

// Scrub replaces detected secrets with secret_ref tokens. Returns the
// scrubbed text and a map from each secret_ref back to the original value.
func Scrub(text string) (string, map[string]string) {
	if text == "" {
		return text, map[string]string{}
	}
	refs := map[string]string{}
	scrubbed := text
	for i, hit := range Scan(text) {
		ref := fmt.Sprintf("secret_ref:%s:%d", hit.Kind, i)
		refs[ref] = hit.Value
		scrubbed = strings.ReplaceAll(scrubbed, hit.Value, ref)
	}
	return scrubbed, refs
}
