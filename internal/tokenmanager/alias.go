package tokenmanager

import "strings"

// AliasTable resolves a caller-requested model name to the upstream
// Gemini model name the proxy should actually dispatch, per spec
// §4.3 step 1. The built-in table below is exactly spec.md's table;
// Overrides is an additive layer (grounded on the teacher's
// internal/config/default_model_mappings.deprecated.go seen-alias
// dedup pattern) letting an operator pin additional substrings to
// additional upstream models without touching the built-in defaults.
type AliasTable struct {
	// Overrides maps a lower-cased substring to an upstream model name
	// and is checked before the built-in table.
	Overrides map[string]string
}

// builtinSubstringOrder lists (substring, upstream model) pairs in the
// exact priority order spec.md §4.3 step 1 specifies. sonnet/thinking/
// opus all map to the same upstream model; haiku maps separately;
// "claude" is the catch-all fallback for any other Claude-shaped name.
var builtinSubstringOrder = []struct {
	substr string
	model  string
}{
	{"sonnet", "gemini-3-pro-preview"},
	{"thinking", "gemini-3-pro-preview"},
	{"opus", "gemini-3-pro-preview"},
	{"haiku", "gemini-2.0-flash-exp"},
	{"claude", "gemini-2.5-flash-thinking"},
}

// Resolve maps requestedModel to the upstream model name. For
// local-provider accounts the caller should not call Resolve at all —
// the upstream model is the account's own stored model identifier
// (spec §4.3 step 1) — Resolve only applies to cloud accounts.
func (t *AliasTable) Resolve(requestedModel string) string {
	lower := strings.ToLower(requestedModel)

	if t != nil {
		for substr, model := range t.Overrides {
			if strings.Contains(lower, substr) {
				return model
			}
		}
	}

	for _, candidate := range builtinSubstringOrder {
		if strings.Contains(lower, candidate.substr) {
			return candidate.model
		}
	}

	return requestedModel
}
