package tokenmanager

import "strings"

// NormalizeModelKey implements the model-filter comparison rule from
// spec §4.2/§8 boundary behaviours: strip an optional "models/" style
// prefix (by taking everything after the last "/") and case-fold.
// Unlike the teacher's equivalent
// (sdk/cliproxy/quota/normalize.go), this does not strip a
// "-thinking" suffix — the spec's filter comparison treats
// "gemini-2.5-flash-thinking" and "gemini-2.5-flash" as distinct
// requested models.
func NormalizeModelKey(model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		return ""
	}
	if idx := strings.LastIndex(model, "/"); idx >= 0 {
		model = model[idx+1:]
	}
	return strings.ToLower(strings.TrimSpace(model))
}
