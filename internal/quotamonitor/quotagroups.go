package quotamonitor

// quotaGroups defines models that share a single upstream quota pool:
// exhausting one model in a group means its siblings are unavailable
// too, so health scoring should use the group's minimum percentage
// rather than treating each model independently (SPEC_FULL.md §3
// supplemental, adapted from the source referenced in
// _examples/meglinge-CLIProxyAPI/internal/registry/antigravity_quota_groups.go).
var quotaGroups = map[string][]string{
	"claude-gpt": {
		"claude-sonnet-4-5-thinking",
		"claude-opus-4-5-thinking",
		"gpt-oss-120b-medium",
	},
	"gemini-3-pro": {
		"gemini-3-pro-high",
		"gemini-3-pro-low",
		"gemini-3-pro-preview",
	},
	"gemini-2-5-flash": {
		"gemini-2.5-flash",
		"gemini-2.5-flash-thinking",
	},
}

var modelToGroup = buildModelToGroupMap()

func buildModelToGroupMap() map[string]string {
	m := make(map[string]string)
	for group, models := range quotaGroups {
		for _, model := range models {
			m[model] = group
		}
	}
	return m
}

// groupOf returns the stable group ID for model, or model itself if
// it belongs to no predefined group.
func groupOf(model string) string {
	if group, ok := modelToGroup[model]; ok {
		return group
	}
	return model
}
