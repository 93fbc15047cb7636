package provider

import "strings"

// BuildPrompt composes the generation prompt from filter dimensions. Each
// dimension contributes a fixed clause; missing dimensions are skipped
// except background, which gets a neutral default.
func BuildPrompt(filters map[string]string) string {
	parts := []string{"A human figure reference"}

	if v := filters["body_region"]; v != "" {
		parts = append(parts, "focus on the "+v)
	}
	if v := filters["pose"]; v != "" {
		parts = append(parts, "in "+v+" pose")
	}
	if v := filters["clothing"]; v != "" {
		parts = append(parts, "wearing "+v)
	}
	if v := filters["style"]; v != "" {
		parts = append(parts, v+" style")
	}
	if v := filters["lighting"]; v != "" {
		parts = append(parts, "with "+v+" lighting")
	}
	if v := filters["camera"]; v != "" {
		parts = append(parts, v+" camera angle")
	}
	if v := filters["theme"]; v != "" {
		parts = append(parts, v+" theme")
	}
	if v := filters["background"]; v != "" {
		parts = append(parts, v+" background")
	} else {
		parts = append(parts, "simple neutral background")
	}

	modifiers := []string{
		"professional reference photo",
		"full body visible",
		"clear details",
		"suitable for figure drawing practice",
	}

	prompt := strings.Join(parts, ", ") + ". " + strings.Join(modifiers, ", ")
	return prompt + " --no nsfw, nude, explicit, inappropriate"
}
