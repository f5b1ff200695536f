package retrieval

import "strings"

// ExtractQuery picks the retrieval query per spec.md §4.6 step 1: an
// explicit override wins, else the most recent user message, else the
// raw prompt (the first message's content, when nothing is tagged
// "user" — e.g. a bare completions-style prompt forwarded as a single
// message).
func ExtractQuery(override string, messages []Message) string {
	if strings.TrimSpace(override) != "" {
		return override
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" && strings.TrimSpace(messages[i].Content) != "" {
			return messages[i].Content
		}
	}
	if len(messages) > 0 {
		return messages[0].Content
	}
	return ""
}

// ResolveMode downgrades Pro to Lite when the Pro beta flag is off,
// per spec.md §4.6 step 2, returning the resolved mode and whether a
// downgrade warning should be recorded.
func ResolveMode(web WebSettings) (Mode, string) {
	if web.Mode == ModePro && !web.ProBetaEnabled {
		return ModeLite, "Search Pro is disabled (beta flag off); falling back to Search Lite"
	}
	return web.Mode, ""
}
