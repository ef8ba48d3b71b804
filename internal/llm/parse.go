package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// maxPatterns bounds how many search patterns one extraction may yield.
const maxPatterns = 5

// stripFences removes a surrounding markdown code fence (``` or ```json)
// from a model response, if present.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) < 2 {
		return s
	}
	// drop the opening fence line
	lines = lines[1:]
	// drop a closing fence line if the block is terminated
	if strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	out := strings.TrimSpace(strings.Join(lines, "\n"))
	out = strings.TrimPrefix(out, "json")
	return strings.TrimSpace(out)
}

// parsePatternList parses a JSON array of search patterns, tolerating a
// fenced response and non-string array members. At most maxPatterns entries
// are retained, in extraction order.
func parsePatternList(raw string) ([]string, error) {
	content := stripFences(raw)
	if content == "" {
		return nil, fmt.Errorf("empty response")
	}

	var patterns []string
	if err := json.Unmarshal([]byte(content), &patterns); err != nil {
		// Some models mix types inside the array; coerce member-by-member.
		var loose []any
		if err2 := json.Unmarshal([]byte(content), &loose); err2 != nil {
			return nil, err
		}
		for _, p := range loose {
			patterns = append(patterns, fmt.Sprint(p))
		}
	}

	var out []string
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
		if len(out) == maxPatterns {
			break
		}
	}
	return out, nil
}

// parseYesNo interprets a single-token YES/NO verdict. Anything that is not
// an affirmative reads as "no".
func parseYesNo(raw string) bool {
	ans := strings.ToUpper(strings.TrimSpace(stripFences(raw)))
	ans = strings.TrimSuffix(ans, ".")
	return ans == "YES"
}
