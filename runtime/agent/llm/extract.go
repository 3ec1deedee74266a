package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var fencedJSONBlock = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")
var anyFencedBlock = regexp.MustCompile("(?s)```\\s*(\\{.*?\\})\\s*```")

// ExtractJSON leniently pulls a JSON object out of an LLM response: first it
// tries a ```json fenced block, then any fenced block whose body starts with
// `{`, then the substring between the first `{` and the last `}` (spec.md
// §6). The kernel never crashes on unparseable LLM output — callers should
// fall back to defaults and record a warning when this returns an error.
func ExtractJSON(response string) (map[string]any, error) {
	raw, err := ExtractJSONText(response)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("llm: response is not a JSON object: %w", err)
	}
	return out, nil
}

// ExtractJSONText returns the raw JSON text located by the same three-tier
// strategy as ExtractJSON, without decoding it. Useful when the caller wants
// to decode into something other than map[string]any (e.g. a JSON array).
func ExtractJSONText(response string) (string, error) {
	if m := fencedJSONBlock.FindStringSubmatch(response); m != nil {
		return strings.TrimSpace(m[1]), nil
	}
	if m := anyFencedBlock.FindStringSubmatch(response); m != nil {
		return strings.TrimSpace(m[1]), nil
	}
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start >= 0 && end > start {
		return response[start : end+1], nil
	}
	return "", fmt.Errorf("llm: no JSON object found in response")
}
