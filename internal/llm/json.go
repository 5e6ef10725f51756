package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoJSON is returned when a response contains no JSON object.
var ErrNoJSON = errors.New("no JSON object in response")

// DecodeJSONResponse decodes an LLM response into v. It tolerates markdown
// code fences and prose around a single top-level object.
func DecodeJSONResponse(text string, v any) error {
	body := extractJSON(text)
	if body == "" {
		return ErrNoJSON
	}
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return fmt.Errorf("parsing LLM response as JSON: %w", err)
	}
	return nil
}

// ParseJSONResponse parses a JSON object response into a generic map.
func ParseJSONResponse(text string) (map[string]any, error) {
	var result map[string]any
	if err := DecodeJSONResponse(text, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}

	// Strip markdown code fences
	if strings.HasPrefix(text, "```") {
		lines := strings.Split(text, "\n")
		endIdx := len(lines)
		for i := len(lines) - 1; i > 0; i-- {
			if strings.TrimSpace(lines[i]) == "```" {
				endIdx = i
				break
			}
		}
		if len(lines) > 1 {
			text = strings.TrimSpace(strings.Join(lines[1:endIdx], "\n"))
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}
