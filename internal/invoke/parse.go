package invoke

import (
	"encoding/json"
	"fmt"

	"github.com/foreman-io/foreman/pkg/protocol"
)

// ExtractReport finds the last top-level JSON object in out that
// decodes to a report with a known status. Workers often print prose
// around the report, so everything else is ignored.
func ExtractReport(out string) (*protocol.Report, error) {
	objects := topLevelObjects(out)
	for i := len(objects) - 1; i >= 0; i-- {
		var r protocol.Report
		if err := json.Unmarshal([]byte(objects[i]), &r); err != nil {
			continue
		}
		if r.Status.Valid() {
			return &r, nil
		}
	}
	return nil, fmt.Errorf("invoke: no report in %d bytes of output: %w", len(out), ErrUnparseable)
}

// topLevelObjects returns each balanced {...} span in s that is not
// nested inside another object, skipping braces inside JSON strings.
func topLevelObjects(s string) []string {
	var spans []string
	depth := 0
	start := -1
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					spans = append(spans, s[start:i+1])
					start = -1
				}
			}
		}
	}
	return spans
}
