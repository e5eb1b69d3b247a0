package recovery

import "strings"

type hintRule struct {
	keywords []string
	hint     string
}

var hintRules = []hintRule{
	{[]string{"validation", "invalid", "assert"}, "Re-read the acceptance criteria and validate the output against them before reporting completion."},
	{[]string{"timeout", "deadline", "timed out"}, "Work in smaller increments and report progress so long steps are not cut off."},
	{[]string{"dependency", "depends", "missing", "not found"}, "Confirm every dependency's result is available before starting; ask the coordinator if one is missing."},
	{[]string{"permission", "denied", "forbidden", "unauthorized"}, "Check the credentials and access scope needed for this task before retrying."},
	{[]string{"format", "parse", "syntax", "schema"}, "Match the expected output format exactly; include an example of the required shape."},
}

const fallbackHint = "Review the previous error and adjust the approach before retrying."

// BuildHints returns keyword-driven guidance for a failure. Error type and
// message are both searched. At least one hint is always returned.
func BuildHints(e TaskError) []string {
	text := strings.ToLower(e.Type + " " + e.Message)
	var hints []string
	for _, r := range hintRules {
		for _, kw := range r.keywords {
			if strings.Contains(text, kw) {
				hints = append(hints, r.hint)
				break
			}
		}
	}
	if len(hints) == 0 {
		hints = append(hints, fallbackHint)
	}
	return hints
}
