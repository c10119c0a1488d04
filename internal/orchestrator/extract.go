package orchestrator

import (
	"regexp"
	"strings"
)

var (
	quotedPattern    = regexp.MustCompile(`"([^"]+)"|'([^']+)'`)
	capitalizedToken = regexp.MustCompile(`^[A-Z][A-Za-z0-9&-]+$`)
)

// extractMentions pulls candidate entity references out of a free-text
// query. Quoted strings are always mentions. Otherwise, maximal runs of
// capitalized words count, except a run that starts the query (sentence
// casing, not a name).
func extractMentions(query string) []string {
	var mentions []string
	seen := make(map[string]struct{})
	add := func(m string) {
		m = strings.TrimSpace(m)
		if m == "" {
			return
		}
		key := strings.ToLower(m)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		mentions = append(mentions, m)
	}

	for _, match := range quotedPattern.FindAllStringSubmatch(query, -1) {
		if match[1] != "" {
			add(match[1])
		} else {
			add(match[2])
		}
	}
	if len(mentions) > 0 {
		return mentions
	}

	words := strings.Fields(quotedPattern.ReplaceAllString(query, " "))
	var run []string
	flush := func(startIdx int) {
		// A capitalized run opening the query is sentence casing.
		if len(run) > 0 && startIdx != 0 {
			add(strings.Join(run, " "))
		}
		run = nil
	}
	runStart := -1
	for i, w := range words {
		if capitalizedToken.MatchString(strings.Trim(w, ",.!?")) {
			if run == nil {
				runStart = i
			}
			run = append(run, strings.Trim(w, ",.!?"))
			continue
		}
		flush(runStart)
	}
	flush(runStart)
	return mentions
}
