package dispatcher

import (
	"strings"

	"github.com/gobwas/glob"
)

// WebDesignAugmenter concatenates a web-visuals skill document onto a
// builder-role prompt when the task title matches one of a configurable
// set of glob patterns (spec §9 Open Question 3: a keyword list was too
// rigid, so patterns are matched instead of exact substrings).
type WebDesignAugmenter struct {
	patterns []glob.Glob
	skillDoc string
}

// NewWebDesignAugmenter compiles patterns (e.g. "*ui*", "*frontend*") and
// will append skillDoc to the prompt for any builder-role task whose
// title matches one of them, case-insensitively.
func NewWebDesignAugmenter(patterns []string, skillDoc string) (*WebDesignAugmenter, error) {
	compiled := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(strings.ToLower(p))
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, g)
	}
	return &WebDesignAugmenter{patterns: compiled, skillDoc: skillDoc}, nil
}

// Augment implements PromptAugmenter.
func (a *WebDesignAugmenter) Augment(role, title, basePrompt string) string {
	if role != "builder" || !a.matches(title) {
		return basePrompt
	}
	return basePrompt + "\n\n" + a.skillDoc
}

func (a *WebDesignAugmenter) matches(title string) bool {
	lower := strings.ToLower(title)
	for _, g := range a.patterns {
		if g.Match(lower) {
			return true
		}
	}
	return false
}
