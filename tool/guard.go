package tool

import "strings"

// defaultDenied lists command fragments that are never allowed to reach a
// system tool, regardless of how the model phrased the request.
var defaultDenied = []string{
	"rm -rf /",
	"mkfs",
	"dd if=",
	":(){:|:&};:",
	"chmod -R 777 /",
}

// Guard screens the arguments of system tools against a deny-list of command
// fragments. Matching is a case-insensitive substring check across every
// string argument value, so wrapping a denied command in a longer line does
// not evade it.
type Guard struct {
	patterns []string
}

// GuardOptions configures a Guard.
type GuardOptions struct {
	// ExtraPatterns are screened in addition to the built-in deny-list.
	ExtraPatterns []string
}

// NewGuard creates a guard with the built-in deny-list.
func NewGuard(optFns ...func(o *GuardOptions)) *Guard {
	opts := GuardOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}

	patterns := make([]string, 0, len(defaultDenied)+len(opts.ExtraPatterns))
	patterns = append(patterns, defaultDenied...)
	patterns = append(patterns, opts.ExtraPatterns...)

	return &Guard{patterns: patterns}
}

// Screen inspects every string argument value and reports the first denied
// pattern found. The boolean is true when the invocation must be blocked.
func (g *Guard) Screen(args map[string]interface{}) (string, bool) {
	for _, value := range args {
		s, ok := value.(string)
		if !ok {
			continue
		}
		lowered := strings.ToLower(s)
		for _, pattern := range g.patterns {
			if strings.Contains(lowered, strings.ToLower(pattern)) {
				return pattern, true
			}
		}
	}
	return "", false
}
