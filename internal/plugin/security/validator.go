package security

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// ErrDisallowedPattern is matched by every *ValidationError.
var ErrDisallowedPattern = errors.New("disallowed pattern")

// Rule is one textual check run against plugin source.
type Rule struct {
	Name        string
	Description string
	re          *regexp.Regexp
}

// Match returns the offending text and its byte offset, or ok=false.
func (r Rule) Match(src string) (text string, offset int, ok bool) {
	loc := r.re.FindStringSubmatchIndex(src)
	if loc == nil {
		return "", 0, false
	}
	if i := r.re.SubexpIndex("hit"); i > 0 && loc[2*i] >= 0 {
		return src[loc[2*i]:loc[2*i+1]], loc[2*i], true
	}
	return src[loc[0]:loc[1]], loc[0], true
}

// notMember keeps method calls and field accesses such as ctx.utils.log.debug
// from matching the bare global of the same name.
const notMember = `(?:^|[^\w.:])`

func rule(name, description, pattern string) Rule {
	return Rule{Name: name, Description: description, re: regexp.MustCompile(`(?m)` + pattern)}
}

var rules = []Rule{
	rule("dynamic-eval", "dynamic code evaluation",
		notMember+`(?P<hit>(?:loadstring|loadfile|dofile|load|setfenv|getfenv)\s*[("'\[{]|string\s*\.\s*dump\b)`),
	rule("debug-library", "debug library access",
		notMember+`(?P<hit>debug\s*[.:\[])`),
	rule("process-exit", "process termination",
		notMember+`(?P<hit>os\s*\.\s*exit\b)`),
	rule("process-spawn", "subprocess execution",
		notMember+`(?P<hit>(?:os\s*\.\s*execute|io\s*\.\s*popen)\b)`),
	rule("filesystem", "raw filesystem access",
		notMember+`(?P<hit>io\s*\.\s*(?:open|lines|read|write|input|output|tmpfile)\b|os\s*\.\s*(?:remove|rename|tmpname|getenv)\b|require\s*\(?\s*["'](?:io|os|debug|package)["'])`),
	rule("parent-traversal", "parent directory traversal",
		`(?P<hit>\.\.[/\\])`),
	rule("sensitive-path", "reference to a sensitive host path",
		`(?P<hit>/etc/|/proc/|/sys/|/root/|/var/run/|~/\.ssh|[Cc]:\\\\?[Ww]indows)`),
	rule("global-table", "global environment manipulation",
		notMember+`(?P<hit>_G\s*\[|_ENV\b|raw(?:get|set)\s*\(\s*_G\b)`),
}

// Rules returns the ordered rule list.
func Rules() []Rule {
	out := make([]Rule, len(rules))
	copy(out, rules)
	return out
}

// ValidationError reports the first rule a source matched.
type ValidationError struct {
	Rule        string
	Description string
	Pattern     string
	Line        int
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s at line %d: %q (%s)", e.Description, e.Line, e.Pattern, e.Rule)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrDisallowedPattern
}

// Validate runs every rule in order and returns the first match as a
// *ValidationError.
func Validate(src string) error {
	for _, r := range rules {
		text, offset, ok := r.Match(src)
		if !ok {
			continue
		}
		return &ValidationError{
			Rule:        r.Name,
			Description: r.Description,
			Pattern:     text,
			Line:        strings.Count(src[:offset], "\n") + 1,
		}
	}
	return nil
}

// ValidateFile reads path and validates its contents.
func ValidateFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return Validate(string(data))
}
