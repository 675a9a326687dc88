package event

import (
	"fmt"
	"strings"
)

// Wildcard segments.
const (
	WildcardSingle = "*"
	WildcardMulti  = "**"
)

// Topic is a dot-separated event name or subscription pattern.
type Topic string

// Segments splits the topic on dots.
func (t Topic) Segments() []string {
	if t == "" {
		return nil
	}
	return strings.Split(string(t), ".")
}

// IsPattern reports whether the topic contains a wildcard segment.
func (t Topic) IsPattern() bool {
	for _, seg := range t.Segments() {
		if seg == WildcardSingle || seg == WildcardMulti {
			return true
		}
	}
	return false
}

// Validate checks that the topic has no empty segments.
func (t Topic) Validate() error {
	if t == "" {
		return ErrInvalidTopic
	}
	for i, seg := range t.Segments() {
		if seg == "" {
			return fmt.Errorf("%w: empty segment %d in %q", ErrInvalidTopic, i, t)
		}
	}
	return nil
}

// Matches reports whether the concrete topic t is selected by pattern.
func (t Topic) Matches(pattern Topic) bool {
	return matchSegments(pattern.Segments(), t.Segments())
}

func matchSegments(pattern, topic []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case WildcardMulti:
			rest := pattern[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(topic); i++ {
				if matchSegments(rest, topic[i:]) {
					return true
				}
			}
			return false
		case WildcardSingle:
			if len(topic) == 0 {
				return false
			}
		default:
			if len(topic) == 0 || topic[0] != pattern[0] {
				return false
			}
		}
		pattern = pattern[1:]
		topic = topic[1:]
	}
	return len(topic) == 0
}
