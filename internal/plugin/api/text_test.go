package api

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dshills/crmplugins/internal/logging"
)

func TestSlug(t *testing.T) {
	tests := map[string]string{
		"Hello World":          "hello-world",
		"  Héllo,  Wörld!  ":   "hello-world",
		"Q3 pipeline / review": "q3-pipeline-review",
		"---":                  "",
		"Crème brûlée":         "creme-brulee",
	}
	for in, want := range tests {
		assert.Equal(t, want, Slug(in), in)
	}
}

func TestTextHelpers(t *testing.T) {
	h := newHarness(t, withModules(NewUtilsModule(logging.Discard())))

	assert.Equal(t, "Hello World", h.eval(t, `result = ctx.utils.text.title("hello world")`))
	assert.Equal(t, true, h.eval(t, `result = ctx.utils.text.fold("HELLO") == ctx.utils.text.fold("hello")`))
	assert.Equal(t, "new-lead-acme", h.eval(t, `result = ctx.utils.text.slug("New lead: ACME")`))
}
