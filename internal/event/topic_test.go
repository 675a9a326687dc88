package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopicMatches(t *testing.T) {
	tests := []struct {
		topic   Topic
		pattern Topic
		want    bool
	}{
		{"crm.contact.created", "crm.contact.created", true},
		{"crm.contact.created", "crm.*.created", true},
		{"crm.contact.created", "crm.*", false},
		{"crm.contact.created", "crm.**", true},
		{"crm", "crm.**", true},
		{"crm.contact.created", "**", true},
		{"crm.contact.created", "**.created", true},
		{"crm.contact.created", "crm.**.created", true},
		{"crm.created", "crm.**.created", true},
		{"crm.contact.updated", "crm.**.created", false},
		{"plugin.greeter.hello", "plugin.greeter.*", true},
		{"plugin.other.hello", "plugin.greeter.*", false},
		{"crm.contact", "crm.contact.created", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.pattern)+"/"+string(tt.topic), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.topic.Matches(tt.pattern))
		})
	}
}

func TestTopicValidate(t *testing.T) {
	assert.NoError(t, Topic("host.plugin.loaded").Validate())
	assert.ErrorIs(t, Topic("").Validate(), ErrInvalidTopic)
	assert.ErrorIs(t, Topic("host..loaded").Validate(), ErrInvalidTopic)
	assert.ErrorIs(t, Topic("host.").Validate(), ErrInvalidTopic)
}

func TestTopicIsPattern(t *testing.T) {
	assert.True(t, Topic("a.*").IsPattern())
	assert.True(t, Topic("**").IsPattern())
	assert.False(t, Topic("a.b").IsPattern())
}
