package natsclient

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Every subject the daemon publishes to with JetStream must be covered
// by a provisioned stream, or publishes fail with no responders.
func TestStreamConfigsCoverPublishSubjects(t *testing.T) {
	covered := func(subject string) bool {
		for _, cfg := range streamConfigs() {
			for _, s := range cfg.Subjects {
				if s == subject {
					return true
				}
				if strings.HasSuffix(s, ".>") && strings.HasPrefix(subject, strings.TrimSuffix(s, ">")) {
					return true
				}
			}
		}
		return false
	}

	assert.True(t, covered(SubjectHomeEvents), "home event subjects uncovered")
	assert.True(t, covered(SubjectAlertPrefix+"critical"), "alert subjects uncovered")
	assert.True(t, covered(SubjectAlertPrefix+"info"), "alert subjects uncovered")

	require.Equal(t, SubjectAlerts, SubjectAlertPrefix+">",
		"alert wildcard must cover the per-severity publish prefix")
}

func TestStreamConfigsAreDistinct(t *testing.T) {
	seen := map[string]bool{}
	for _, cfg := range streamConfigs() {
		assert.False(t, seen[cfg.Name], "duplicate stream %s", cfg.Name)
		seen[cfg.Name] = true
		assert.NotEmpty(t, cfg.Subjects)
	}
}
