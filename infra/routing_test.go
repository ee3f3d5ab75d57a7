package infra

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthCheckPolicies(t *testing.T) {
	// The inference tier needs a generous window because a cold engine
	// answers slowly; the web tier does not.
	assert.Equal(t, healthCheck{Path: "/health", Interval: 60, Timeout: 15, Matcher: "200"}, inferenceHealthCheck)
	assert.Equal(t, healthCheck{Path: "/health", Interval: 30, Timeout: 5, Matcher: "200"}, webHealthCheck)
	assert.Greater(t, inferenceHealthCheck.Interval, inferenceHealthCheck.Timeout)
	assert.Greater(t, webHealthCheck.Interval, webHealthCheck.Timeout)
}

func TestPublicDefaultDeny(t *testing.T) {
	assert.Equal(t, fixedResponse{
		ContentType: "text/plain",
		MessageBody: "Forbidden",
		StatusCode:  "403",
	}, publicDefaultDeny)
}

func TestPublicListenerRules(t *testing.T) {
	rules := publicListenerRules("X-Origin-Verify")
	require.Len(t, rules, 1)
	assert.Equal(t, 1, rules[0].Priority)
	assert.Equal(t, "X-Origin-Verify", rules[0].HeaderName)
	require.NoError(t, validateRulePriorities(rules))
}

func TestValidateRulePriorities(t *testing.T) {
	require.NoError(t, validateRulePriorities(nil))
	require.NoError(t, validateRulePriorities([]listenerRule{
		{Priority: 1}, {Priority: 2}, {Priority: 50000},
	}))

	err := validateRulePriorities([]listenerRule{{Priority: 0}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")

	err = validateRulePriorities([]listenerRule{{Priority: 50001}})
	require.Error(t, err)

	err = validateRulePriorities([]listenerRule{{Priority: 5}, {Priority: 5}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}
