package testutil

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// AssertClosed asserts that ch is closed within DefaultWaitTimeout.
func AssertClosed(t *testing.T, ch <-chan struct{}, msgAndArgs ...interface{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(DefaultWaitTimeout):
		require.Fail(t, "channel was not closed in time", msgAndArgs...)
	}
}

// AssertNotClosed asserts that ch stays open for d.
func AssertNotClosed(t *testing.T, ch <-chan struct{}, d time.Duration, msgAndArgs ...interface{}) {
	t.Helper()
	select {
	case <-ch:
		assert.Fail(t, "channel was closed", msgAndArgs...)
	case <-time.After(d):
	}
}

// AssertStable asserts that n() keeps returning want for d. It is used to
// check that nothing more is delivered after a terminal event.
func AssertStable(t *testing.T, want int, n func() int, d time.Duration, msgAndArgs ...interface{}) {
	t.Helper()
	assert.Never(t, func() bool { return n() != want }, d, DefaultPollInterval, msgAndArgs...)
}

// AssertJSONField asserts that the JSON object data has key set to want.
// Numbers compare as float64.
func AssertJSONField(t *testing.T, data []byte, key string, want interface{}) {
	t.Helper()
	var obj map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &obj), "payload is not a JSON object: %s", data)
	got, ok := obj[key]
	require.True(t, ok, "payload has no %q field: %s", key, data)
	assert.Equal(t, want, got, "field %q", key)
}
