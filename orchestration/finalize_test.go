package orchestration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEfficiencyScore(t *testing.T) {
	cases := []struct {
		name      string
		estimated time.Duration
		actual    time.Duration
		want      float64
	}{
		{"faster than estimated caps at one", time.Minute, 30 * time.Second, 1.0},
		{"on estimate", time.Minute, time.Minute, 1.0},
		{"twice as slow", time.Minute, 2 * time.Minute, 0.5},
		{"pathologically slow floors", time.Second, time.Hour, 0.1},
		{"no estimate", 0, time.Minute, 1.0},
		{"no duration", time.Minute, 0, 1.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, efficiencyScore(tc.estimated, tc.actual), 1e-9)
		})
	}
}

func TestResourceUtilization(t *testing.T) {
	assert.InDelta(t, 0.5, resourceUtilization(2, 4), 1e-9)
	assert.InDelta(t, 1.0, resourceUtilization(6, 4), 1e-9)
	assert.Zero(t, resourceUtilization(2, 0))
}

func TestResultRichness(t *testing.T) {
	assert.Zero(t, resultRichness(nil))
	assert.InDelta(t, 0.4, resultRichness(map[string]interface{}{"a": 1, "b": 2}), 1e-9)

	big := map[string]interface{}{}
	for _, k := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		big[k] = k
	}
	assert.InDelta(t, 1.0, resultRichness(big), 1e-9)
}

func TestCompositeScore(t *testing.T) {
	perfect := compositeScore(true, 1.0, 1.0, 1.0)
	assert.InDelta(t, 1.0, perfect, 1e-9)

	failed := compositeScore(false, 1.0, 1.0, 1.0)
	assert.InDelta(t, 0.5, failed, 1e-9)

	// Success outweighs every other component combined
	bareSuccess := compositeScore(true, 0, 0, 0)
	assert.Greater(t, bareSuccess, failed-1e-9)
}

func TestFollowUpsFor(t *testing.T) {
	assert.NotEmpty(t, followUpsFor("security-audit"))
	assert.NotEmpty(t, followUpsFor("unknown-flow"))
}

func TestRecoverySuggestionsFor(t *testing.T) {
	cases := []struct {
		message  string
		fragment string
	}{
		{"dial tcp: connection refused", "reachable"},
		{"circuit breaker 'orchestrator' is open", "reset timeout"},
		{"execution deadline exceeded", "longer timeout"},
		{"validation failed: parameter \"target\" must not be empty", "parameter issues"},
		{"caller not authorized", "access"},
		{"something inexplicable", "log entries"},
	}
	for _, tc := range cases {
		t.Run(tc.message, func(t *testing.T) {
			suggestions := recoverySuggestionsFor(tc.message)
			joined := ""
			for _, s := range suggestions {
				joined += s + "\n"
			}
			assert.Contains(t, joined, tc.fragment)
		})
	}
}
