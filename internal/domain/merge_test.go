package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDefaults(t *testing.T) {
	tests := []struct {
		name     string
		input    map[string]interface{}
		defaults map[string]interface{}
		expected map[string]interface{}
	}{
		{
			name:     "no defaults",
			input:    map[string]interface{}{"topic": "go"},
			expected: map[string]interface{}{"topic": "go"},
		},
		{
			name:     "missing keys filled",
			input:    map[string]interface{}{"topic": "go"},
			defaults: map[string]interface{}{"tone": "formal", "limit": 3},
			expected: map[string]interface{}{"topic": "go", "tone": "formal", "limit": 3},
		},
		{
			name:     "input wins",
			input:    map[string]interface{}{"tone": "casual"},
			defaults: map[string]interface{}{"tone": "formal"},
			expected: map[string]interface{}{"tone": "casual"},
		},
		{
			name:     "nil input",
			defaults: map[string]interface{}{"tone": "formal"},
			expected: map[string]interface{}{"tone": "formal"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			merged, err := ApplyDefaults(tt.input, tt.defaults)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, merged)
		})
	}
}

func TestApplyDefaults_DoesNotMutateInput(t *testing.T) {
	input := map[string]interface{}{"topic": "go"}
	_, err := ApplyDefaults(input, map[string]interface{}{"tone": "formal"})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"topic": "go"}, input)
}

func retries(n int) *int { return &n }

func TestLayerRetry(t *testing.T) {
	engine := RetryPolicy{MaxRetries: 3, InitialInterval: time.Second, BackoffFactor: 2, MaxInterval: 30 * time.Second}

	tests := []struct {
		name     string
		node     RetrySpec
		workflow RetrySpec
		expected RetryPolicy
	}{
		{
			name:     "engine only",
			expected: engine,
		},
		{
			name:     "workflow overrides engine",
			workflow: RetrySpec{MaxRetries: retries(5), InitialIntervalMs: 200},
			expected: RetryPolicy{MaxRetries: 5, InitialInterval: 200 * time.Millisecond, BackoffFactor: 2, MaxInterval: 30 * time.Second},
		},
		{
			name:     "node overrides workflow",
			node:     RetrySpec{MaxRetries: retries(1)},
			workflow: RetrySpec{MaxRetries: retries(5), BackoffFactor: 1.5},
			expected: RetryPolicy{MaxRetries: 1, InitialInterval: time.Second, BackoffFactor: 1.5, MaxInterval: 30 * time.Second},
		},
		{
			name:     "node turns retries off",
			node:     RetrySpec{MaxRetries: retries(0)},
			workflow: RetrySpec{MaxRetries: retries(5)},
			expected: RetryPolicy{MaxRetries: 0, InitialInterval: time.Second, BackoffFactor: 2, MaxInterval: 30 * time.Second},
		},
		{
			name:     "workflow turns retries off",
			workflow: RetrySpec{MaxRetries: retries(0)},
			expected: RetryPolicy{MaxRetries: 0, InitialInterval: time.Second, BackoffFactor: 2, MaxInterval: 30 * time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy, err := LayerRetry(tt.node, tt.workflow, engine)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, policy)
		})
	}
}

func TestRetryPolicy_Backoff(t *testing.T) {
	policy := RetryPolicy{InitialInterval: 100 * time.Millisecond, BackoffFactor: 2, MaxInterval: time.Second}

	assert.Equal(t, time.Duration(0), policy.Backoff(0))
	assert.Equal(t, 100*time.Millisecond, policy.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, policy.Backoff(2))
	assert.Equal(t, 400*time.Millisecond, policy.Backoff(3))
	assert.Equal(t, time.Second, policy.Backoff(10))

	flat := RetryPolicy{InitialInterval: 50 * time.Millisecond, BackoffFactor: 0.5}
	assert.Equal(t, 50*time.Millisecond, flat.Backoff(4))
}
