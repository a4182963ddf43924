package domain

import (
	"dario.cat/mergo"
)

// ApplyDefaults fills keys missing from input with the workflow's declared
// variables. Nested maps are merged recursively; input always wins.
func ApplyDefaults(input, defaults map[string]interface{}) (map[string]interface{}, error) {
	merged := make(map[string]interface{}, len(input)+len(defaults))
	for k, v := range input {
		merged[k] = v
	}
	if len(defaults) == 0 {
		return merged, nil
	}

	if err := mergo.Merge(&merged, defaults); err != nil {
		return nil, NewConfigurationError("", "failed to apply workflow variables", err)
	}
	return merged, nil
}

// LayerRetry resolves the effective retry spec for a node: node settings
// first, then the workflow's, then the engine default. A declared
// MaxRetries, including 0, is never replaced by an outer scope.
func LayerRetry(node, workflow RetrySpec, engine RetryPolicy) (RetryPolicy, error) {
	maxRetries := node.MaxRetries
	if maxRetries == nil {
		maxRetries = workflow.MaxRetries
	}

	effective := node
	effective.MaxRetries = nil
	outer := workflow
	outer.MaxRetries = nil
	if err := mergo.Merge(&effective, outer); err != nil {
		return RetryPolicy{}, NewConfigurationError("", "failed to merge workflow retry policy", err)
	}

	policy := effective.Policy()
	if err := mergo.Merge(&policy, engine); err != nil {
		return RetryPolicy{}, NewConfigurationError("", "failed to merge engine retry policy", err)
	}
	if maxRetries != nil {
		policy.MaxRetries = *maxRetries
	}
	return policy, nil
}
