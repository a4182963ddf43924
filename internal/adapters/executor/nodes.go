package executor

import (
	"fmt"
	"regexp"

	"github.com/eleven-am/flowgate/internal/condition"
	"github.com/eleven-am/flowgate/internal/domain"
	"github.com/eleven-am/flowgate/internal/template"
)

func (e *Executor) executeStart(req Request) (*NodeResult, error) {
	cfg := configOf(req.Node)
	values := req.Vars.Map()

	output := make(map[string]interface{}, len(values))
	for key, value := range values {
		if domain.IsInternalKey(key) {
			continue
		}
		output[key] = value
	}

	updates := make(map[string]interface{})
	var params []interface{}
	switch declared := cfg.raw("parameters").(type) {
	case nil:
	case []interface{}:
		params = declared
	case []string:
		for _, name := range declared {
			params = append(params, name)
		}
	default:
		return nil, domain.NewConfigurationError(req.Node.ID, "parameters must be a list", nil)
	}

	for _, param := range params {
		var (
			name       string
			fallback   interface{}
			hasDefault bool
			required   bool
		)

		switch p := param.(type) {
		case string:
			name = p
		case map[string]interface{}:
			name, _ = p["name"].(string)
			fallback, hasDefault = p["default"]
			required = asBool(p["required"])
		default:
			return nil, domain.NewConfigurationError(req.Node.ID, fmt.Sprintf("invalid parameter declaration %v", param), nil)
		}
		if name == "" {
			return nil, domain.NewConfigurationError(req.Node.ID, "parameter name is required", nil)
		}

		if value, present := values[name]; present && value != nil {
			output[name] = value
			continue
		}
		if hasDefault {
			output[name] = fallback
			updates[name] = fallback
			continue
		}
		if required {
			return nil, domain.NewConfigurationError(req.Node.ID, fmt.Sprintf("required parameter %q is missing", name), nil)
		}
		output[name] = nil
	}

	return &NodeResult{
		Input:          output,
		Output:         output,
		ContextUpdates: updates,
	}, nil
}

func (e *Executor) executeEnd(req Request) (*NodeResult, error) {
	cfg := configOf(req.Node)

	var output interface{}
	if cfg.has("output") {
		output = template.ResolveTyped(cfg.raw("output"), req.Vars.Map())
	} else {
		output, _ = req.Vars.Get(domain.VarLastOutput)
	}

	return &NodeResult{Output: output}, nil
}

func (e *Executor) executeCondition(req Request) (*NodeResult, error) {
	cfg := configOf(req.Node)

	expression := cfg.str("expression")
	if expression == "" {
		expression = cfg.str("condition")
	}
	if expression == "" {
		return nil, domain.NewConfigurationError(req.Node.ID, `config "expression" is required`, nil)
	}

	vars := req.Vars.Map()
	result := condition.Evaluate(expression, vars)

	path := cfg.str("falsyPath")
	if result {
		path = cfg.str("truthyPath")
	}

	return &NodeResult{
		Input:  map[string]interface{}{"expression": expression, "resolved": template.ResolveString(expression, vars)},
		Output: map[string]interface{}{"result": result, "path": path},
		Route:  path,
	}, nil
}

func (e *Executor) executeTransform(req Request) (*NodeResult, error) {
	cfg := configOf(req.Node)

	operation, err := cfg.requireStr("operation")
	if err != nil {
		return nil, err
	}
	field, err := cfg.requireStr("field")
	if err != nil {
		return nil, err
	}

	vars := req.Vars.Map()
	var value interface{}

	switch operation {
	case "set":
		value = template.ResolveTyped(cfg.raw("value"), vars)

	case "append":
		item := template.ResolveTyped(cfg.raw("value"), vars)
		existing, _ := req.Vars.Get(field)
		value = appendValue(existing, item)

	case "extract":
		pattern, err := cfg.requireStr("pattern")
		if err != nil {
			return nil, err
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, domain.NewConfigurationError(req.Node.ID, fmt.Sprintf("invalid pattern %q", pattern), err)
		}

		source := cfg.str("source")
		if source == "" {
			source = "{{" + domain.VarLastOutput + "}}"
		}
		match := re.FindStringSubmatch(template.ResolveString(source, vars))
		switch {
		case match == nil:
			value = nil
		case len(match) > 1:
			value = match[1]
		default:
			value = match[0]
		}

	case "format":
		format := cfg.str("template")
		if format == "" {
			format = cfg.str("value")
		}
		value = template.ResolveString(format, vars)

	default:
		return nil, domain.NewConfigurationError(req.Node.ID, fmt.Sprintf("unknown transform operation %q", operation), nil)
	}

	return &NodeResult{
		Input:          map[string]interface{}{"operation": operation, "field": field},
		Output:         value,
		ContextUpdates: map[string]interface{}{field: value},
	}, nil
}

func appendValue(existing, item interface{}) []interface{} {
	switch list := existing.(type) {
	case nil:
		return []interface{}{item}
	case []interface{}:
		out := make([]interface{}, 0, len(list)+1)
		out = append(out, list...)
		return append(out, item)
	case []string:
		out := make([]interface{}, 0, len(list)+1)
		for _, s := range list {
			out = append(out, s)
		}
		return append(out, item)
	default:
		return []interface{}{existing, item}
	}
}

func (e *Executor) executeMemory(req Request) (*NodeResult, error) {
	cfg := configOf(req.Node)

	operation, err := cfg.requireStr("operation")
	if err != nil {
		return nil, err
	}

	vars := req.Vars.Map()
	key := template.ResolveString(cfg.str("key"), vars)

	memory := make(map[string]interface{})
	if current, ok := vars[domain.VarMemory].(map[string]interface{}); ok {
		for k, v := range current {
			memory[k] = v
		}
	}

	result := &NodeResult{
		Input:          map[string]interface{}{"operation": operation, "key": key},
		ContextUpdates: make(map[string]interface{}),
	}

	switch operation {
	case "store":
		if key == "" {
			return nil, domain.NewConfigurationError(req.Node.ID, `config "key" is required`, nil)
		}
		value := template.ResolveTyped(cfg.raw("value"), vars)
		memory[key] = value
		result.Output = value
		result.ContextUpdates[domain.VarMemory] = memory

	case "retrieve":
		if key == "" {
			return nil, domain.NewConfigurationError(req.Node.ID, `config "key" is required`, nil)
		}
		value, found := memory[key]
		result.Output = value
		result.Metadata = map[string]interface{}{"found": found}
		if field := cfg.str("field"); field != "" {
			result.ContextUpdates[field] = value
		}

	case "clear":
		if key == "" {
			memory = make(map[string]interface{})
		} else {
			delete(memory, key)
		}
		cleared := key
		if cleared == "" {
			cleared = "*"
		}
		result.Output = map[string]interface{}{"cleared": cleared}
		result.ContextUpdates[domain.VarMemory] = memory

	default:
		return nil, domain.NewConfigurationError(req.Node.ID, fmt.Sprintf("unknown memory operation %q", operation), nil)
	}

	return result, nil
}
