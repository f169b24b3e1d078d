// Package template resolves parameter placeholders against a run's
// execution context. Supported namespaces:
//
//	{{step.<order>.<field>}}   a field of an earlier step's result
//	{{global.<name>}}          a global variable
//	{{param.<name>}}           a run parameter
//
// Placeholders that cannot be resolved pass through verbatim, so downstream
// systems can spot them instead of receiving empty strings.
package template

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/nuvoh/runway/pkg/models"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*(step|global|param)\.([^{}]+?)\s*\}\}`)

// Render substitutes every resolvable placeholder in input.
func Render(input string, execCtx *models.ExecutionContext) string {
	if execCtx == nil || !strings.Contains(input, "{{") {
		return input
	}

	return placeholderPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := placeholderPattern.FindStringSubmatch(match)
		namespace, path := groups[1], groups[2]

		value, ok := Lookup(namespace, path, execCtx)
		if !ok {
			return match
		}

		return stringify(value)
	})
}

// RenderValue renders strings recursively through maps and slices, leaving
// other values untouched.
func RenderValue(value any, execCtx *models.ExecutionContext) any {
	switch v := value.(type) {
	case string:
		return Render(v, execCtx)
	case map[string]any:
		rendered := make(map[string]any, len(v))
		for key, item := range v {
			rendered[key] = RenderValue(item, execCtx)
		}

		return rendered
	case []any:
		rendered := make([]any, len(v))
		for i, item := range v {
			rendered[i] = RenderValue(item, execCtx)
		}

		return rendered
	default:
		return value
	}
}

// Lookup resolves a namespaced dotted path against the execution context.
// The step namespace addresses a step result by order: the next segment may
// be one of the result's own attributes (success, error, data) or a field
// inside its data.
func Lookup(namespace, path string, execCtx *models.ExecutionContext) (any, bool) {
	switch namespace {
	case "step":
		return lookupStep(path, execCtx)
	case "global":
		return lookupPath(execCtx.GlobalVariables, path)
	case "param":
		return lookupPath(execCtx.Parameters, path)
	default:
		return nil, false
	}
}

func lookupStep(path string, execCtx *models.ExecutionContext) (any, bool) {
	order, rest, _ := strings.Cut(path, ".")

	stepOrder, err := strconv.Atoi(strings.TrimSpace(order))
	if err != nil {
		return nil, false
	}

	result, ok := execCtx.StepResults[stepOrder]
	if !ok {
		return nil, false
	}

	if rest == "" {
		return result.Data, true
	}

	field, remainder, _ := strings.Cut(rest, ".")
	switch field {
	case "success":
		return result.Success, remainder == ""
	case "error":
		return result.Error, remainder == ""
	case "data":
		if remainder == "" {
			return result.Data, true
		}

		return traverse(result.Data, remainder)
	default:
		return traverse(result.Data, rest)
	}
}

func lookupPath(root map[string]any, path string) (any, bool) {
	if root == nil {
		return nil, false
	}

	key, rest, _ := strings.Cut(path, ".")

	value, ok := root[strings.TrimSpace(key)]
	if !ok {
		return nil, false
	}

	if rest == "" {
		return value, true
	}

	return traverse(value, rest)
}

// Traverse walks a dotted path through nested maps and slices. Numeric
// segments index into slices.
func Traverse(value any, path string) (any, bool) {
	return traverse(value, path)
}

func traverse(value any, path string) (any, bool) {
	current := value

	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[segment]
			if !ok {
				return nil, false
			}

			current = next
		case []any:
			index, err := strconv.Atoi(segment)
			if err != nil || index < 0 || index >= len(node) {
				return nil, false
			}

			current = node[index]
		default:
			return nil, false
		}
	}

	return current, true
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
