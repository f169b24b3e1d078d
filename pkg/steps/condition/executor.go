// Package condition executes condition steps: one comparator evaluated
// against a namespaced field of the run context. The boolean outcome and the
// advisory trueStep/falseStep hints are returned as data; the sequential
// loop does not branch on them.
package condition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/nuvoh/runway/pkg/models"
	"github.com/nuvoh/runway/pkg/template"
)

var (
	// ErrConditionMissing is returned when the step carries no condition
	// parameter.
	ErrConditionMissing = errors.New("condition step requires a condition parameter")
	// ErrFieldMissing is returned when the condition names no field.
	ErrFieldMissing = errors.New("condition requires a field")
	// ErrUnknownOperator is returned for a comparator outside the fixed set.
	ErrUnknownOperator = errors.New("unknown condition operator")
	// ErrNotComparable is returned when an ordering comparator receives
	// non-numeric operands.
	ErrNotComparable = errors.New("operands are not comparable")
)

var operators = map[string]bool{
	"equals":       true,
	"not_equals":   true,
	"greater_than": true,
	"less_than":    true,
	"contains":     true,
	"exists":       true,
	"not_exists":   true,
}

// Executor evaluates condition steps.
type Executor struct{}

func NewExecutor() *Executor {
	return &Executor{}
}

func (e *Executor) Kind() models.StepKind {
	return models.StepKindCondition
}

func (e *Executor) Validate(step *models.Step) error {
	spec, ok := step.Parameters["condition"].(map[string]any)
	if !ok {
		return ErrConditionMissing
	}

	field, _ := spec["field"].(string)
	if field == "" {
		return ErrFieldMissing
	}

	operator, _ := spec["operator"].(string)
	if !operators[operator] {
		return fmt.Errorf("%w: %q", ErrUnknownOperator, operator)
	}

	return nil
}

func (e *Executor) Execute(ctx context.Context, step *models.Step, execCtx *models.ExecutionContext, _ int, logger *slog.Logger) (any, error) {
	spec, ok := step.Parameters["condition"].(map[string]any)
	if !ok {
		return nil, ErrConditionMissing
	}

	field, _ := spec["field"].(string)
	operator, _ := spec["operator"].(string)
	expected := template.RenderValue(spec["value"], execCtx)

	actual, found := resolveField(field, execCtx)

	result, err := Evaluate(operator, actual, found, expected)
	if err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "Condition evaluated",
		"module", "condition_executor",
		"field", field,
		"operator", operator,
		"result", result,
	)

	return map[string]any{
		"result":    result,
		"field":     field,
		"operator":  operator,
		"trueStep":  spec["trueStep"],
		"falseStep": spec["falseStep"],
	}, nil
}

// resolveField resolves a namespaced dotted field ("step.1.data.status",
// "global.region", "param.mode") against the run context. A field containing
// placeholder syntax is rendered instead.
func resolveField(field string, execCtx *models.ExecutionContext) (any, bool) {
	if strings.Contains(field, "{{") {
		rendered := template.Render(field, execCtx)

		return rendered, rendered != field
	}

	namespace, path, ok := strings.Cut(field, ".")
	if !ok {
		return nil, false
	}

	return template.Lookup(namespace, path, execCtx)
}

// Evaluate applies one comparator. The found flag reports whether the field
// resolved at all, which is what exists/not_exists inspect.
func Evaluate(operator string, actual any, found bool, expected any) (bool, error) {
	switch operator {
	case "equals":
		return equal(actual, expected), nil
	case "not_equals":
		return !equal(actual, expected), nil
	case "greater_than":
		left, right, err := numericPair(actual, expected)
		if err != nil {
			return false, err
		}

		return left > right, nil
	case "less_than":
		left, right, err := numericPair(actual, expected)
		if err != nil {
			return false, err
		}

		return left < right, nil
	case "contains":
		return contains(actual, expected), nil
	case "exists":
		return found && actual != nil, nil
	case "not_exists":
		return !found || actual == nil, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownOperator, operator)
	}
}

func equal(actual, expected any) bool {
	if left, right, err := numericPair(actual, expected); err == nil {
		return left == right
	}

	if reflect.DeepEqual(actual, expected) {
		return true
	}

	return fmt.Sprintf("%v", actual) == fmt.Sprintf("%v", expected)
}

func contains(actual, expected any) bool {
	switch haystack := actual.(type) {
	case string:
		return strings.Contains(haystack, fmt.Sprintf("%v", expected))
	case []any:
		for _, item := range haystack {
			if equal(item, expected) {
				return true
			}
		}

		return false
	case map[string]any:
		_, ok := haystack[fmt.Sprintf("%v", expected)]

		return ok
	default:
		return false
	}
}

func numericPair(actual, expected any) (float64, float64, error) {
	left, ok := toFloat(actual)
	if !ok {
		return 0, 0, fmt.Errorf("%w: %v", ErrNotComparable, actual)
	}

	right, ok := toFloat(expected)
	if !ok {
		return 0, 0, fmt.Errorf("%w: %v", ErrNotComparable, expected)
	}

	return left, right, nil
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	default:
		return 0, false
	}
}
