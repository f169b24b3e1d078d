// Package transform executes data transform steps: map, filter, and
// aggregate over an input drawn from an earlier step's result, a global
// variable, or literal data. Transforms are deterministic and never retried.
package transform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nuvoh/runway/pkg/models"
	"github.com/nuvoh/runway/pkg/steps/condition"
	"github.com/nuvoh/runway/pkg/template"
)

var (
	// ErrUnknownOperation is returned for an operation outside
	// map/filter/aggregate.
	ErrUnknownOperation = errors.New("unknown transform operation")
	// ErrInputMissing is returned when no input source resolves.
	ErrInputMissing = errors.New("transform step has no input data")
	// ErrInputNotList is returned when the input is not a list.
	ErrInputNotList = errors.New("transform input must be a list")
	// ErrUnknownAggregate is returned for an aggregate function outside
	// sum/count/average.
	ErrUnknownAggregate = errors.New("unknown aggregate function")
)

// Executor performs data transform steps.
type Executor struct{}

func NewExecutor() *Executor {
	return &Executor{}
}

func (e *Executor) Kind() models.StepKind {
	return models.StepKindDataTransform
}

func (e *Executor) Validate(step *models.Step) error {
	operation, _ := step.Parameters["operation"].(string)
	if !models.TransformOperations[operation] {
		return fmt.Errorf("%w: %q", ErrUnknownOperation, operation)
	}

	if operation == "aggregate" {
		function, _ := step.Parameters["function"].(string)
		switch function {
		case "sum", "count", "average":
		default:
			return fmt.Errorf("%w: %q", ErrUnknownAggregate, function)
		}
	}

	return nil
}

func (e *Executor) Execute(ctx context.Context, step *models.Step, execCtx *models.ExecutionContext, _ int, logger *slog.Logger) (any, error) {
	logger = logger.With("module", "transform_executor")

	operation, _ := step.Parameters["operation"].(string)

	input, err := resolveInput(step, execCtx)
	if err != nil {
		return nil, err
	}

	items, ok := input.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrInputNotList, input)
	}

	logger.InfoContext(ctx, "Executing transform", "operation", operation, "items", len(items))

	switch operation {
	case "map":
		return mapItems(items, step)
	case "filter":
		return filterItems(items, step)
	case "aggregate":
		return aggregateItems(items, step)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, operation)
	}
}

// resolveInput picks the input source: input.step addresses an earlier
// step's result data, input.global a global variable, input.data (or a
// top-level data parameter) literal data with placeholders rendered.
func resolveInput(step *models.Step, execCtx *models.ExecutionContext) (any, error) {
	if input, ok := step.Parameters["input"].(map[string]any); ok {
		if rawOrder, ok := input["step"]; ok {
			order, ok := toInt(rawOrder)
			if !ok {
				return nil, fmt.Errorf("%w: invalid step order %v", ErrInputMissing, rawOrder)
			}

			result, ok := execCtx.StepResults[order]
			if !ok {
				return nil, fmt.Errorf("%w: no result for step %d", ErrInputMissing, order)
			}

			return result.Data, nil
		}

		if name, ok := input["global"].(string); ok {
			value, ok := execCtx.GlobalVariables[name]
			if !ok {
				return nil, fmt.Errorf("%w: no global variable %q", ErrInputMissing, name)
			}

			return value, nil
		}

		if data, ok := input["data"]; ok {
			return template.RenderValue(data, execCtx), nil
		}
	}

	if data, ok := step.Parameters["data"]; ok {
		return template.RenderValue(data, execCtx), nil
	}

	return nil, ErrInputMissing
}

// mapItems projects each item through the fields mapping: output field name
// to a dotted path inside the item. Without a mapping items pass through
// unchanged.
func mapItems(items []any, step *models.Step) (any, error) {
	fields, ok := step.Parameters["fields"].(map[string]any)
	if !ok || len(fields) == 0 {
		return items, nil
	}

	mapped := make([]any, 0, len(items))

	for _, item := range items {
		projected := make(map[string]any, len(fields))

		for name, rawPath := range fields {
			path, ok := rawPath.(string)
			if !ok {
				continue
			}

			if value, found := template.Traverse(item, path); found {
				projected[name] = value
			}
		}

		mapped = append(mapped, projected)
	}

	return mapped, nil
}

// filterItems keeps items whose field satisfies the comparator.
func filterItems(items []any, step *models.Step) (any, error) {
	field, _ := step.Parameters["field"].(string)
	operator, _ := step.Parameters["operator"].(string)
	expected := step.Parameters["value"]

	if operator == "" {
		operator = "exists"
	}

	filtered := make([]any, 0, len(items))

	for _, item := range items {
		actual, found := item, true
		if field != "" {
			actual, found = template.Traverse(item, field)
		}

		keep, err := condition.Evaluate(operator, actual, found, expected)
		if err != nil {
			return nil, fmt.Errorf("filter failed: %w", err)
		}

		if keep {
			filtered = append(filtered, item)
		}
	}

	return filtered, nil
}

// aggregateItems folds the items into one number. The optional field names
// the numeric value inside each item; count needs no field.
func aggregateItems(items []any, step *models.Step) (any, error) {
	function, _ := step.Parameters["function"].(string)
	field, _ := step.Parameters["field"].(string)

	if function == "count" {
		return float64(len(items)), nil
	}

	sum := 0.0
	counted := 0

	for _, item := range items {
		value := item
		if field != "" {
			resolved, found := template.Traverse(item, field)
			if !found {
				continue
			}

			value = resolved
		}

		number, ok := toFloat(value)
		if !ok {
			return nil, fmt.Errorf("%w: non-numeric value %v", condition.ErrNotComparable, value)
		}

		sum += number
		counted++
	}

	switch function {
	case "sum":
		return sum, nil
	case "average":
		if counted == 0 {
			return 0.0, nil
		}

		return sum / float64(counted), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAggregate, function)
	}
}

func toInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	case int64:
		return int(v), true
	default:
		return 0, false
	}
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
