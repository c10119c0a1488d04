package executor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/meridianhq/meridian/internal/workflow"
)

// applyTransform runs a declarative transform over a step's data.
func applyTransform(spec *workflow.TransformSpec, data any) (any, error) {
	if spec == nil {
		return data, nil
	}
	switch spec.Type {
	case workflow.TransformFilter:
		return transformFilter(spec, asRows(data))
	case workflow.TransformMap:
		return transformMap(spec.Fields, asRows(data)), nil
	case workflow.TransformMerge:
		return transformMerge(asRows(data)), nil
	case workflow.TransformFlatten:
		return transformFlatten(data), nil
	default:
		return nil, fmt.Errorf("unknown transform type %q", spec.Type)
	}
}

// asRows coerces step data into a row slice; scalar data becomes one row.
func asRows(data any) []any {
	if rows, ok := data.([]any); ok {
		return rows
	}
	if data == nil {
		return nil
	}
	return []any{data}
}

func transformFilter(spec *workflow.TransformSpec, rows []any) ([]any, error) {
	out := make([]any, 0, len(rows))
	for _, row := range rows {
		item, ok := row.(map[string]any)
		if !ok {
			continue
		}
		match, err := matchesFilter(spec.Op, item[spec.Field], spec.Value)
		if err != nil {
			return nil, fmt.Errorf("filter on %q: %w", spec.Field, err)
		}
		if match {
			out = append(out, row)
		}
	}
	return out, nil
}

func matchesFilter(op string, got, want any) (bool, error) {
	switch op {
	case "eq":
		return fmt.Sprintf("%v", got) == fmt.Sprintf("%v", want), nil
	case "neq":
		return fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want), nil
	case "contains":
		return strings.Contains(
			strings.ToLower(fmt.Sprintf("%v", got)),
			strings.ToLower(fmt.Sprintf("%v", want)),
		), nil
	case "gt", "gte", "lt", "lte":
		a, aok := toFloat(got)
		b, bok := toFloat(want)
		if !aok || !bok {
			return false, nil
		}
		switch op {
		case "gt":
			return a > b, nil
		case "gte":
			return a >= b, nil
		case "lt":
			return a < b, nil
		default:
			return a <= b, nil
		}
	default:
		return false, fmt.Errorf("unknown filter op %q", op)
	}
}

func transformMap(fields []string, rows []any) []any {
	out := make([]any, 0, len(rows))
	for _, row := range rows {
		item, ok := row.(map[string]any)
		if !ok {
			continue
		}
		projected := make(map[string]any, len(fields))
		for _, f := range fields {
			projected[f] = item[f]
		}
		out = append(out, projected)
	}
	return out
}

// transformMerge folds a slice of maps into one map; later rows win on
// key collisions.
func transformMerge(rows []any) map[string]any {
	merged := make(map[string]any)
	for _, row := range rows {
		item, ok := row.(map[string]any)
		if !ok {
			continue
		}
		for k, v := range item {
			merged[k] = v
		}
	}
	return merged
}

func transformFlatten(data any) []any {
	rows, ok := data.([]any)
	if !ok {
		return asRows(data)
	}
	out := make([]any, 0, len(rows))
	for _, row := range rows {
		if nested, ok := row.([]any); ok {
			out = append(out, nested...)
			continue
		}
		out = append(out, row)
	}
	return out
}

// applyAggregate reduces a step's rows to a scalar, or to a per-group map
// when group_by is set.
func applyAggregate(spec *workflow.AggregateSpec, data any) (any, error) {
	if spec == nil {
		return data, nil
	}
	rows := asRows(data)

	if spec.GroupBy == "" {
		return aggregateValues(spec.Op, fieldValues(rows, spec.Field))
	}

	groups := make(map[string][]float64)
	order := make([]string, 0)
	for _, row := range rows {
		item, ok := row.(map[string]any)
		if !ok {
			continue
		}
		key := fmt.Sprintf("%v", item[spec.GroupBy])
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		if v, ok := toFloat(item[spec.Field]); ok {
			groups[key] = append(groups[key], v)
		} else if spec.Op == workflow.AggregateCount {
			// count does not need a numeric field value
			groups[key] = append(groups[key], 0)
		}
	}

	out := make(map[string]any, len(groups))
	for _, key := range order {
		v, err := aggregateValues(spec.Op, groups[key])
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, nil
}

func fieldValues(rows []any, field string) []float64 {
	values := make([]float64, 0, len(rows))
	for _, row := range rows {
		item, ok := row.(map[string]any)
		if !ok {
			continue
		}
		if v, ok := toFloat(item[field]); ok {
			values = append(values, v)
		}
	}
	return values
}

func aggregateValues(op workflow.AggregateOp, values []float64) (any, error) {
	switch op {
	case workflow.AggregateCount:
		return len(values), nil
	case workflow.AggregateSum, workflow.AggregateAvg:
		var sum float64
		for _, v := range values {
			sum += v
		}
		if op == workflow.AggregateSum {
			return sum, nil
		}
		if len(values) == 0 {
			return 0.0, nil
		}
		return sum / float64(len(values)), nil
	case workflow.AggregateMin, workflow.AggregateMax:
		if len(values) == 0 {
			return nil, nil
		}
		best := values[0]
		for _, v := range values[1:] {
			if (op == workflow.AggregateMin && v < best) || (op == workflow.AggregateMax && v > best) {
				best = v
			}
		}
		return best, nil
	default:
		return nil, fmt.Errorf("unknown aggregate op %q", op)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
