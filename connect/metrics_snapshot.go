package connect

import "github.com/posthog/duckconnect/engine"

// RootParentID is the Parent of the root MetricObject. Planner ids start at
// 0, so the root needs a value no operator can have.
const RootParentID int64 = -1

// BuildMetrics flattens the metrics of the operator tree under root into one
// object per real operator, depth first. Adaptive and query stage wrappers
// emit nothing; their current plan is visited in their place. The root
// object's Parent is RootParentID.
func BuildMetrics(root engine.Operator) []MetricObject {
	var out []MetricObject
	var visit func(op engine.Operator, parent int64)
	visit = func(op engine.Operator, parent int64) {
		if op == nil {
			return
		}
		switch n := op.(type) {
		case *engine.AdaptiveExec:
			visit(n.CurrentPlan(), parent)
			return
		case *engine.QueryStageExec:
			visit(n.Plan(), parent)
			return
		}
		id := int64(op.ID())
		out = append(out, metricObject(op, parent))
		for _, child := range op.Children() {
			visit(child, id)
		}
	}
	visit(root, RootParentID)
	return out
}

func metricObject(op engine.Operator, parent int64) MetricObject {
	values := make(map[string]MetricValue)
	if set := op.Metrics(); set != nil {
		set.Each(func(key string, m *engine.Metric) {
			values[key] = MetricValue{Name: m.Name, Value: m.Value(), MetricType: string(m.Type)}
		})
	}
	return MetricObject{
		Name:             op.Name(),
		PlanID:           int64(op.ID()),
		Parent:           parent,
		ExecutionMetrics: values,
	}
}
