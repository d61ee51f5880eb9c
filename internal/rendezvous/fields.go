package rendezvous

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// normalize converts arbitrary data into plain JSON values so stored fields
// look the same whether they came from a struct, a map, or the wire.
func normalize(data any) (map[string]any, error) {
	if data == nil {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("fields must be an object: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// resolveTimestamps replaces ServerTimestamp sentinels, including nested ones.
func resolveTimestamps(fields map[string]any, now time.Time) {
	ms := float64(now.UnixMilli())
	for k, v := range fields {
		switch x := v.(type) {
		case string:
			if x == ServerTimestamp {
				fields[k] = ms
			}
		case map[string]any:
			resolveTimestamps(x, now)
		}
	}
}

func cloneFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if m, ok := v.(map[string]any); ok {
			out[k] = cloneFields(m)
			continue
		}
		out[k] = v
	}
	return out
}

func matches(fields map[string]any, where []Filter) bool {
	for _, f := range where {
		v, ok := fields[f.Field]
		if !ok || compareValues(v, f.Value) != 0 {
			return false
		}
	}
	return true
}

// compareValues orders JSON values: nil < bool < number < string. Missing
// order fields compare as nil in sortDocs but are placed last there.
func compareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch x := a.(type) {
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	case float64:
		y := toFloat(b)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case string:
		y := b.(string)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	}
	if ra == 2 {
		fa, fb := toFloat(a), toFloat(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
	}
	return 0
}

func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64, float32, int, int64, int32, uint, uint64, uint32:
		return 2
	case string:
		return 3
	}
	return 4
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case int32:
		return float64(x)
	case uint:
		return float64(x)
	case uint64:
		return float64(x)
	case uint32:
		return float64(x)
	}
	return 0
}

type storedDoc struct {
	doc Document
	seq int64 // creation order, tie-breaker
	rev int64 // bumped on every write
}

// runQuery filters, orders and limits docs. Documents missing the order
// field sort after all others, as if their value were still pending.
func runQuery(all []*storedDoc, q Query) []*storedDoc {
	out := make([]*storedDoc, 0, len(all))
	for _, d := range all {
		if matches(d.doc.Fields, q.Where) {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if q.OrderBy != "" {
			va, oka := a.doc.Fields[q.OrderBy]
			vb, okb := b.doc.Fields[q.OrderBy]
			switch {
			case oka && !okb:
				return !q.Desc
			case !oka && okb:
				return q.Desc
			case oka && okb:
				if c := compareValues(va, vb); c != 0 {
					if q.Desc {
						return c > 0
					}
					return c < 0
				}
			}
		}
		if q.Desc {
			return a.seq > b.seq
		}
		return a.seq < b.seq
	})
	if q.Limit > 0 && len(out) > q.Limit {
		if q.LimitToLast {
			out = out[len(out)-q.Limit:]
		} else {
			out = out[:q.Limit]
		}
	}
	return out
}
