package remote

import (
	"fmt"
	"sort"
	"strings"
)

// OrderBy selects the ordering of a query.
type OrderBy int

const (
	OrderByKey OrderBy = iota
	OrderByChild
	OrderByValue
)

// String returns the wire name of the ordering.
func (o OrderBy) String() string {
	switch o {
	case OrderByChild:
		return "child"
	case OrderByValue:
		return "value"
	default:
		return "key"
	}
}

// MarshalText encodes the ordering by name.
func (o OrderBy) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText decodes an ordering name.
func (o *OrderBy) UnmarshalText(b []byte) error {
	v, err := ParseOrderBy(string(b))
	if err != nil {
		return err
	}
	*o = v
	return nil
}

// ParseOrderBy is the inverse of OrderBy.String; the empty string means key.
func ParseOrderBy(s string) (OrderBy, error) {
	switch s {
	case "", "key":
		return OrderByKey, nil
	case "child":
		return OrderByChild, nil
	case "value":
		return OrderByValue, nil
	}
	return 0, fmt.Errorf("remote: unknown ordering %q", s)
}

// Query locates data. The zero ordering with no bounds reads the whole path.
type Query struct {
	Path       string  `json:"path"`
	OrderBy    OrderBy `json:"orderBy,omitempty"`
	Child      string  `json:"child,omitempty"`
	StartAt    any     `json:"startAt,omitempty"`
	EndAt      any     `json:"endAt,omitempty"`
	LimitFirst int     `json:"limitFirst,omitempty"`
	LimitLast  int     `json:"limitLast,omitempty"`
}

// Ref returns a query for the whole value at path.
func Ref(path string) Query {
	return Query{Path: CleanPath(path)}
}

// OrderByChildKey orders children by the value of a named child field.
func (q Query) OrderByChildKey(child string) Query {
	q.OrderBy = OrderByChild
	q.Child = child
	return q
}

// First limits the result to the first n children.
func (q Query) First(n int) Query {
	q.LimitFirst = n
	q.LimitLast = 0
	return q
}

// Last limits the result to the last n children.
func (q Query) Last(n int) Query {
	q.LimitLast = n
	q.LimitFirst = 0
	return q
}

// Between sets inclusive cursor bounds on the ordering value.
func (q Query) Between(start, end any) Query {
	q.StartAt = start
	q.EndAt = end
	return q
}

// Filtered reports whether the query narrows the children of its path.
func (q Query) Filtered() bool {
	return q.OrderBy != OrderByKey || q.StartAt != nil || q.EndAt != nil || q.LimitFirst > 0 || q.LimitLast > 0
}

// String renders the query for logs and graph labels.
func (q Query) String() string {
	if !q.Filtered() {
		return "/" + q.Path
	}
	var b strings.Builder
	b.WriteString("/" + q.Path + "?orderBy=" + q.OrderBy.String())
	if q.OrderBy == OrderByChild {
		b.WriteString("(" + q.Child + ")")
	}
	if q.StartAt != nil {
		fmt.Fprintf(&b, "&startAt=%v", q.StartAt)
	}
	if q.EndAt != nil {
		fmt.Fprintf(&b, "&endAt=%v", q.EndAt)
	}
	if q.LimitFirst > 0 {
		fmt.Fprintf(&b, "&limitFirst=%d", q.LimitFirst)
	}
	if q.LimitLast > 0 {
		fmt.Fprintf(&b, "&limitLast=%d", q.LimitLast)
	}
	return b.String()
}

// Apply evaluates the query against value, the data stored at q.Path, and
// returns the selected value with its child order.
func (q Query) Apply(value any) (any, []string) {
	obj, ok := value.(map[string]any)
	if !ok {
		return value, nil
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.SliceStable(keys, func(i, j int) bool {
		return q.less(keys[i], obj[keys[i]], keys[j], obj[keys[j]])
	})

	filtered := keys[:0]
	for _, k := range keys {
		ov := q.orderValue(k, obj[k])
		if q.StartAt != nil && Compare(ov, q.StartAt) < 0 {
			continue
		}
		if q.EndAt != nil && Compare(ov, q.EndAt) > 0 {
			continue
		}
		filtered = append(filtered, k)
	}
	if q.LimitFirst > 0 && len(filtered) > q.LimitFirst {
		filtered = filtered[:q.LimitFirst]
	}
	if q.LimitLast > 0 && len(filtered) > q.LimitLast {
		filtered = filtered[len(filtered)-q.LimitLast:]
	}
	if len(filtered) == 0 {
		return nil, nil
	}

	out := make(map[string]any, len(filtered))
	for _, k := range filtered {
		out[k] = obj[k]
	}
	order := append([]string(nil), filtered...)
	return out, order
}

func (q Query) orderValue(key string, v any) any {
	switch q.OrderBy {
	case OrderByChild:
		if m, ok := v.(map[string]any); ok {
			return m[q.Child]
		}
		return nil
	case OrderByValue:
		return v
	default:
		return key
	}
}

func (q Query) less(ki string, vi any, kj string, vj any) bool {
	c := Compare(q.orderValue(ki, vi), q.orderValue(kj, vj))
	if c != 0 {
		return c < 0
	}
	return ki < kj
}

// Compare orders JSON-like values: nil < false < true < numbers < strings <
// objects. Objects compare equal to each other.
func Compare(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch av := a.(type) {
	case bool:
		bv := b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		default:
			return 1
		}
	case string:
		return strings.Compare(av, b.(string))
	}
	if fa, ok := toFloat(a); ok {
		fb, _ := toFloat(b)
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
	switch v := v.(type) {
	case nil:
		return 0
	case bool:
		if v {
			return 2
		}
		return 1
	case string:
		return 4
	case map[string]any:
		return 5
	}
	if _, ok := toFloat(v); ok {
		return 3
	}
	return 5
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
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
