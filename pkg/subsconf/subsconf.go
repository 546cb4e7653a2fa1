// Package subsconf builds descriptors from a JSON file.
//
// Top-level descriptors name literal keys and paths. Dependent descriptors
// compute theirs with expr-lang expressions evaluated against the data that
// derives them:
//
//	{
//	  "descriptors": [{
//	    "key": "msgs",
//	    "mode": "list",
//	    "path": "chat/messages",
//	    "query": {"orderBy": "child", "child": "ts", "limitLast": 50},
//	    "childSubs": [{
//	      "key":  "'user_' + child.uid",
//	      "mode": "value",
//	      "path": "'users/' + child.uid",
//	      "when": "child.uid != nil"
//	    }]
//	  }]
//	}
//
// childSubs expressions see childKey and child. fieldSubs expressions see
// field and value. Expressions are compiled once; an expression that fails
// at run time is logged and yields no dependent.
package subsconf

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"

	"github.com/vango-dev/nest"
	"github.com/vango-dev/nest/internal/errors"
	"github.com/vango-dev/nest/pkg/remote"
)

// File is a descriptor file.
type File struct {
	Descriptors []Spec `json:"descriptors"`
}

// Spec declares one descriptor. In dependents Key, Path and When are
// expressions.
type Spec struct {
	Key       string      `json:"key"`
	Mode      string      `json:"mode"`
	Path      string      `json:"path"`
	Query     *QuerySpec  `json:"query,omitempty"`
	When      string      `json:"when,omitempty"`
	KeepSlot  bool        `json:"keepSlot,omitempty"`
	ChildSubs []Spec      `json:"childSubs,omitempty"`
	FieldSubs []FieldSpec `json:"fieldSubs,omitempty"`
}

// FieldSpec derives dependents from one field.
type FieldSpec struct {
	Field string `json:"field"`
	Subs  []Spec `json:"subs"`
}

// QuerySpec turns Path into an ordered or windowed query.
type QuerySpec struct {
	OrderBy    remote.OrderBy `json:"orderBy,omitempty"`
	Child      string         `json:"child,omitempty"`
	StartAt    any            `json:"startAt,omitempty"`
	EndAt      any            `json:"endAt,omitempty"`
	LimitFirst int            `json:"limitFirst,omitempty"`
	LimitLast  int            `json:"limitLast,omitempty"`
}

func (q *QuerySpec) query(path string) remote.Query {
	return remote.Query{
		Path:       path,
		OrderBy:    q.OrderBy,
		Child:      q.Child,
		StartAt:    q.StartAt,
		EndAt:      q.EndAt,
		LimitFirst: q.LimitFirst,
		LimitLast:  q.LimitLast,
	}
}

// Parse decodes a descriptor file.
func Parse(b []byte) (*File, error) {
	var f File
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, errors.New("N103").Wrap(err)
	}
	return &f, nil
}

// LoadFile reads and decodes a descriptor file.
func LoadFile(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New("N103").WithPath(path).Wrap(err)
	}
	f, err := Parse(b)
	if err != nil {
		return nil, errors.FromError(err, "N103").WithPath(path)
	}
	return f, nil
}

// Option configures Compile.
type Option func(*compiler)

// WithLogger sets the logger for expression failures.
// Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *compiler) {
		c.logger = l
	}
}

// Compile builds the top-level descriptors of f.
func Compile(f *File, opts ...Option) ([]nest.Descriptor, error) {
	c := &compiler{logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}

	descs := make([]nest.Descriptor, 0, len(f.Descriptors))
	for i, spec := range f.Descriptors {
		where := fmt.Sprintf("descriptors[%d]", i)
		if spec.Key == "" || spec.Path == "" {
			return nil, errors.New("N103").WithDetail(where + ": key and path are required")
		}
		if spec.When != "" {
			return nil, errors.New("N103").WithDetail(where + ": when is only valid in dependents")
		}
		t, err := c.template(spec, where, false)
		if err != nil {
			return nil, err
		}
		descs = append(descs, c.instance(t, spec.Key, spec.Path))
	}
	return descs, nil
}

type compiler struct {
	logger *slog.Logger
}

// template is a compiled Spec.
type template struct {
	where    string
	spec     Spec
	mode     nest.Mode
	key      *exprvm.Program
	path     *exprvm.Program
	when     *exprvm.Program
	children []*template
	fields   []fieldTemplate
}

type fieldTemplate struct {
	field string
	subs  []*template
}

func parseMode(s string) (nest.Mode, bool) {
	switch s {
	case "value":
		return nest.AsValue, true
	case "list":
		return nest.AsList, true
	}
	return 0, false
}

func (c *compiler) template(spec Spec, where string, dependent bool) (*template, error) {
	mode, ok := parseMode(spec.Mode)
	if !ok {
		return nil, errors.New("N103").WithDetail(fmt.Sprintf("%s: mode must be value or list, got %q", where, spec.Mode))
	}
	t := &template{where: where, spec: spec, mode: mode}

	if dependent {
		var err error
		if t.key, err = compileExpr(spec.Key, where+".key", false); err != nil {
			return nil, err
		}
		if t.path, err = compileExpr(spec.Path, where+".path", false); err != nil {
			return nil, err
		}
		if spec.When != "" {
			if t.when, err = compileExpr(spec.When, where+".when", true); err != nil {
				return nil, err
			}
		}
	}

	for i, child := range spec.ChildSubs {
		ct, err := c.template(child, fmt.Sprintf("%s.childSubs[%d]", where, i), true)
		if err != nil {
			return nil, err
		}
		t.children = append(t.children, ct)
	}
	for i, fs := range spec.FieldSubs {
		if fs.Field == "" {
			return nil, errors.New("N103").WithDetail(fmt.Sprintf("%s.fieldSubs[%d]: field is required", where, i))
		}
		ft := fieldTemplate{field: fs.Field}
		for j, sub := range fs.Subs {
			st, err := c.template(sub, fmt.Sprintf("%s.fieldSubs[%d].subs[%d]", where, i, j), true)
			if err != nil {
				return nil, err
			}
			ft.subs = append(ft.subs, st)
		}
		t.fields = append(t.fields, ft)
	}
	return t, nil
}

func compileExpr(src, where string, predicate bool) (*exprvm.Program, error) {
	if src == "" {
		return nil, errors.New("N103").WithDetail(where + ": expression must not be empty")
	}
	options := []exprlang.Option{
		exprlang.Env(map[string]any{}),
		exprlang.AllowUndefinedVariables(),
	}
	if predicate {
		options = append(options, exprlang.AsBool())
	}
	program, err := exprlang.Compile(src, options...)
	if err != nil {
		return nil, errors.New("N103").WithDetail(where).Wrap(err)
	}
	return program, nil
}

// instance builds the descriptor of t for an evaluated key and path.
func (c *compiler) instance(t *template, key, path string) nest.Descriptor {
	d := nest.Descriptor{Key: key, Mode: t.mode, KeepSlot: t.spec.KeepSlot}
	if t.spec.Query != nil {
		q := t.spec.Query.query(path)
		d.Query = func() remote.Query { return q }
	} else {
		d.Path = path
	}

	if children := t.children; len(children) > 0 {
		d.ChildSubs = func(childKey string, child any) []nest.Descriptor {
			return c.expand(children, map[string]any{"childKey": childKey, "child": child})
		}
	}
	for _, ft := range t.fields {
		d.FieldSubs = append(d.FieldSubs, nest.FieldSub{
			Field: ft.field,
			Subs: func(v any) []nest.Descriptor {
				return c.expand(ft.subs, map[string]any{"field": ft.field, "value": v})
			},
		})
	}
	return d
}

// expand evaluates dependent templates against env.
func (c *compiler) expand(ts []*template, env map[string]any) []nest.Descriptor {
	var out []nest.Descriptor
	for _, t := range ts {
		if t.when != nil {
			ok, err := exprlang.Run(t.when, env)
			if err != nil {
				c.logger.Warn("descriptor expression failed", "at", t.where+".when", "error", err)
				continue
			}
			if pass, _ := ok.(bool); !pass {
				continue
			}
		}
		key, err := runString(t.key, env)
		if err != nil {
			c.logger.Warn("descriptor expression failed", "at", t.where+".key", "error", err)
			continue
		}
		path, err := runString(t.path, env)
		if err != nil {
			c.logger.Warn("descriptor expression failed", "at", t.where+".path", "error", err)
			continue
		}
		out = append(out, c.instance(t, key, path))
	}
	return out
}

func runString(p *exprvm.Program, env map[string]any) (string, error) {
	v, err := exprlang.Run(p, env)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("expression returned %T %v, want a non-empty string", v, v)
	}
	return s, nil
}
