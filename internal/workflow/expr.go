package workflow

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types/ref"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	celEnvOnce sync.Once
	celEnv     *cel.Env
	celEnvErr  error
)

// env declares the two variables every expression can read: the run input
// and the outputs of earlier steps keyed by step id.
func env() (*cel.Env, error) {
	celEnvOnce.Do(func() {
		celEnv, celEnvErr = cel.NewEnv(
			cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
			cel.Variable("steps", cel.MapType(cel.StringType, cel.DynType)),
			cel.CrossTypeNumericComparisons(true),
		)
	})
	return celEnv, celEnvErr
}

// expression is a compiled CEL program.
type expression struct {
	source string
	prg    cel.Program
}

func compileExpr(src string) (*expression, error) {
	e, err := env()
	if err != nil {
		return nil, err
	}
	ast, iss := e.Compile(src)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", src, iss.Err())
	}
	prg, err := e.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", src, err)
	}
	return &expression{source: src, prg: prg}, nil
}

var jsonValueType = reflect.TypeOf(&structpb.Value{})

// eval runs the program and converts the result to JSON-native Go values
// (map[string]interface{}, []interface{}, float64, string, bool, nil).
func (x *expression) eval(vars map[string]interface{}) (interface{}, error) {
	out, _, err := x.prg.Eval(vars)
	if err != nil {
		return nil, fmt.Errorf("eval %q: %w", x.source, err)
	}
	return toNative(out)
}

func (x *expression) evalBool(vars map[string]interface{}) (bool, error) {
	v, err := x.eval(vars)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T, want bool", x.source, v)
	}
	return b, nil
}

func toNative(v ref.Val) (interface{}, error) {
	nv, err := v.ConvertToNative(jsonValueType)
	if err != nil {
		return nil, err
	}
	pv, ok := nv.(*structpb.Value)
	if !ok {
		return nil, fmt.Errorf("unexpected CEL conversion %T", nv)
	}
	return pv.AsInterface(), nil
}

// normalizeJSON converts arbitrary Go values into the JSON-native shapes CEL
// and the stores expect.
func normalizeJSON(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func normalizeMap(m map[string]interface{}) (map[string]interface{}, error) {
	if m == nil {
		return map[string]interface{}{}, nil
	}
	v, err := normalizeJSON(m)
	if err != nil {
		return nil, err
	}
	out, _ := v.(map[string]interface{})
	if out == nil {
		out = map[string]interface{}{}
	}
	return out, nil
}

// template is a compiled templated value. Strings of the form "${expr}" are
// replaced by the expression's typed value; strings that embed ${...} among
// other text are interpolated; maps and lists are rendered recursively.
type template struct {
	literal interface{}
	whole   *expression
	parts   []templatePart
	fields  map[string]*template
	items   []*template
}

type templatePart struct {
	text string
	expr *expression
}

func compileTemplate(v interface{}) (*template, error) {
	switch t := v.(type) {
	case string:
		return compileStringTemplate(t)
	case map[string]interface{}:
		out := &template{fields: make(map[string]*template, len(t))}
		for k, item := range t {
			c, err := compileTemplate(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out.fields[k] = c
		}
		return out, nil
	case []interface{}:
		out := &template{items: make([]*template, 0, len(t))}
		for i, item := range t {
			c, err := compileTemplate(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out.items = append(out.items, c)
		}
		return out, nil
	default:
		return &template{literal: v}, nil
	}
}

func compileStringTemplate(s string) (*template, error) {
	if !strings.Contains(s, "${") {
		return &template{literal: s}, nil
	}
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "${") && strings.HasSuffix(trimmed, "}") && strings.Count(trimmed, "${") == 1 {
		x, err := compileExpr(trimmed[2 : len(trimmed)-1])
		if err != nil {
			return nil, err
		}
		return &template{whole: x}, nil
	}
	var parts []templatePart
	rest := s
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			if rest != "" {
				parts = append(parts, templatePart{text: rest})
			}
			break
		}
		end := strings.Index(rest[start:], "}")
		if end < 0 {
			return nil, fmt.Errorf("unterminated ${ in %q", s)
		}
		if start > 0 {
			parts = append(parts, templatePart{text: rest[:start]})
		}
		x, err := compileExpr(rest[start+2 : start+end])
		if err != nil {
			return nil, err
		}
		parts = append(parts, templatePart{expr: x})
		rest = rest[start+end+1:]
	}
	return &template{parts: parts}, nil
}

func (t *template) render(vars map[string]interface{}) (interface{}, error) {
	switch {
	case t == nil:
		return nil, nil
	case t.whole != nil:
		return t.whole.eval(vars)
	case t.parts != nil:
		var b strings.Builder
		for _, p := range t.parts {
			if p.expr == nil {
				b.WriteString(p.text)
				continue
			}
			v, err := p.expr.eval(vars)
			if err != nil {
				return nil, err
			}
			b.WriteString(stringify(v))
		}
		return b.String(), nil
	case t.fields != nil:
		out := make(map[string]interface{}, len(t.fields))
		for k, f := range t.fields {
			v, err := f.render(vars)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	case t.items != nil:
		out := make([]interface{}, 0, len(t.items))
		for _, item := range t.items {
			v, err := item.render(vars)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	default:
		return t.literal, nil
	}
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		return fmt.Sprintf("%t", t)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}
