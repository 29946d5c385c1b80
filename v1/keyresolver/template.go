package keyresolver

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	wardenerrors "github.com/mirkobrombin/go-warden/v1/errors"
)

// segment is either a literal run of text or a placeholder reference.
type segment struct {
	literal string
	ref     *reference
}

// reference is a parsed placeholder: {name.Field}, {0}, {@bean.Field}.
type reference struct {
	raw      string
	bean     bool
	position int // -1 unless the root is positional
	root     string
	path     []string
}

type template struct {
	raw      string
	segments []segment
}

func parseError(raw, ref, reason string) error {
	return &wardenerrors.KeyResolutionError{Template: raw, Ref: ref, Reason: reason}
}

// parse splits raw into literals and references. "{{" and "}}" escape braces.
func parse(raw string) (*template, error) {
	t := &template{raw: raw}
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			t.segments = append(t.segments, segment{literal: lit.String()})
			lit.Reset()
		}
	}
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch c {
		case '{':
			if i+1 < len(raw) && raw[i+1] == '{' {
				lit.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(raw[i+1:], '}')
			if end < 0 {
				return nil, parseError(raw, "", fmt.Sprintf("unclosed placeholder at offset %d", i))
			}
			body := strings.TrimSpace(raw[i+1 : i+1+end])
			ref, err := parseReference(raw, body)
			if err != nil {
				return nil, err
			}
			flush()
			t.segments = append(t.segments, segment{ref: ref})
			i += end + 1
		case '}':
			if i+1 < len(raw) && raw[i+1] == '}' {
				lit.WriteByte('}')
				i++
				continue
			}
			return nil, parseError(raw, "", fmt.Sprintf("unexpected '}' at offset %d", i))
		default:
			lit.WriteByte(c)
		}
	}
	flush()
	return t, nil
}

func parseReference(raw, body string) (*reference, error) {
	if body == "" {
		return nil, parseError(raw, body, "empty placeholder")
	}
	ref := &reference{raw: body, position: -1}
	if strings.HasPrefix(body, "@") {
		ref.bean = true
		body = body[1:]
	}
	parts := strings.Split(body, ".")
	for _, p := range parts {
		if p == "" {
			return nil, parseError(raw, ref.raw, "empty path element")
		}
	}
	ref.root, ref.path = parts[0], parts[1:]
	if !ref.bean {
		if n, err := strconv.Atoi(ref.root); err == nil {
			if n < 0 {
				return nil, parseError(raw, ref.raw, "negative position")
			}
			ref.position = n
		}
	}
	return ref, nil
}

// render evaluates the template against an invocation and a bean registry.
func (t *template) render(inv Invocation, reg *Registry) (string, error) {
	var sb strings.Builder
	for _, s := range t.segments {
		if s.ref == nil {
			sb.WriteString(s.literal)
			continue
		}
		v, err := t.lookup(s.ref, inv, reg)
		if err != nil {
			return "", err
		}
		str, err := format(v)
		if err != nil {
			return "", parseError(t.raw, s.ref.raw, err.Error())
		}
		sb.WriteString(str)
	}
	return sb.String(), nil
}

func (t *template) lookup(ref *reference, inv Invocation, reg *Registry) (any, error) {
	var (
		root any
		ok   bool
	)
	switch {
	case ref.bean:
		if reg != nil {
			root, ok = reg.Lookup(ref.root)
		}
		if !ok {
			return nil, parseError(t.raw, ref.raw, fmt.Sprintf("no registered value named %q", ref.root))
		}
	case ref.position >= 0:
		root, ok = inv.Arg(ref.position)
		if !ok {
			return nil, parseError(t.raw, ref.raw, fmt.Sprintf("call has %d arguments", inv.Len()))
		}
	default:
		root, ok = inv.Lookup(ref.root)
		if !ok {
			return nil, parseError(t.raw, ref.raw, fmt.Sprintf("no parameter named %q", ref.root))
		}
	}
	v := root
	for _, name := range ref.path {
		next, err := field(v, name)
		if err != nil {
			return nil, parseError(t.raw, ref.raw, err.Error())
		}
		v = next
	}
	return v, nil
}

// field reads name from a struct (exported field), a string-keyed map or a
// slice/array (numeric index), following pointers and interfaces.
func field(v any, name string) (any, error) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, fmt.Errorf("nil value before %q", name)
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Struct:
		f, ok := rv.Type().FieldByName(name)
		if !ok {
			f, ok = rv.Type().FieldByNameFunc(func(n string) bool { return strings.EqualFold(n, name) })
		}
		if !ok || !f.IsExported() {
			return nil, fmt.Errorf("%s has no exported field %q", rv.Type(), name)
		}
		fv, err := rv.FieldByIndexErr(f.Index)
		if err != nil {
			return nil, fmt.Errorf("cannot read %q: %w", name, err)
		}
		if !fv.CanInterface() {
			return nil, fmt.Errorf("%s field %q is not accessible", rv.Type(), name)
		}
		return fv.Interface(), nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("%s is not keyed by string", rv.Type())
		}
		mv := rv.MapIndex(reflect.ValueOf(name).Convert(rv.Type().Key()))
		if !mv.IsValid() {
			return nil, fmt.Errorf("map has no key %q", name)
		}
		return mv.Interface(), nil
	case reflect.Slice, reflect.Array:
		i, err := strconv.Atoi(name)
		if err != nil || i < 0 || i >= rv.Len() {
			return nil, fmt.Errorf("index %q out of range for %s", name, rv.Type())
		}
		return rv.Index(i).Interface(), nil
	case reflect.Invalid:
		return nil, fmt.Errorf("nil value before %q", name)
	}
	return nil, fmt.Errorf("cannot read %q from %s", name, rv.Type())
}

func format(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", fmt.Errorf("nil value")
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case fmt.Stringer:
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Pointer && rv.IsNil() {
			return "", fmt.Errorf("nil value")
		}
		return x.String(), nil
	}
	rv := reflect.ValueOf(v)
	if (rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Map || rv.Kind() == reflect.Slice) && rv.IsNil() {
		return "", fmt.Errorf("nil value")
	}
	for rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	return fmt.Sprint(rv.Interface()), nil
}
