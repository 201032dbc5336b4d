package server

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"unicode"
)

type methodType struct {
	method reflect.Method
	path   string
}

type service struct {
	prefix string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType // keyed by path
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	paramsType  = reflect.TypeOf([]any(nil))
	anyType     = reflect.TypeOf((*any)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// newService scans rcvr for handler methods and mounts them under prefix.
func newService(prefix string, rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("rpc: rcvr must be a pointer, got %T", rcvr)
	}
	prefix = "/" + strings.Trim(prefix, "/")
	if prefix == "/" {
		prefix = ""
	}

	s := &service{
		prefix: prefix,
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	s.registerMethods()
	if len(s.method) == 0 {
		return nil, fmt.Errorf("rpc: %T has no handler methods", rcvr)
	}
	return s, nil
}

// registerMethods keeps the exported methods shaped like
// (receiver, context.Context, []any) (any, error).
func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.NumIn() != 3 || mt.NumOut() != 2 ||
			mt.In(1) != contextType || mt.In(2) != paramsType ||
			mt.Out(0) != anyType || mt.Out(1) != errorType {
			continue
		}
		path := s.prefix + "/" + snakeCase(method.Name)
		s.method[path] = &methodType{method: method, path: path}
	}
}

func (s *service) handler(m *methodType) HandlerFunc {
	return func(ctx context.Context, params []any) (any, error) {
		return s.call(m, ctx, params)
	}
}

func (s *service) call(m *methodType, ctx context.Context, params []any) (any, error) {
	args := [3]reflect.Value{s.rcvr, reflect.ValueOf(ctx), reflect.ValueOf(params)}
	results := m.method.Func.Call(args[:])
	var err error
	if !results[1].IsNil() {
		err = results[1].Interface().(error)
	}
	return results[0].Interface(), err
}

// snakeCase turns a Go method name into a path segment: GetNodeID → get_node_id.
func snakeCase(name string) string {
	runes := []rune(name)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}
