// internal/websocket/router.go
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// Router maps RPC method names onto the exported methods of an app value.
// A method whose first parameter is a context.Context receives the call's
// context; clients do not send it.
type Router struct {
	app     interface{}
	methods map[string]reflect.Method
}

// NewRouter registers every exported method of app except those named in
// exclude
func NewRouter(app interface{}, exclude ...string) *Router {
	r := &Router{
		app:     app,
		methods: make(map[string]reflect.Method),
	}

	skip := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		skip[name] = true
	}

	appType := reflect.TypeOf(app)
	for i := 0; i < appType.NumMethod(); i++ {
		method := appType.Method(i)
		if method.IsExported() && !skip[method.Name] {
			r.methods[method.Name] = method
		}
	}

	return r
}

// Has reports whether name is a registered method
func (r *Router) Has(name string) bool {
	_, ok := r.methods[name]
	return ok
}

// Call invokes methodName with params
func (r *Router) Call(ctx context.Context, methodName string, params []interface{}) (interface{}, error) {
	method, ok := r.methods[methodName]
	if !ok {
		return nil, fmt.Errorf("method not found: %s", methodName)
	}

	methodType := method.Type
	first := 1 // skip receiver
	takesCtx := methodType.NumIn() > 1 && methodType.In(1) == contextType
	if takesCtx {
		first = 2
	}
	numIn := methodType.NumIn() - first

	if len(params) != numIn {
		return nil, fmt.Errorf("method %s expects %d params, got %d", methodName, numIn, len(params))
	}

	args := make([]reflect.Value, 0, methodType.NumIn())
	args = append(args, reflect.ValueOf(r.app))
	if takesCtx {
		args = append(args, reflect.ValueOf(ctx))
	}

	for i, param := range params {
		paramValue, err := convertParam(param, methodType.In(first+i))
		if err != nil {
			return nil, fmt.Errorf("param %d: %w", i, err)
		}
		args = append(args, paramValue)
	}

	return processResults(method.Func.Call(args))
}

// convertParam converts a JSON-decoded value to targetType
func convertParam(param interface{}, targetType reflect.Type) (reflect.Value, error) {
	if param == nil {
		return reflect.Zero(targetType), nil
	}

	paramValue := reflect.ValueOf(param)

	if paramValue.Type().AssignableTo(targetType) {
		return paramValue, nil
	}

	// JSON numbers decode as float64
	if paramValue.Kind() == reflect.Float64 {
		f := param.(float64)
		switch targetType.Kind() {
		case reflect.Int, reflect.Int64, reflect.Int32:
			if f != float64(int64(f)) {
				return reflect.Value{}, fmt.Errorf("%v is not an integer", f)
			}
			return reflect.ValueOf(int64(f)).Convert(targetType), nil
		case reflect.Uint, reflect.Uint64, reflect.Uint32:
			if f < 0 || f != float64(uint64(f)) {
				return reflect.Value{}, fmt.Errorf("%v is not an unsigned integer", f)
			}
			return reflect.ValueOf(uint64(f)).Convert(targetType), nil
		}
	}

	// Composite values round-trip through JSON into the target type
	switch paramValue.Kind() {
	case reflect.Slice, reflect.Map:
		data, err := json.Marshal(param)
		if err != nil {
			return reflect.Value{}, err
		}
		target := reflect.New(targetType)
		if err := json.Unmarshal(data, target.Interface()); err != nil {
			return reflect.Value{}, fmt.Errorf("cannot convert %T to %s: %w", param, targetType, err)
		}
		return target.Elem(), nil
	}

	if paramValue.Type().ConvertibleTo(targetType) && paramValue.Kind() == targetType.Kind() {
		return paramValue.Convert(targetType), nil
	}

	return reflect.Value{}, fmt.Errorf("cannot convert %T to %s", param, targetType)
}

// processResults maps return values to (result, error)
func processResults(results []reflect.Value) (interface{}, error) {
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		if results[0].Type().Implements(errorType) {
			if !results[0].IsNil() {
				return nil, results[0].Interface().(error)
			}
			return nil, nil
		}
		return results[0].Interface(), nil
	case 2:
		if !results[1].IsNil() {
			return nil, results[1].Interface().(error)
		}
		return results[0].Interface(), nil
	default:
		var result []interface{}
		for i := 0; i < len(results)-1; i++ {
			result = append(result, results[i].Interface())
		}
		last := results[len(results)-1]
		if last.Type().Implements(errorType) && !last.IsNil() {
			return nil, last.Interface().(error)
		}
		return result, nil
	}
}
