package catalog

import (
	"reflect"
	"strings"
)

// ParamSpec describes one action parameter.
type ParamSpec struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Rules string `json:"rules,omitempty"`
}

func describeParams(t reflect.Type) []ParamSpec {
	if t == nil || t.Kind() != reflect.Struct {
		return nil
	}
	specs := make([]ParamSpec, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		name := jsonName(sf)
		if name == "" || !sf.IsExported() {
			continue
		}
		specs = append(specs, ParamSpec{
			Name:  name,
			Type:  typeName(sf.Type),
			Rules: sf.Tag.Get("validate"),
		})
	}
	return specs
}

func typeName(t reflect.Type) string {
	switch t.Kind() {
	case reflect.Pointer:
		return typeName(t.Elem())
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "boolean"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Slice:
		return "array<" + typeName(t.Elem()) + ">"
	case reflect.Map:
		return "object<" + typeName(t.Elem()) + ">"
	default:
		return strings.ToLower(t.Kind().String())
	}
}
