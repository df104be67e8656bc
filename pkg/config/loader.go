// Package config loads selfheal configuration from struct tag defaults, an
// optional YAML or JSON file, and environment variables, in that order of
// increasing priority:
//
//	envDefault struct tags  (lowest priority)
//	YAML/JSON config file
//	environment variables   (highest priority)
//
// # Struct Tags
//
//   - `env:"VAR"` maps a field to an environment variable. On a nested
//     struct the tag becomes a prefix for the child fields.
//   - `envDefault:"value"` sets a default while the field is zero.
//   - `required:"true"` fails loading if the field is still zero (or nil,
//     for pointer fields) after all layers are applied.
//   - `validate:"..."` go-playground/validator rules, checked after the
//     required pass.
//
// Engine tuning values that must be chosen by the operator (confidence
// threshold, attempt bound, per-action timeouts and retries, approval
// timeout) are declared `required` without an `envDefault`; loading fails
// until they are supplied. Pointer fields distinguish "unset" from an
// explicit zero, so `max_retries: 0` is accepted while an absent value is
// not.
//
// # Usage
//
//	cfg := config.MustLoad[daemonConfig](
//	    config.New().WithEnvPrefix("SELFHEAL").WithFile("/etc/selfheal/config.yaml"),
//	)
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	sserr "github.com/StricklySoft/selfheal/pkg/errors"
)

// durationType distinguishes time.Duration from plain int64 fields.
var durationType = reflect.TypeOf(time.Duration(0))

// timeType is skipped during struct recursion.
var timeType = reflect.TypeOf(time.Time{})

// Loader resolves configuration layers into a struct. Loader is not safe
// for concurrent use.
type Loader struct {
	envPrefix string
	filePath  string
}

// New returns a Loader that reads environment variables only.
func New() *Loader {
	return &Loader{}
}

// WithEnvPrefix prepends prefix and an underscore to every environment
// variable name. The prefix is uppercased.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = strings.ToUpper(prefix)
	return l
}

// WithFile sets a .yaml, .yml or .json file to load. A missing file is not
// an error. Paths containing ".." are rejected.
func (l *Loader) WithFile(path string) *Loader {
	l.filePath = path
	return l
}

// Load populates cfg, which must be a non-nil pointer to a struct, and
// validates it. Loading failures carry CodeInternalConfiguration. A missing
// required field fails with CodeValidationRequired, a `validate` tag with
// CodeValidationRange, and a Validator with its own code or CodeValidation.
func (l *Loader) Load(cfg any) error {
	rv := reflect.ValueOf(cfg)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return sserr.New(sserr.CodeInternalConfiguration,
			"config: Load requires a non-nil pointer to a struct")
	}
	rv = rv.Elem()
	if rv.Kind() != reflect.Struct {
		return sserr.New(sserr.CodeInternalConfiguration,
			"config: Load requires a pointer to a struct")
	}

	if err := applyDefaults(rv); err != nil {
		return err
	}
	if l.filePath != "" {
		if err := l.loadFile(cfg); err != nil {
			return err
		}
	}
	if err := applyEnv(rv, l.envPrefix); err != nil {
		return err
	}
	return validate(cfg, rv)
}

// MustLoad loads a T and panics on failure. Use it only in main.
func MustLoad[T any](loader *Loader) T {
	var cfg T
	if err := loader.Load(&cfg); err != nil {
		panic(fmt.Sprintf("config: MustLoad failed: %v", err))
	}
	return cfg
}

func (l *Loader) loadFile(cfg any) error {
	if strings.Contains(l.filePath, "..") {
		return sserr.New(sserr.CodeInternalConfiguration,
			"config: file path must not contain directory traversal (..) sequences")
	}

	data, err := os.ReadFile(l.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
			"config: failed to read file %q", l.filePath)
	}

	switch ext := strings.ToLower(filepath.Ext(l.filePath)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
				"config: failed to parse YAML file %q", l.filePath)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
				"config: failed to parse JSON file %q", l.filePath)
		}
	default:
		return sserr.Newf(sserr.CodeInternalConfiguration,
			"config: unsupported file extension %q (use .yaml, .yml, or .json)", ext)
	}
	return nil
}

// isNested reports whether the loader should recurse into the field.
func isNested(sf reflect.StructField) bool {
	return sf.Type.Kind() == reflect.Struct && sf.Type != durationType && sf.Type != timeType
}

func applyDefaults(rv reflect.Value) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rv.Field(i)
		sf := rt.Field(i)
		if !field.CanSet() {
			continue
		}
		if isNested(sf) {
			if err := applyDefaults(field); err != nil {
				return err
			}
			continue
		}
		tag := sf.Tag.Get("envDefault")
		if tag == "" || !field.IsZero() {
			continue
		}
		if err := setField(field, tag); err != nil {
			return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
				"config: failed to apply default for field %q", sf.Name)
		}
	}
	return nil
}

func applyEnv(rv reflect.Value, prefix string) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rv.Field(i)
		sf := rt.Field(i)
		if !field.CanSet() {
			continue
		}
		envTag := sf.Tag.Get("env")

		if isNested(sf) {
			nested := prefix
			if envTag != "" {
				nested = joinEnv(prefix, envTag)
			}
			if err := applyEnv(field, nested); err != nil {
				return err
			}
			continue
		}
		if envTag == "" {
			continue
		}

		key := joinEnv(prefix, envTag)
		val, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		if err := setField(field, val); err != nil {
			return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
				"config: failed to set field %q from env var %q", sf.Name, key)
		}
	}
	return nil
}

func joinEnv(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "_" + name
}

// setField parses value into field. Supported kinds: string (and named
// string types such as Secret), bool, signed integers, floats,
// time.Duration, []string (comma separated) and pointers to any of the
// scalar kinds.
func setField(field reflect.Value, value string) error {
	if field.Kind() == reflect.Pointer {
		elem := reflect.New(field.Type().Elem())
		if err := setField(elem.Elem(), value); err != nil {
			return err
		}
		field.Set(elem)
		return nil
	}

	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("cannot parse duration %q: %w", value, err)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("cannot parse bool %q: %w", value, err)
		}
		field.SetBool(b)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot parse integer %q: %w", value, err)
		}
		field.SetInt(n)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot parse float %q: %w", value, err)
		}
		field.SetFloat(f)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice element type %s", field.Type().Elem().Kind())
		}
		parts := strings.Split(value, ",")
		slice := reflect.MakeSlice(field.Type(), len(parts), len(parts))
		for i, p := range parts {
			slice.Index(i).SetString(strings.TrimSpace(p))
		}
		field.Set(slice)

	default:
		return fmt.Errorf("unsupported field type %s", field.Kind())
	}
	return nil
}
