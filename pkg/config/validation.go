package config

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	sserr "github.com/StricklySoft/selfheal/pkg/errors"
)

// Validator is implemented by config structs that need cross-field checks
// beyond `required` and `validate` tags. It runs last.
type Validator interface {
	Validate() error
}

// structValidate checks `validate` tags. Field names in errors use the
// yaml tag so messages match the config file the operator edits.
var structValidate = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(sf reflect.StructField) string {
		name := strings.SplitN(sf.Tag.Get("yaml"), ",", 2)[0]
		if name == "" || name == "-" {
			return sf.Name
		}
		return name
	})
	return v
}

func validate(cfg any, rv reflect.Value) error {
	if err := validateRequired(rv, ""); err != nil {
		return err
	}

	if err := structValidate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return sserr.Newf(sserr.CodeValidationRange,
				"config: field %q failed %q validation (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return sserr.Wrap(err, sserr.CodeValidation, "config: tag validation failed")
	}

	if v, ok := cfg.(Validator); ok {
		if err := v.Validate(); err != nil {
			if _, isSSErr := sserr.AsError(err); isSSErr {
				return err
			}
			return sserr.Wrap(err, sserr.CodeValidation, "config: custom validation failed")
		}
	}
	return nil
}

// validateRequired walks nested structs and reports the dotted path of
// the first `required:"true"` field that is still zero. A nil pointer is
// zero; a pointer to a zero value is set.
func validateRequired(rv reflect.Value, path string) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rv.Field(i)
		sf := rt.Field(i)
		if !field.CanSet() {
			continue
		}

		fieldPath := sf.Name
		if path != "" {
			fieldPath = path + "." + sf.Name
		}

		if isNested(sf) {
			if err := validateRequired(field, fieldPath); err != nil {
				return err
			}
			continue
		}
		if sf.Tag.Get("required") != "true" {
			continue
		}
		if field.IsZero() {
			return sserr.Newf(sserr.CodeValidationRequired,
				"config: required field %q is empty", fieldPath)
		}
	}
	return nil
}
