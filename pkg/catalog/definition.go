package catalog

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	sserr "github.com/StricklySoft/selfheal/pkg/errors"
)

// paramValidate checks `validate` tags on parameter structs. Field names
// in errors are the json names the agent sees.
var paramValidate = newParamValidator()

func newParamValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(jsonName)
	return v
}

func jsonName(sf reflect.StructField) string {
	name := strings.SplitN(sf.Tag.Get("json"), ",", 2)[0]
	if name == "" {
		return sf.Name
	}
	if name == "-" {
		return ""
	}
	return name
}

// Definition adapts a typed parameter struct P into an Action. Parameter
// maps are decoded into P with unknown fields rejected, checked against
// P's `validate` tags and passed through Normalize before use.
type Definition[P any] struct {
	ActionName string
	Summary    string
	Limits     Policy

	// Normalize canonicalizes and cross-checks decoded parameters. It may
	// be nil.
	Normalize func(p *P) error

	Run   func(ctx context.Context, p P) error
	Check func(ctx context.Context, p P) (bool, error)
}

var _ Action = (*Definition[struct{}])(nil)

func (d *Definition[P]) Name() string        { return d.ActionName }
func (d *Definition[P]) Description() string { return d.Summary }
func (d *Definition[P]) Policy() Policy      { return d.Limits }

// Parameters describes P's fields.
func (d *Definition[P]) Parameters() []ParamSpec {
	var zero P
	return describeParams(reflect.TypeOf(zero))
}

// Validate implements Action.
func (d *Definition[P]) Validate(params map[string]any) error {
	_, err := d.decode(params)
	return err
}

// Key implements Action. The key is the action name joined to a SHA-256
// digest of the normalized parameters.
func (d *Definition[P]) Key(params map[string]any) (string, error) {
	p, err := d.decode(params)
	if err != nil {
		return "", err
	}
	canonical, err := json.Marshal(p)
	if err != nil {
		return "", sserr.Wrap(err, sserr.CodeInternal, "catalog: failed to encode parameters")
	}
	sum := sha256.Sum256(canonical)
	return d.ActionName + ":" + hex.EncodeToString(sum[:16]), nil
}

// Execute implements Action.
func (d *Definition[P]) Execute(ctx context.Context, params map[string]any) error {
	p, err := d.decode(params)
	if err != nil {
		return err
	}
	return d.Run(ctx, p)
}

// Verify implements Action. A definition without a Check is verified by
// successful execution alone.
func (d *Definition[P]) Verify(ctx context.Context, params map[string]any) (bool, error) {
	p, err := d.decode(params)
	if err != nil {
		return false, err
	}
	if d.Check == nil {
		return true, nil
	}
	return d.Check(ctx, p)
}

func (d *Definition[P]) decode(params map[string]any) (P, error) {
	var p P
	raw, err := json.Marshal(params)
	if err != nil {
		return p, sserr.Wrapf(err, sserr.CodeValidationParameters,
			"catalog: %s parameters are not encodable", d.ActionName)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return p, sserr.Wrapf(err, sserr.CodeValidationParameters,
			"catalog: %s parameters do not match schema", d.ActionName)
	}
	if err := paramValidate.Struct(&p); err != nil {
		return p, parameterError(d.ActionName, err)
	}
	if d.Normalize != nil {
		if err := d.Normalize(&p); err != nil {
			if _, ok := sserr.AsError(err); ok {
				return p, err
			}
			return p, sserr.Wrapf(err, sserr.CodeValidationParameters, "catalog: %s parameters rejected", d.ActionName)
		}
	}
	return p, nil
}

func parameterError(action string, err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return sserr.Wrapf(err, sserr.CodeValidationParameters, "catalog: %s parameters invalid", action)
	}
	details := make(map[string]any, len(fieldErrs))
	for _, fe := range fieldErrs {
		details[fe.Field()] = fe.Tag()
	}
	fe := fieldErrs[0]
	return sserr.Newf(sserr.CodeValidationParameters,
		"catalog: %s parameter %q failed %q validation", action, fe.Field(), fe.Tag()).
		WithDetails(details)
}
