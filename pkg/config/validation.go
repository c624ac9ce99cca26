package config

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	sserr "github.com/StricklySoft/plutus-security/pkg/errors"
)

// Validator is implemented by configuration structs with rules that tags
// cannot express. It runs after the required and validate tags pass.
// *sserr.Error results are returned unchanged; other errors are wrapped
// with [sserr.CodeValidation].
type Validator interface {
	Validate() error
}

var (
	structValidatorOnce sync.Once
	structValidator     *validator.Validate
)

// StructValidator returns the shared go-playground validator used for
// `validate` tags. Field names in errors follow the yaml tag when present.
func StructValidator() *validator.Validate {
	structValidatorOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(sf reflect.StructField) string {
			name, _, _ := strings.Cut(sf.Tag.Get("yaml"), ",")
			if name == "" || name == "-" {
				return sf.Name
			}
			return name
		})
		structValidator = v
	})
	return structValidator
}

func validate(cfg any, rv reflect.Value) error {
	if err := validateRequired(rv, ""); err != nil {
		return err
	}

	if err := StructValidator().Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return sserr.Wrapf(err, sserr.CodeValidation,
				"config: field %q failed %q validation", fe.Namespace(), fe.Tag())
		}
		return sserr.Wrap(err, sserr.CodeValidation, "config: validation failed")
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

// validateRequired reports the first zero field tagged required:"true",
// naming it by its dotted Go path (e.g. "OIDC.Issuer").
func validateRequired(rv reflect.Value, path string) error {
	rt := rv.Type()
	for i := range rt.NumField() {
		field, sf := rv.Field(i), rt.Field(i)
		if !field.CanSet() {
			continue
		}
		fieldPath := sf.Name
		if path != "" {
			fieldPath = path + "." + sf.Name
		}
		if field.Kind() == reflect.Struct {
			if err := validateRequired(field, fieldPath); err != nil {
				return err
			}
			continue
		}
		if sf.Tag.Get("required") == "true" && field.IsZero() {
			return sserr.Newf(sserr.CodeValidationRequired,
				"config: required field %q is empty", fieldPath)
		}
	}
	return nil
}
