package config

import (
	"reflect"

	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
)

// Validator is implemented by configuration structs that need checks
// beyond `required` tags. Validate runs after the required check passes.
// A returned [*sserr.Error] is passed through; any other error is wrapped
// with [sserr.CodeValidation].
type Validator interface {
	Validate() error
}

func validate(cfg any, rv reflect.Value) error {
	if err := validateRequired(rv, ""); err != nil {
		return err
	}

	v, ok := cfg.(Validator)
	if !ok {
		return nil
	}
	err := v.Validate()
	if err == nil {
		return nil
	}
	if _, isSSErr := sserr.AsError(err); isSSErr {
		return err
	}
	return sserr.Wrap(err, sserr.CodeValidation, "config: custom validation failed")
}

// validateRequired checks `required:"true"` fields, recursing into nested
// structs. path is the dotted field path used in messages.
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
