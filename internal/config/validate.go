package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

func newValidator() *validator.Validate {
	v := validator.New()
	// Report yaml key names rather than Go field names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validate checks cfg and reports the first offending field.
func validate(cfg *ServiceConfig) error {
	err := newValidator().Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		first := verrs[0]
		field := strings.TrimPrefix(first.Namespace(), "ServiceConfig.")
		if first.Param() != "" {
			return fmt.Errorf("config: invalid %s %v (must satisfy %s=%s)", field, first.Value(), first.Tag(), first.Param())
		}
		return fmt.Errorf("config: invalid %s %v (must satisfy %s)", field, first.Value(), first.Tag())
	}
	return fmt.Errorf("config: validation failed: %w", err)
}
