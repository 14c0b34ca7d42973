package adapter

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is shared across adapters; go-playground/validator instances
// are safe for concurrent use once built and cache struct reflection.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	return v
}

// ValidateRequired runs struct-tag validation over dst and, on failure,
// converts every failing field into the original protocol's
// `{field: "missing parameter"}` shape — the distilled spec's validation
// error format is preserved even though the mechanism (reflection-driven
// struct tags) is not the original's per-field loop.
func ValidateRequired(dst any) FieldErrors {
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(FieldErrors, len(verrs))
			for _, fe := range verrs {
				fields[jsonFieldName(fe)] = "missing parameter"
			}
			return fields
		}
		return FieldErrors{"_": "missing parameter"}
	}
	return nil
}

func jsonFieldName(fe validator.FieldError) string {
	if fe.Field() == "" {
		return fe.StructField()
	}
	return fe.Field()
}
