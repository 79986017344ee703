package assist

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/language"

	"github.com/lingosync-go/internal/errs"
)

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(jsonName)
	_ = v.RegisterValidation("iso6391", func(fl validator.FieldLevel) bool {
		return IsLanguageCode(fl.Field().String())
	})
	return v
}

// IsLanguageCode reports whether code is a two letter ISO 639-1 code
func IsLanguageCode(code string) bool {
	if len(code) != 2 {
		return false
	}
	base, err := language.ParseBase(strings.ToLower(code))
	return err == nil && base.String() == strings.ToLower(code)
}

// validateStruct returns the first violation as an ErrInvalidArgument
func (s *Service) validateStruct(req any) error {
	if err := s.validate.Struct(req); err != nil {
		var vErrs validator.ValidationErrors
		if errors.As(err, &vErrs) {
			first := vErrs[0]
			return errs.Invalid(first.Field(), "failed rule "+first.Tag())
		}
		return errs.Invalid("request", err.Error())
	}
	return nil
}

func jsonName(field reflect.StructField) string {
	name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
	if name == "-" || name == "" {
		return field.Name
	}
	return name
}
