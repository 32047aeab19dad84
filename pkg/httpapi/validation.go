package httpapi

import (
	"sort"
	"sync"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	entranslations "github.com/go-playground/validator/v10/translations/en"

	"github.com/iota-uz/regflow/pkg/constants"
)

var english = sync.OnceValue(func() ut.Translator {
	locale := en.New()
	trans, _ := ut.New(locale, locale).GetTranslator("en")
	if err := entranslations.RegisterDefaultTranslations(constants.Validate, trans); err != nil {
		panic(err)
	}
	return trans
})

// FieldErrors renders validation failures as English sentences keyed by field
// name, e.g. "business_key": "business_key is a required field".
func FieldErrors(errs validator.ValidationErrors) map[string]string {
	out := make(map[string]string, len(errs))
	for _, fe := range errs {
		out[fe.Field()] = fe.Translate(english())
	}
	return out
}

// FieldErrorList is FieldErrors flattened and sorted by field name.
func FieldErrorList(errs validator.ValidationErrors) []string {
	byField := FieldErrors(errs)
	fields := make([]string, 0, len(byField))
	for f := range byField {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, byField[f])
	}
	return out
}
