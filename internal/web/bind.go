package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"

	"assistcal/internal/calerr"
	appLog "assistcal/internal/log"
)

const maxBodyBytes = 1 << 20

type validatorSvc struct {
	v     *validator.Validate
	trans ut.Translator
}

var (
	vOnce sync.Once
	vSvc  *validatorSvc
)

// validatorInstance returns the shared validator. Messages use json field
// names and english translations.
func validatorInstance() *validatorSvc {
	vOnce.Do(func() {
		enLoc := en.New()
		uni := ut.New(enLoc, enLoc)
		trans, _ := uni.GetTranslator("en")

		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			tag := fld.Tag.Get("json")
			if tag == "-" || tag == "" {
				return fld.Name
			}
			if idx := strings.Index(tag, ","); idx >= 0 {
				tag = tag[:idx]
			}
			return tag
		})
		_ = en_translations.RegisterDefaultTranslations(v, trans)

		vSvc = &validatorSvc{v: v, trans: trans}
	})
	return vSvc
}

// decodeJSON reads one JSON document into T and validates it. Unknown
// fields, trailing data and validation failures are input errors.
func decodeJSON[T any](r *http.Request) (T, error) {
	var zero T
	defer r.Body.Close()

	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	var dst T
	if err := dec.Decode(&dst); err != nil {
		if errors.Is(err, io.EOF) {
			return zero, calerr.Inputf("empty body")
		}
		return zero, calerr.Inputf("invalid JSON: %v", err)
	}
	if dec.More() {
		return zero, calerr.Inputf("unexpected trailing data")
	}
	if err := validateStruct(dst); err != nil {
		return zero, err
	}
	return dst, nil
}

func validateStruct(v any) error {
	svc := validatorInstance()
	err := svc.v.Struct(v)
	if err == nil {
		return nil
	}
	var inv *validator.InvalidValidationError
	if errors.As(err, &inv) {
		appLog.Error("validator internal error", inv)
		return calerr.Inputf("validation error")
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return calerr.Inputf("%s", verrs[0].Translate(svc.trans))
	}
	return calerr.Inputf("%v", err)
}
