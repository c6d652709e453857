package services

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"budgetflow/internal/core"

	"github.com/go-playground/validator/v10"
)

var ErrValidation = errors.New("invalid input")

// ValidationError maps field paths (JSON names) to the rule they broke.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + e.Fields[k]
	}
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(parts, ", "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	must(v.RegisterValidation("amount", func(fl validator.FieldLevel) bool {
		d, err := core.ParseAmount(fl.Field().String())
		return err == nil && !d.IsNegative()
	}))
	must(v.RegisterValidation("flowtype", func(fl validator.FieldLevel) bool {
		_, err := core.ParseFlowType(fl.Field().String())
		return err == nil
	}))
	must(v.RegisterValidation("stepstatus", func(fl validator.FieldLevel) bool {
		_, err := core.ParseStepStatus(fl.Field().String())
		return err == nil
	}))
	must(v.RegisterValidation("dataset", func(fl validator.FieldLevel) bool {
		_, err := core.ParseDataset(fl.Field().String())
		return err == nil
	}))
	return v
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// validationError converts validator output into a ValidationError keyed by
// JSON field path, e.g. "steps[1].status".
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make(map[string]string, len(verrs))
	for _, ve := range verrs {
		ns := ve.Namespace()
		if i := strings.IndexByte(ns, '.'); i >= 0 {
			ns = ns[i+1:]
		}
		fields[ns] = ve.Tag()
	}
	return &ValidationError{Fields: fields}
}
