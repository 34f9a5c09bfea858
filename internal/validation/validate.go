// Package validation rejects malformed entities before they reach the local
// store or the network.
package validation

import (
	"errors"
	"reflect"
	"strings"

	"github.com/dmitrijs2005/apptsync/internal/common"
	"github.com/dmitrijs2005/apptsync/internal/models"
	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks struct rules and cross-field rules of e. Failures are
// returned as *common.ValidationError.
func Validate(e models.Entity) error {
	if err := validate.Struct(e); err != nil {
		var ves validator.ValidationErrors
		if errors.As(err, &ves) && len(ves) > 0 {
			fe := ves[0]
			return &common.ValidationError{Field: fe.Namespace(), Reason: reason(fe)}
		}
		return &common.ValidationError{Reason: err.Error()}
	}

	switch v := e.(type) {
	case models.Event:
		return checkEvent(v)
	case *models.Event:
		return checkEvent(*v)
	}
	return nil
}

func checkEvent(e models.Event) error {
	if e.EndTime != nil && e.EndTime.Before(e.StartTime) {
		return &common.ValidationError{Field: "Event.endTime", Reason: "must not be before startTime"}
	}
	switch e.Status.Kind {
	case models.StatusRescheduled:
		if e.Status.ReplacedBy == "" {
			return &common.ValidationError{Field: "Event.status.replacedBy", Reason: "required for rescheduled events"}
		}
	case models.StatusActive, models.StatusRemoved:
		if e.Status.ReplacedBy != "" {
			return &common.ValidationError{Field: "Event.status.replacedBy", Reason: "only rescheduled events are replaced"}
		}
	}
	return nil
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must have at least " + fe.Param() + " item(s)"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "datetime":
		return "must match " + fe.Param()
	default:
		return "failed " + fe.Tag() + " check"
	}
}
