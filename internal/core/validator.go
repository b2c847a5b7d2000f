package core

import (
	"errors"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"commercehub/internal/types"
)

// Validator wraps go-playground/validator with the domain tags used by
// request DTOs.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a Validator. Field names in errors use json tags.
func NewValidator(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	if err := v.RegisterValidation("payment_method", func(fl validator.FieldLevel) bool {
		return types.PaymentMethod(fl.Field().String()).Valid()
	}); err != nil {
		logger.Error("failed to register payment_method validation", "error", err)
	}

	return &Validator{validate: v, logger: logger}
}

// ValidateStruct returns nil or an AppError listing each failing field.
// An invalid email field maps to validation_invalid_email; everything else
// maps to validation_missing_required_field or validation_invalid_payload.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		v.logger.Error("validator misuse", "error", err)
		return types.NewAppError(types.ErrCodeInternalUnexpected, "request validation failed", err)
	}

	fields := make(map[string]any, len(verrs))
	code := types.ErrCodeValidationInvalidPayload
	for i, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
		if i == 0 {
			switch fe.Tag() {
			case "required":
				code = types.ErrCodeValidationMissingField
			case "email":
				code = types.ErrCodeValidationInvalidEmail
			}
		}
	}

	return types.NewAppErrorWithDetails(code, "request validation failed", err, map[string]any{"fields": fields})
}
