package core

import (
	"testing"

	"commercehub/internal/types"
)

type checkoutDTO struct {
	Email         string `json:"email" validate:"required,email"`
	Plan          string `json:"plan" validate:"required"`
	PaymentMethod string `json:"paymentMethod" validate:"required,payment_method"`
}

func TestValidateStruct(t *testing.T) {
	v := NewValidator(nil)

	tests := []struct {
		name     string
		dto      checkoutDTO
		wantCode types.ErrorCode
		field    string
	}{
		{"valid", checkoutDTO{"a@b.com", "pro", "card"}, "", ""},
		{"missing email", checkoutDTO{"", "pro", "card"}, types.ErrCodeValidationMissingField, "email"},
		{"bad email", checkoutDTO{"nope", "pro", "crypto"}, types.ErrCodeValidationInvalidEmail, "email"},
		{"bad method", checkoutDTO{"a@b.com", "pro", "paypal"}, types.ErrCodeValidationInvalidPayload, "paymentMethod"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateStruct(tt.dto)
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !types.HasCode(err, tt.wantCode) {
				t.Fatalf("code = %q, want %q", types.CodeOf(err), tt.wantCode)
			}
			appErr := err.(*types.AppError)
			fields := appErr.Details["fields"].(map[string]any)
			if _, ok := fields[tt.field]; !ok {
				t.Errorf("details should name %q, got %v", tt.field, fields)
			}
		})
	}
}
