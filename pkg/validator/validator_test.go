package validator

import (
	"testing"

	"github.com/go-playground/validator/v10"
)

type testPayload struct {
	RaceID     string `json:"raceId" validate:"required"`
	Mode       string `json:"mode" validate:"required,oneof=time words"`
	MaxPlayers int    `json:"maxPlayers" validate:"gte=2,lte=20"`
}

func TestValidateStructSuccess(t *testing.T) {
	payload := testPayload{
		RaceID:     "race-1",
		Mode:       "words",
		MaxPlayers: 4,
	}

	if err := ValidateStruct(payload); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidateStructFailures(t *testing.T) {
	payload := testPayload{
		RaceID:     "",
		Mode:       "sprint",
		MaxPlayers: 1,
	}

	err := ValidateStruct(payload)
	if err == nil {
		t.Fatal("expected validation error")
	}

	vErrs, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}

	if len(vErrs) != 3 {
		t.Fatalf("expected 3 validation errors, got %d", len(vErrs))
	}

	foundMode := false
	for _, v := range vErrs {
		if v.Field == "mode" {
			foundMode = true
		}
	}

	if !foundMode {
		t.Fatal("expected mode field to be present in validation errors")
	}
}

func TestRegisterValidation(t *testing.T) {
	err := RegisterValidation("typerush", func(fl validator.FieldLevel) bool {
		return fl.Field().String() == "typerush"
	})
	if err != nil {
		t.Fatalf("register validation: %v", err)
	}

	type custom struct {
		Value string `validate:"typerush"`
	}

	if err := ValidateStruct(custom{Value: "typerush"}); err != nil {
		t.Fatalf("expected validation to pass, got %v", err)
	}
	if err := ValidateStruct(custom{Value: "other"}); err == nil {
		t.Fatal("expected validation to fail for non-matching value")
	}
}
