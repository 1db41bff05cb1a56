package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"blocksmith/internal/core"
)

var (
	validatorOnce sync.Once
	validateInst  *validator.Validate
)

// validatorInstance configures and returns the shared validator used for
// config structs.
func validatorInstance() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New()

		_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
			_, err := time.ParseDuration(fl.Field().String())
			return err == nil
		})

		validateInst = v
	})

	return validateInst
}

// Validate performs struct-tag and cross-field validation on the
// configuration.
func Validate(cfg *Config) error {
	if cfg == nil {
		return core.NewValidation("", "configuration is nil")
	}

	v := validatorInstance()
	if err := v.Struct(cfg); err != nil {
		return convertValidationError(err)
	}

	// Cross-field checks the tag language cannot express.
	if cfg.Planner.MatchThreshold > 0 && cfg.Planner.MatchThreshold >= 1.0 {
		return core.NewValidation("", "planner.match_threshold must be below 1.0")
	}
	if cfg.Sandbox.Backend == "docker" && cfg.Sandbox.Image == "" {
		return core.NewValidation("", "sandbox.image is required for the docker backend")
	}

	return nil
}

// convertValidationError normalizes validator errors into blocksmith
// validation errors with yaml-style field paths.
func convertValidationError(err error) error {
	if err == nil {
		return nil
	}

	if ves, ok := err.(validator.ValidationErrors); ok {
		ve := ves[0]
		field := yamlishFieldName(ve)
		msg := fmt.Sprintf("%s failed validation for tag '%s'", field, ve.Tag())
		return core.NewValidation("", msg).WithCause(err)
	}

	return core.NewValidation("", err.Error()).WithCause(err)
}

func yamlishFieldName(fe validator.FieldError) string {
	ns := fe.StructNamespace()
	parts := strings.Split(ns, ".")
	var lowered []string
	for _, part := range parts {
		lowered = append(lowered, strings.ToLower(part))
	}
	return strings.Join(lowered, ".")
}
