package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/marmos91/dittobox/pkg/account"
)

var validate *validator.Validate

func init() {
	validate = validator.New()

	// Report fields by their configuration key rather than the Go name.
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
}

// Validate validates the configuration using struct tags and custom rules.
//
// Log level normalization is handled in ApplyDefaults; validation accepts
// both cases.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	return validateCustomRules(cfg)
}

// validateCustomRules performs validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	if !cfg.Adapters.Box.Enabled {
		return fmt.Errorf("adapters: at least one adapter must be enabled")
	}

	if cfg.Server.Metrics.Enabled && cfg.Server.Metrics.Port == cfg.Adapters.Box.Port {
		return fmt.Errorf("server.metrics.port: port %d already used by the box adapter", cfg.Server.Metrics.Port)
	}

	names := make(map[string]bool, len(cfg.Accounts.Seed))
	for i, seed := range cfg.Accounts.Seed {
		if !account.ValidUsername(seed.Username) {
			return fmt.Errorf("accounts.seed[%d]: invalid username %q", i, seed.Username)
		}
		if names[seed.Username] {
			return fmt.Errorf("accounts.seed[%d]: duplicate username %q", i, seed.Username)
		}
		names[seed.Username] = true
	}

	if cfg.Storage.Type == "s3" {
		for _, key := range []string{"bucket", "region"} {
			if v, _ := cfg.Storage.S3[key].(string); v == "" {
				return fmt.Errorf("storage.s3: %s is required", key)
			}
		}
	}

	return nil
}

// formatValidationError converts validator errors into messages keyed by
// configuration path, one per failing field.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) || len(validationErrs) == 0 {
		return err
	}

	errs := make([]error, 0, len(validationErrs))
	for _, fe := range validationErrs {
		errs = append(errs, fmt.Errorf("%s: %s", configKey(fe), describeFieldError(fe)))
	}
	return errors.Join(errs...)
}

// configKey strips the root struct name: "Config.adapters.box.port"
// becomes "adapters.box.port".
func configKey(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %v", fe.Param(), fe.Value())
	case "min", "gte":
		return fmt.Sprintf("must be at least %s, got %v", fe.Param(), fe.Value())
	case "max", "lte":
		return fmt.Sprintf("must be at most %s, got %v", fe.Param(), fe.Value())
	case "gt":
		return fmt.Sprintf("must be greater than %s, got %v", fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("failed on '%s' tag (value: %v)", fe.Tag(), fe.Value())
	}
}
