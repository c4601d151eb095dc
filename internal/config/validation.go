package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/lyndonlyu/loupe/internal/fileheader"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterValidation("fileversion", func(fl validator.FieldLevel) bool {
		major, minor, err := parseFileVersion(fl.Field().String())
		if err != nil || major < 1 || minor < 0 {
			return false
		}
		return major < fileheader.LatestMajorVersion ||
			(major == fileheader.LatestMajorVersion && minor <= fileheader.LatestMinorVersion)
	})
}

// Validate checks struct tags and the rules tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	for i, p := range cfg.Session.Properties {
		k, _, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return fmt.Errorf("session.properties[%d]: want key=value, got %q", i, p)
		}
	}
	return nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		e := verrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
