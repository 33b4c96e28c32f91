// Package config loads service configuration from the process environment.
//
// Config structs declare their fields with `env` and `envDefault` tags; the
// KEYBOUND_ prefix convention is applied by the tag values themselves.
package config

import (
	"errors"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ParseEnv fills target's env-tagged fields from the environment. target
// must be a non-nil struct pointer.
func ParseEnv(target any) error {
	if target == nil {
		return errors.New("config target is required")
	}
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
