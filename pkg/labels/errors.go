package labels

import (
	"errors"
	"fmt"
)

// ConfigurationError is a problem with the declared configuration of one
// repository. It voids that repository's plan but never the batch.
type ConfigurationError struct {
	Repository string `json:"repository"`
	Message    string `json:"message"`
}

// Error implements the error interface
func (e *ConfigurationError) Error() string {
	if e.Repository == "" {
		return e.Message
	}
	return fmt.Sprintf("configuration error for %s: %s", e.Repository, e.Message)
}

// NewConfigurationError creates a configuration error for a repository
func NewConfigurationError(repository, message string) *ConfigurationError {
	return &ConfigurationError{Repository: repository, Message: message}
}

// IsConfigurationError reports whether err is or wraps a ConfigurationError
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}
