package model

import "fmt"

// ConfigurationError reports an invalid definition or rule. The offending
// entry is skipped; loading continues.
type ConfigurationError struct {
	Identifier string
	Field      string
	Reason     string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config: %s: %s", e.Identifier, e.Reason)
	}
	return fmt.Sprintf("config: %s: %s: %s", e.Identifier, e.Field, e.Reason)
}
