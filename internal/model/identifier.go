package model

import "fmt"

// ValidateIdentifier checks that an identifier (provider key, agent id,
// app item id) is 1-255 ASCII characters: alphanumeric, dots, hyphens,
// underscores, colons, and @ signs. field names the value in the error.
func ValidateIdentifier(field, id string) error {
	if len(id) == 0 {
		return fmt.Errorf("%s is required", field)
	}
	if len(id) > 255 {
		return fmt.Errorf("%s must be at most 255 characters", field)
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' && c != '@' && c != ':' {
			return fmt.Errorf("%s contains invalid character at position %d: %q", field, i, c)
		}
	}
	return nil
}
