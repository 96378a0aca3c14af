package validator

import (
	"fmt"
	"strings"
)

// MaxFieldPathDepth bounds how deep a dotted field path may reach into a document.
const MaxFieldPathDepth = 8

// FieldPathComponents splits a dotted document path.
func FieldPathComponents(path string) []string {
	if path == "" {
		return []string{}
	}
	return strings.Split(path, ".")
}

// ValidateFieldPath checks a document path used in a filter, projection or sort.
func ValidateFieldPath(path string) error {
	if path == "" {
		return fmt.Errorf("field path cannot be empty")
	}

	components := FieldPathComponents(path)
	if len(components) > MaxFieldPathDepth {
		return fmt.Errorf("field path %q is nested deeper than %d levels", path, MaxFieldPathDepth)
	}
	for i, component := range components {
		if component == "" {
			return fmt.Errorf("field path %q: component %d is empty", path, i)
		}
		if strings.HasPrefix(component, "$") {
			return fmt.Errorf("field path %q: component %d starts with '$'", path, i)
		}
		for _, char := range component {
			if char == 0 || char == '\'' || char == '"' || char == '\\' {
				return fmt.Errorf("field path %q: component %d contains forbidden character %q", path, i, char)
			}
		}
	}
	return nil
}
