package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Request limits
const (
	MaxProcessTypeLength = 64
	MaxPackageLength     = 255
	MaxArgLength         = 4096
	MaxArgCount          = 256
)

var (
	// ProcessTypePattern allows lowercase letters, digits, hyphens and underscores
	ProcessTypePattern = regexp.MustCompile(`^[a-z0-9_-]+$`)
	// PackagePattern is a dotted package name such as org.agentos.workers
	PackagePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*(\.[a-zA-Z][a-zA-Z0-9_]*)*$`)
)

// ValidateString validates a string field with length and content checks
func ValidateString(value, fieldName string, minLen, maxLen int, required bool) error {
	if required && value == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if value == "" {
		return nil
	}

	length := utf8.RuneCountInString(value)
	if length < minLen {
		return fmt.Errorf("%s must be at least %d characters", fieldName, minLen)
	}
	if length > maxLen {
		return fmt.Errorf("%s must not exceed %d characters", fieldName, maxLen)
	}

	// Null bytes cannot reach argv
	if strings.Contains(value, "\x00") {
		return fmt.Errorf("%s contains invalid characters", fieldName)
	}
	return nil
}

// ValidateProcessType validates the value passed to a worker as --type
func ValidateProcessType(processType string) error {
	if err := ValidateString(processType, "process_type", 1, MaxProcessTypeLength, true); err != nil {
		return err
	}
	if !ProcessTypePattern.MatchString(processType) {
		return fmt.Errorf("process_type contains invalid characters (only lowercase letters, digits, hyphens, and underscores allowed)")
	}
	return nil
}

// ValidatePackage validates an optional package name
func ValidatePackage(pkg string) error {
	if err := ValidateString(pkg, "package", 1, MaxPackageLength, false); err != nil {
		return err
	}
	if pkg != "" && !PackagePattern.MatchString(pkg) {
		return fmt.Errorf("package must be a dotted name such as org.agentos.workers")
	}
	return nil
}

// ValidateCommandLine validates worker arguments. The host appends --type
// itself, so callers may not pass one.
func ValidateCommandLine(args []string) error {
	if len(args) > MaxArgCount {
		return fmt.Errorf("too many arguments (maximum %d)", MaxArgCount)
	}
	for i, arg := range args {
		if err := ValidateString(arg, fmt.Sprintf("command_line[%d]", i), 1, MaxArgLength, true); err != nil {
			return err
		}
		if arg == "--type" || strings.HasPrefix(arg, "--type=") {
			return fmt.Errorf("command_line[%d]: --type is set from process_type", i)
		}
	}
	return nil
}
