// Package sanitize validates and normalizes command arguments before they
// reach an executor. Validation is pure: the same schema, limits, and input
// always produce the same verdict, so every stage is safe to test in
// isolation and to retry.
package sanitize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/arklim/ipc-gateway/internal/core/domain"
)

// Limits bounds the structural cost of a payload. Structure checks run
// before any per-field work so oversized input is rejected cheaply.
type Limits struct {
	MaxPayloadBytes int
	MaxNestingDepth int
	MaxStringLength int
	MaxArrayLength  int
	MaxObjectKeys   int
}

// DefaultLimits mirror the gateway's configuration defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 64 * 1024,
		MaxNestingDepth: 10,
		MaxStringLength: 10000,
		MaxArrayLength:  1000,
		MaxObjectKeys:   100,
	}
}

// Sanitizer validates argument maps against per-command schemas. It is
// immutable after construction and safe for concurrent use.
type Sanitizer struct {
	limits       Limits
	patternCache map[string]*regexp.Regexp
}

func New(limits Limits) *Sanitizer {
	return &Sanitizer{limits: limits, patternCache: make(map[string]*regexp.Regexp)}
}

// CompileSchemas pre-compiles every custom field pattern in the given
// schemas. Called once at table load so dispatch never compiles regexes.
func (s *Sanitizer) CompileSchemas(schemas map[string]map[string]domain.FieldSpec) error {
	for command, schema := range schemas {
		for field, spec := range schema {
			if spec.Pattern == "" {
				continue
			}
			if _, ok := s.patternCache[spec.Pattern]; ok {
				continue
			}
			re, err := regexp.Compile(spec.Pattern)
			if err != nil {
				return fmt.Errorf("compile pattern for %s.%s: %w", command, field, err)
			}
			s.patternCache[spec.Pattern] = re
		}
	}
	return nil
}

// ScanInvocation checks the whole invocation (command name plus the JSON
// form of the arguments) against the global blocked patterns. It runs before
// schema validation so cross-field and deeply nested payloads are caught even
// when no individual field trips a per-field rule.
func (s *Sanitizer) ScanInvocation(command string, args map[string]any) *domain.Denial {
	full := command
	if len(args) > 0 {
		// encoding/json escapes <, >, and & by default, which would hide
		// markup payloads from the patterns. Serialize verbatim.
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(args); err == nil {
			full = command + " " + buf.String()
		}
	}
	for _, pattern := range globalBlockedPatterns {
		if pattern.MatchString(full) {
			return domain.NewValidationDenial("", "blocked_pattern")
		}
	}
	return nil
}

// Sanitize validates args against the schema and returns the normalized
// argument map. On failure it returns a validation_failed denial naming the
// first offending field (fields are checked in sorted order, so the verdict
// is deterministic). A context error surfaces as-is for the caller to map.
func (s *Sanitizer) Sanitize(ctx context.Context, schema map[string]domain.FieldSpec, args map[string]any, rawSize int) (map[string]any, error) {
	if s.limits.MaxPayloadBytes > 0 && rawSize > s.limits.MaxPayloadBytes {
		return nil, domain.NewValidationDenial("", "max_payload_bytes")
	}

	if field, ok := s.structureExceeded(args, 1); ok {
		return nil, domain.NewValidationDenial(field, "structure_limit")
	}

	// Unknown fields are rejected, never silently dropped.
	for name := range args {
		if _, ok := schema[name]; !ok {
			return nil, domain.NewValidationDenial(name, "unknown_field")
		}
	}

	names := make([]string, 0, len(schema))
	for name := range schema {
		names = append(names, name)
	}
	sort.Strings(names)

	normalized := make(map[string]any, len(schema))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		spec := schema[name]
		value, present := args[name]
		if !present {
			if spec.Default != nil {
				normalized[name] = spec.Default
				continue
			}
			if spec.Required {
				return nil, domain.NewValidationDenial(name, "required")
			}
			continue
		}

		clean, err := s.sanitizeField(name, spec, value)
		if err != nil {
			return nil, err
		}
		normalized[name] = clean
	}

	return normalized, nil
}

func (s *Sanitizer) sanitizeField(name string, spec domain.FieldSpec, value any) (any, error) {
	switch spec.Kind {
	case domain.FieldNumber:
		num, ok := asFloat(value)
		if !ok {
			return nil, domain.NewValidationDenial(name, "type_number")
		}
		if spec.Min != nil && num < *spec.Min {
			return nil, domain.NewValidationDenial(name, "min")
		}
		if spec.Max != nil && num > *spec.Max {
			return nil, domain.NewValidationDenial(name, "max")
		}
		return num, nil

	case domain.FieldBool:
		b, ok := value.(bool)
		if !ok {
			return nil, domain.NewValidationDenial(name, "type_bool")
		}
		return b, nil
	}

	str, ok := value.(string)
	if !ok {
		return nil, domain.NewValidationDenial(name, "type_string")
	}
	if !utf8.ValidString(str) {
		return nil, domain.NewValidationDenial(name, "invalid_utf8")
	}
	if nullBytePattern.MatchString(str) {
		return nil, domain.NewValidationDenial(name, "null_byte")
	}

	maxLen := spec.MaxLength
	if maxLen <= 0 || (s.limits.MaxStringLength > 0 && maxLen > s.limits.MaxStringLength) {
		maxLen = s.limits.MaxStringLength
	}
	if maxLen > 0 && len(str) > maxLen {
		return nil, domain.NewValidationDenial(name, "max_length")
	}

	// Injection scan applies to every string kind. Free text is the only
	// kind that survives markup; everything else rejects outright.
	if sqlInjectionPattern.MatchString(str) {
		return nil, domain.NewValidationDenial(name, "sql_injection")
	}
	if spec.Kind != domain.FieldFreeText && shellInjectionPattern.MatchString(str) {
		return nil, domain.NewValidationDenial(name, "shell_injection")
	}
	if pathTraversalPattern.MatchString(str) {
		return nil, domain.NewValidationDenial(name, "path_traversal")
	}

	if spec.Pattern != "" {
		re, ok := s.patternCache[spec.Pattern]
		if !ok {
			var err error
			re, err = regexp.Compile(spec.Pattern)
			if err != nil {
				return nil, domain.NewValidationDenial(name, "pattern")
			}
		}
		if !re.MatchString(str) {
			return nil, domain.NewValidationDenial(name, "pattern")
		}
	}

	switch spec.Kind {
	case domain.FieldIdentifier:
		if !identifierPattern.MatchString(str) {
			return nil, domain.NewValidationDenial(name, "identifier")
		}
		return str, nil

	case domain.FieldCommand:
		if !commandNamePattern.MatchString(str) {
			return nil, domain.NewValidationDenial(name, "command_name")
		}
		return str, nil

	case domain.FieldPath:
		return s.sanitizePath(name, str)

	case domain.FieldEmail:
		lowered := strings.ToLower(strings.TrimSpace(str))
		if !emailPattern.MatchString(lowered) {
			return nil, domain.NewValidationDenial(name, "email")
		}
		return lowered, nil

	case domain.FieldURL:
		u, err := url.Parse(str)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, domain.NewValidationDenial(name, "url")
		}
		return u.String(), nil

	case domain.FieldFreeText:
		return encodeHTML(str), nil

	default: // FieldString and unspecified kinds
		if strings.ContainsAny(str, "<>\"'") {
			return nil, domain.NewValidationDenial(name, "markup")
		}
		return str, nil
	}
}

func (s *Sanitizer) sanitizePath(name, str string) (any, error) {
	if strings.HasPrefix(str, "/") || strings.HasPrefix(str, "\\") {
		return nil, domain.NewValidationDenial(name, "absolute_path")
	}
	if len(str) >= 2 && str[1] == ':' {
		return nil, domain.NewValidationDenial(name, "absolute_path")
	}
	// Shells expand ~ to a home directory, so a tilde anywhere is an escape
	// hatch out of the working tree.
	if strings.Contains(str, "~") {
		return nil, domain.NewValidationDenial(name, "path_traversal")
	}
	lowered := strings.ToLower(str)
	for _, ext := range dangerousExtensions {
		if strings.HasSuffix(lowered, ext) {
			return nil, domain.NewValidationDenial(name, "dangerous_extension")
		}
	}
	if strings.ContainsAny(str, "<>\"'|?*") {
		return nil, domain.NewValidationDenial(name, "path_chars")
	}
	return strings.ReplaceAll(str, "\\", "/"), nil
}

// structureExceeded walks the value tree depth-first checking depth, array
// length, object key count, and raw string length limits.
func (s *Sanitizer) structureExceeded(value any, depth int) (string, bool) {
	if s.limits.MaxNestingDepth > 0 && depth > s.limits.MaxNestingDepth {
		return "", true
	}
	switch v := value.(type) {
	case map[string]any:
		if s.limits.MaxObjectKeys > 0 && len(v) > s.limits.MaxObjectKeys {
			return "", true
		}
		for key, child := range v {
			if field, ok := s.structureExceeded(child, depth+1); ok {
				if field == "" {
					field = key
				}
				return field, true
			}
		}
	case []any:
		if s.limits.MaxArrayLength > 0 && len(v) > s.limits.MaxArrayLength {
			return "", true
		}
		for _, child := range v {
			if field, ok := s.structureExceeded(child, depth+1); ok {
				return field, true
			}
		}
	case string:
		if s.limits.MaxStringLength > 0 && len(v) > s.limits.MaxStringLength {
			return "", true
		}
	}
	return "", false
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
