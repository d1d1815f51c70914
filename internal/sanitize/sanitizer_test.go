package sanitize

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/arklim/ipc-gateway/internal/core/domain"
)

func floatPtr(v float64) *float64 { return &v }

func requireDenial(t *testing.T, err error, field, rule string) {
	t.Helper()
	var denial *domain.Denial
	if !errors.As(err, &denial) {
		t.Fatalf("expected denial, got %v", err)
	}
	if denial.Reason != domain.DenialValidationFailed {
		t.Fatalf("expected validation_failed, got %s", denial.Reason)
	}
	if denial.Field != field || denial.Rule != rule {
		t.Fatalf("expected field=%s rule=%s, got field=%s rule=%s", field, rule, denial.Field, denial.Rule)
	}
}

func TestSanitizePathTraversalDenied(t *testing.T) {
	s := New(DefaultLimits())
	schema := map[string]domain.FieldSpec{
		"path": {Kind: domain.FieldPath, Required: true},
	}

	_, err := s.Sanitize(context.Background(), schema, map[string]any{
		"path": "../../../etc/passwd",
	}, 64)

	requireDenial(t, err, "path", "path_traversal")
}

func TestSanitizeEncodedTraversalDenied(t *testing.T) {
	s := New(DefaultLimits())
	schema := map[string]domain.FieldSpec{
		"path": {Kind: domain.FieldPath, Required: true},
	}

	for _, input := range []string{"..%2f..%2fetc/passwd", "%2e%2e/secret", "docs\\..\\..\\boot.ini"} {
		if _, err := s.Sanitize(context.Background(), schema, map[string]any{"path": input}, len(input)); err == nil {
			t.Fatalf("expected denial for %q", input)
		}
	}
}

func TestSanitizeTildePathDenied(t *testing.T) {
	s := New(DefaultLimits())
	schema := map[string]domain.FieldSpec{
		"path": {Kind: domain.FieldPath, Required: true},
	}

	for _, input := range []string{"~/secrets/id_rsa", "backups/~root/notes", "data/file~"} {
		_, err := s.Sanitize(context.Background(), schema, map[string]any{"path": input}, len(input))
		requireDenial(t, err, "path", "path_traversal")
	}
}

func TestSanitizeDangerousExtensionDenied(t *testing.T) {
	s := New(DefaultLimits())
	schema := map[string]domain.FieldSpec{
		"path": {Kind: domain.FieldPath, Required: true},
	}

	_, err := s.Sanitize(context.Background(), schema, map[string]any{
		"path": "uploads/tool.exe",
	}, 64)

	requireDenial(t, err, "path", "dangerous_extension")
}

func TestSanitizeSQLInjectionDenied(t *testing.T) {
	s := New(DefaultLimits())
	schema := map[string]domain.FieldSpec{
		"query": {Kind: domain.FieldString, Required: true},
	}

	for _, input := range []string{
		"x' OR '1'='1",
		"name; DROP TABLE users",
		"1 UNION SELECT password FROM accounts",
	} {
		if _, err := s.Sanitize(context.Background(), schema, map[string]any{"query": input}, len(input)); err == nil {
			t.Fatalf("expected denial for %q", input)
		}
	}
}

func TestSanitizeShellMetacharactersDenied(t *testing.T) {
	s := New(DefaultLimits())
	schema := map[string]domain.FieldSpec{
		"name": {Kind: domain.FieldIdentifier, Required: true},
	}

	_, err := s.Sanitize(context.Background(), schema, map[string]any{
		"name": "build; rm -rf /tmp",
	}, 64)

	requireDenial(t, err, "name", "shell_injection")
}

func TestSanitizeFreeTextEncoded(t *testing.T) {
	s := New(DefaultLimits())
	schema := map[string]domain.FieldSpec{
		"note": {Kind: domain.FieldFreeText, Required: true},
	}

	out, err := s.Sanitize(context.Background(), schema, map[string]any{
		"note": `<b>hello</b> & "world"`,
	}, 64)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := out["note"].(string)
	want := "&lt;b&gt;hello&lt;&#x2F;b&gt; &amp; &quot;world&quot;"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestEncodeHTMLIdempotent(t *testing.T) {
	inputs := []string{
		`<script>alert('x')</script>`,
		"a & b < c",
		"already &amp; encoded &lt;tag&gt;",
		"mixed & &amp; raw",
	}
	for _, in := range inputs {
		once := encodeHTML(in)
		twice := encodeHTML(once)
		if once != twice {
			t.Fatalf("not idempotent for %q: once=%q twice=%q", in, once, twice)
		}
	}
}

func TestSanitizeUnknownFieldDenied(t *testing.T) {
	s := New(DefaultLimits())
	schema := map[string]domain.FieldSpec{
		"name": {Kind: domain.FieldIdentifier, Required: true},
	}

	_, err := s.Sanitize(context.Background(), schema, map[string]any{
		"name":  "ok",
		"extra": "nope",
	}, 64)

	requireDenial(t, err, "extra", "unknown_field")
}

func TestSanitizeRequiredAndDefault(t *testing.T) {
	s := New(DefaultLimits())
	schema := map[string]domain.FieldSpec{
		"name":  {Kind: domain.FieldIdentifier, Required: true},
		"limit": {Kind: domain.FieldNumber, Default: float64(25)},
	}

	out, err := s.Sanitize(context.Background(), schema, map[string]any{"name": "report_7"}, 32)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["limit"] != float64(25) {
		t.Fatalf("expected default applied, got %v", out["limit"])
	}

	_, err = s.Sanitize(context.Background(), schema, map[string]any{}, 2)
	requireDenial(t, err, "name", "required")
}

func TestSanitizeNumberBounds(t *testing.T) {
	s := New(DefaultLimits())
	schema := map[string]domain.FieldSpec{
		"count": {Kind: domain.FieldNumber, Required: true, Min: floatPtr(1), Max: floatPtr(100)},
	}

	if _, err := s.Sanitize(context.Background(), schema, map[string]any{"count": float64(50)}, 16); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := s.Sanitize(context.Background(), schema, map[string]any{"count": float64(0)}, 16)
	requireDenial(t, err, "count", "min")

	_, err = s.Sanitize(context.Background(), schema, map[string]any{"count": float64(101)}, 16)
	requireDenial(t, err, "count", "max")
}

func TestSanitizePayloadSizeDenied(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxPayloadBytes = 128
	s := New(limits)
	schema := map[string]domain.FieldSpec{
		"note": {Kind: domain.FieldFreeText},
	}

	_, err := s.Sanitize(context.Background(), schema, map[string]any{"note": "x"}, 256)
	requireDenial(t, err, "", "max_payload_bytes")
}

func TestSanitizeNestingDepthDenied(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxNestingDepth = 3
	s := New(limits)
	schema := map[string]domain.FieldSpec{
		"data": {Kind: domain.FieldString},
	}

	deep := map[string]any{"data": map[string]any{"a": map[string]any{"b": map[string]any{"c": "too deep"}}}}
	if _, err := s.Sanitize(context.Background(), schema, deep, 64); err == nil {
		t.Fatal("expected structure denial")
	}
}

func TestSanitizeMaxStringLength(t *testing.T) {
	s := New(DefaultLimits())
	schema := map[string]domain.FieldSpec{
		"name": {Kind: domain.FieldIdentifier, Required: true, MaxLength: 8},
	}

	_, err := s.Sanitize(context.Background(), schema, map[string]any{
		"name": strings.Repeat("a", 9),
	}, 32)
	requireDenial(t, err, "name", "max_length")
}

func TestSanitizeEmailNormalized(t *testing.T) {
	s := New(DefaultLimits())
	schema := map[string]domain.FieldSpec{
		"email": {Kind: domain.FieldEmail, Required: true},
	}

	out, err := s.Sanitize(context.Background(), schema, map[string]any{
		"email": " Ops@Example.COM ",
	}, 32)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["email"] != "ops@example.com" {
		t.Fatalf("expected normalized email, got %v", out["email"])
	}
}

func TestSanitizeContextCancelled(t *testing.T) {
	s := New(DefaultLimits())
	schema := map[string]domain.FieldSpec{
		"name": {Kind: domain.FieldIdentifier, Required: true},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Sanitize(ctx, schema, map[string]any{"name": "ok"}, 16)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}

func TestScanInvocationBlockedPatterns(t *testing.T) {
	s := New(DefaultLimits())

	cases := []map[string]any{
		{"note": "<script>alert(1)</script>"},
		{"url": "javascript:void(0)"},
		{"nested": map[string]any{"deep": "curl x | sh"}},
		{"path": "/etc/shadow"},
		{"cmd": "sudo rm important"},
	}
	for _, args := range cases {
		denial := s.ScanInvocation("fs.read", args)
		if denial == nil {
			t.Fatalf("expected blocked_pattern denial for %v", args)
		}
		if denial.Rule != "blocked_pattern" {
			t.Fatalf("expected rule blocked_pattern, got %s", denial.Rule)
		}
	}

	if denial := s.ScanInvocation("fs.read", map[string]any{"path": "docs/readme.md"}); denial != nil {
		t.Fatalf("unexpected denial for clean invocation: %v", denial)
	}
}

func TestSanitizeNullByteDenied(t *testing.T) {
	s := New(DefaultLimits())
	schema := map[string]domain.FieldSpec{
		"name": {Kind: domain.FieldString, Required: true},
	}

	_, err := s.Sanitize(context.Background(), schema, map[string]any{"name": "abc\x00def"}, 16)
	requireDenial(t, err, "name", "null_byte")
}
