package sanitize

import "regexp"

// Injection patterns applied to every string value regardless of declared
// kind. A match is always a hard rejection, never an encode-and-continue.
var (
	sqlInjectionPattern = regexp.MustCompile(`(?i)(\bunion\b[\s(]+\bselect\b|\bselect\b.+\bfrom\b|\binsert\b\s+\binto\b|\bdelete\b\s+\bfrom\b|\bdrop\b\s+(\btable\b|\bdatabase\b)|\bupdate\b.+\bset\b|\bexec(ute)?\b\s*\(|'\s*(or|and)\s+'?\d|--\s|;\s*--|/\*.*\*/)`)

	shellInjectionPattern = regexp.MustCompile("[;&|`$]|\\$\\(|\\{\\{|>\\s*/|<\\s*/")

	pathTraversalPattern = regexp.MustCompile(`(?i)(\.\./|\.\.\\|%2e%2e|%252e|\.\.%2f|%2e%2e%2f)`)

	nullBytePattern = regexp.MustCompile(`\x00|%00`)
)

// globalBlockedPatterns are scanned over the whole invocation (command name
// plus serialized arguments) before any per-field work. These catch payloads
// that split an attack across fields or hide it in nested structures the
// schema never names.
var globalBlockedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<script[\s\S]*?</script>`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)data:text/html`),
	regexp.MustCompile(`(?i)\beval\s*\(`),
	regexp.MustCompile(`\bFunction\s*\(`),
	regexp.MustCompile(`\bsetTimeout\s*\(`),
	regexp.MustCompile(`\bsetInterval\s*\(`),
	regexp.MustCompile(`/etc/passwd`),
	regexp.MustCompile(`/etc/shadow`),
	regexp.MustCompile(`(?i)C:\\\\?Windows\\\\?System32`),
	regexp.MustCompile(`rm\s+-rf\s+/`),
	regexp.MustCompile(`sudo\s+rm`),
	regexp.MustCompile(`\|\s*(sh|bash)\b`),
	regexp.MustCompile("`[^`]+`"),
}

// dangerousExtensions are file suffixes a path argument may never carry.
var dangerousExtensions = []string{
	".exe", ".bat", ".cmd", ".com", ".scr", ".pif",
	".sh", ".bash", ".zsh", ".ps1", ".psm1",
	".vbs", ".vbe", ".js", ".jse", ".wsf", ".wsh",
	".msi", ".jar", ".app", ".deb", ".rpm",
	".dll", ".so", ".dylib",
}

// Structured-kind shapes. Identifiers and commands are deliberately narrow;
// anything richer belongs in a freetext field.
var (
	identifierPattern  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]{0,127}$`)
	commandNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)*$`)
	emailPattern       = regexp.MustCompile(`^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`)
)

// encodedEntityPattern recognizes entities this package itself emits, so
// re-sanitizing already-clean output never double-encodes.
var encodedEntityPattern = regexp.MustCompile(`^&(amp|lt|gt|quot|#39|#x2F);`)
