package classify

import (
	"testing"
	"time"

	"github.com/arklim/ipc-gateway/internal/core/domain"
)

const testTableYAML = `
commands:
  - name: app.info
    tier: public
  - name: fs.read
    tier: authenticated
    required_permissions: [fs.read]
    argument_schema:
      path: {kind: path, required: true}
  - name: fs.write
    tier: privileged
    required_permissions: [fs.write]
    risk_weight: 5
  - name: session.purge
    tier: administrative
    required_permissions: [session.manage]
    requires_second_factor: true
  - name: system.exec
    tier: blocked
aliases:
  readFile: fs.read
permission_groups:
  admin: [poweruser, session.manage]
  poweruser: [user, fs.write]
  user: [fs.read, app.info]
`

func loadTestTable(t *testing.T) *Table {
	t.Helper()
	table, err := ParseTable([]byte(testTableYAML))
	if err != nil {
		t.Fatalf("parse table: %v", err)
	}
	return table
}

func sessionWith(table *Table, granted ...string) *domain.Session {
	return &domain.Session{
		ID:          "sess-1",
		State:       domain.SessionActive,
		Permissions: table.ExpandPermissions(granted),
	}
}

func TestAliasResolvesToCanonicalCommand(t *testing.T) {
	c := NewClassifier(loadTestTable(t))

	cls, ok := c.Resolve("readFile")
	if !ok {
		t.Fatal("alias did not resolve")
	}
	if cls.Name != "fs.read" {
		t.Fatalf("expected fs.read, got %s", cls.Name)
	}
}

func TestUnknownCommandNotFound(t *testing.T) {
	c := NewClassifier(loadTestTable(t))

	if _, ok := c.Resolve("no.such.command"); ok {
		t.Fatal("expected lookup miss")
	}
}

func TestBlockedDeniedForEveryone(t *testing.T) {
	table := loadTestTable(t)
	c := NewClassifier(table)

	cls, _ := c.Resolve("system.exec")
	sess := sessionWith(table, "admin")

	denial := c.Authorize(sess, cls, time.Now())
	if denial == nil || denial.Reason != domain.DenialBlocked {
		t.Fatalf("expected blocked denial, got %v", denial)
	}
}

func TestPermissionHierarchyExpansion(t *testing.T) {
	table := loadTestTable(t)

	perms := table.ExpandPermissions([]string{"admin"})
	for _, want := range []string{"admin", "poweruser", "user", "fs.read", "fs.write", "session.manage", "app.info"} {
		if _, ok := perms[want]; !ok {
			t.Fatalf("admin expansion missing %s", want)
		}
	}

	perms = table.ExpandPermissions([]string{"user"})
	if _, ok := perms["fs.write"]; ok {
		t.Fatal("user expansion must not include fs.write")
	}
}

func TestInsufficientPermissionsDenied(t *testing.T) {
	table := loadTestTable(t)
	c := NewClassifier(table)

	cls, _ := c.Resolve("fs.write")
	sess := sessionWith(table, "user")

	denial := c.Authorize(sess, cls, time.Now())
	if denial == nil || denial.Reason != domain.DenialInsufficientPermissions {
		t.Fatalf("expected insufficient_permissions, got %v", denial)
	}
}

func TestSecondFactorFreshness(t *testing.T) {
	table := loadTestTable(t)
	c := NewClassifier(table, WithSecondFactorWindow(5*time.Minute))

	cls, _ := c.Resolve("session.purge")
	now := time.Now()

	sess := sessionWith(table, "admin")
	denial := c.Authorize(sess, cls, now)
	if denial == nil || denial.Reason != domain.DenialSecondFactorRequired {
		t.Fatalf("expected second_factor_required, got %v", denial)
	}

	fresh := now.Add(-time.Minute)
	sess.SecondFactorAt = &fresh
	if denial := c.Authorize(sess, cls, now); denial != nil {
		t.Fatalf("expected allow with fresh second factor, got %v", denial)
	}

	stale := now.Add(-10 * time.Minute)
	sess.SecondFactorAt = &stale
	denial = c.Authorize(sess, cls, now)
	if denial == nil || denial.Reason != domain.DenialSecondFactorRequired {
		t.Fatalf("expected second_factor_required for stale step, got %v", denial)
	}
}

func TestPublicTierNeedsNoPermissions(t *testing.T) {
	table := loadTestTable(t)
	c := NewClassifier(table)

	cls, _ := c.Resolve("app.info")
	sess := &domain.Session{ID: "sess-2", State: domain.SessionActive}

	if denial := c.Authorize(sess, cls, time.Now()); denial != nil {
		t.Fatalf("expected allow, got %v", denial)
	}
}

func TestParseTableRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"invalid tier": `
commands:
  - name: a.b
    tier: superuser
`,
		"duplicate command": `
commands:
  - name: a.b
    tier: public
  - name: a.b
    tier: public
`,
		"alias to unknown": `
commands:
  - name: a.b
    tier: public
aliases:
  old: missing.cmd
`,
		"group cycle": `
commands:
  - name: a.b
    tier: public
permission_groups:
  x: [y]
  y: [x]
`,
	}

	for name, yaml := range cases {
		if _, err := ParseTable([]byte(yaml)); err == nil {
			t.Fatalf("%s: expected parse error", name)
		}
	}
}

func TestSwapReplacesTableAtomically(t *testing.T) {
	c := NewClassifier(loadTestTable(t))

	next, err := ParseTable([]byte(`
commands:
  - name: app.info
    tier: public
`))
	if err != nil {
		t.Fatalf("parse table: %v", err)
	}
	c.Swap(next)

	if _, ok := c.Resolve("fs.read"); ok {
		t.Fatal("old table still visible after swap")
	}
	if _, ok := c.Resolve("app.info"); !ok {
		t.Fatal("new table not visible after swap")
	}
}
