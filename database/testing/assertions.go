package testing

import (
	"strings"
	"testing"
)

// AssertOps fails the test unless the provider recorded exactly the expected
// operations, in order.
func AssertOps(t *testing.T, p *FakeProvider, expected ...string) {
	t.Helper()

	actual := p.Ops()
	if len(actual) != len(expected) {
		t.Errorf("expected %d operations, got %d\nexpected:\n%s\nactual:\n%s",
			len(expected), len(actual), formatOps(expected), formatOps(actual))
		return
	}
	for i := range expected {
		if actual[i] != expected[i] {
			t.Errorf("operation %d: expected %q, got %q\nactual:\n%s", i, expected[i], actual[i], formatOps(actual))
			return
		}
	}
}

// AssertOpRecorded fails the test unless some recorded operation starts with op.
func AssertOpRecorded(t *testing.T, p *FakeProvider, op string) {
	t.Helper()

	if CountOps(p, op) == 0 {
		t.Errorf("expected operation %q to be recorded\nactual:\n%s", op, formatOps(p.Ops()))
	}
}

// AssertOpNotRecorded fails the test if any recorded operation starts with op.
func AssertOpNotRecorded(t *testing.T, p *FakeProvider, op string) {
	t.Helper()

	if CountOps(p, op) > 0 {
		t.Errorf("expected operation %q not to be recorded\nactual:\n%s", op, formatOps(p.Ops()))
	}
}

// CountOps returns how many recorded operations start with op.
func CountOps(p *FakeProvider, op string) int {
	count := 0
	for _, recorded := range p.Ops() {
		if strings.HasPrefix(recorded, op) {
			count++
		}
	}
	return count
}

func formatOps(ops []string) string {
	if len(ops) == 0 {
		return "  (none)"
	}
	var b strings.Builder
	for i, op := range ops {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("  ")
		b.WriteString(op)
	}
	return b.String()
}
