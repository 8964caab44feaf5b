package xid

import (
	"strings"
	"testing"
)

func TestNewIsPrefixedAndValid(t *testing.T) {
	id := New("bill")
	if !strings.HasPrefix(id, "bill_") {
		t.Fatalf("expected bill_ prefix, got %q", id)
	}
	if !Valid(id) {
		t.Fatalf("expected %q to be valid", id)
	}
	if New("bill") == id {
		t.Fatalf("expected unique ids")
	}
}

func TestValidRejectsGarbage(t *testing.T) {
	for _, id := range []string{"", "bill", "bill_", "_0190", "bill_not-a-uuid"} {
		if Valid(id) {
			t.Fatalf("expected %q to be rejected", id)
		}
	}
}
