package cli

import (
	"bytes"
	"testing"
)

func TestRootCommand_RejectsBadFormat(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--format", "yaml", "reference", "preview"})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected invalid format error")
	}
}

func TestRootCommand_HasExpectedGroups(t *testing.T) {
	cmd := NewRootCommand()
	want := map[string]bool{"invoice": false, "reference": false, "receipt": false, "integrity": false, "backup": false}
	for _, sub := range cmd.Commands() {
		if _, ok := want[sub.Name()]; ok {
			want[sub.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Fatalf("command group %s missing", name)
		}
	}
}
