package textutil

import "testing"

func TestShellJoin(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{nil, ""},
		{[]string{"test", "./..."}, "test ./..."},
		{[]string{"-m", "fix bug"}, "-m 'fix bug'"},
		{[]string{""}, "''"},
		{[]string{"it's"}, `'it'\''s'`},
		{[]string{"$HOME"}, "'$HOME'"},
	}
	for _, tc := range tests {
		if got := ShellJoin(tc.args); got != tc.want {
			t.Errorf("ShellJoin(%q) = %q, want %q", tc.args, got, tc.want)
		}
	}
}

func TestAbbreviate(t *testing.T) {
	if got := Abbreviate("0123456789", 8); got != "01234567" {
		t.Fatalf("Abbreviate = %q", got)
	}
	if got := Abbreviate("short", 8); got != "short" {
		t.Fatalf("Abbreviate = %q", got)
	}
	if got := Abbreviate("keep", 0); got != "keep" {
		t.Fatalf("Abbreviate = %q", got)
	}
}

func TestTernary(t *testing.T) {
	if Ternary(true, "yes", "no") != "yes" || Ternary(false, 1, 2) != 2 {
		t.Fatal("Ternary picked the wrong branch")
	}
}
