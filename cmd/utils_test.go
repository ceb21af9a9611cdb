package main

import (
	"bytes"
	"testing"
)

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "  ", " pi ", "root"); got != "pi" {
		t.Fatalf("firstNonEmpty = %q", got)
	}
	if got := firstNonEmpty(); got != "" {
		t.Fatalf("firstNonEmpty() = %q", got)
	}
}

func TestLogPrinterPrintsOnlyNewText(t *testing.T) {
	var buf bytes.Buffer
	p := &logPrinter{w: &buf}
	p.print("[Step 1] Connecting...\n")
	p.print("[Step 1] Connecting...\nConnected\n")
	p.print("[Step 1] Connecting...\nConnected\n")
	if got, want := buf.String(), "[Step 1] Connecting...\nConnected\n"; got != want {
		t.Fatalf("printed %q, want %q", got, want)
	}

	// a reset log starts over
	buf.Reset()
	p.print("fresh\n")
	if got := buf.String(); got != "fresh\n" {
		t.Fatalf("after reset printed %q", got)
	}
}

func TestSSHPassword(t *testing.T) {
	t.Setenv(EnvSSHPassword, "from-env")
	cases := []struct {
		name string
		flag string
		env  string
		want string
		err  bool
	}{
		{name: "flag wins", flag: "from-flag", env: "from-env", want: "from-flag"},
		{name: "env", env: "from-env", want: "from-env"},
		{name: "missing", err: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(EnvSSHPassword, tc.env)
			got, err := sshPassword(tc.flag)
			if tc.err {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("sshPassword = %q, %v", got, err)
			}
		})
	}
}
