package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFindDotEnv(t *testing.T) {
	cases := []struct {
		name   string
		files  []string
		dirs   []string
		wdRel  string
		expect string
	}{
		{name: "walks up from nested dir", files: []string{"work/a/.env"}, wdRel: "work/a/b/c", expect: "work/a/.env"},
		{name: "nearest wins over state dir", files: []string{"work/.env", "home/.provision/.env"}, wdRel: "work/x", expect: "work/.env"},
		{name: "falls back to state dir", files: []string{"home/.provision/.env"}, wdRel: "work/x", expect: "home/.provision/.env"},
		{name: "directory named .env is skipped", dirs: []string{"work/x/.env"}, files: []string{"home/.provision/.env"}, wdRel: "work/x", expect: "home/.provision/.env"},
		{name: "nothing found", wdRel: "work/x"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			root := t.TempDir()
			if err := os.MkdirAll(filepath.Join(root, tc.wdRel), 0o755); err != nil {
				t.Fatalf("mkdir: %v", err)
			}
			for _, d := range tc.dirs {
				if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
					t.Fatalf("mkdir: %v", err)
				}
			}
			for _, f := range tc.files {
				path := filepath.Join(root, f)
				if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
					t.Fatalf("mkdir: %v", err)
				}
				if err := os.WriteFile(path, []byte("PROVISION_SSH_USER=pi\n"), 0o600); err != nil {
					t.Fatalf("write: %v", err)
				}
			}
			got, err := findDotEnv(filepath.Join(root, tc.wdRel), filepath.Join(root, "home"))
			if err != nil {
				t.Fatalf("find: %v", err)
			}
			if tc.expect == "" {
				// a .env above the temp dir belongs to the host, not the case
				if got != "" && isUnder(got, root) {
					t.Fatalf("find = %q, want nothing under %s", got, root)
				}
				return
			}
			if want := filepath.Join(root, tc.expect); got != want {
				t.Fatalf("find = %q, want %q", got, want)
			}
		})
	}
}

func isUnder(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && !strings.HasPrefix(rel, "..")
}

func TestApplyDotEnvKeepsExistingVariables(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "PROVISION_SECRET_KEY=from-file\nTAILSCALE_AUTHKEY=tskey-file\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("PROVISION_SECRET_KEY", "from-env")
	t.Setenv("TAILSCALE_AUTHKEY", "")
	os.Unsetenv("TAILSCALE_AUTHKEY")

	applied, err := applyDotEnv(path)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(applied) != 1 || applied[0] != "TAILSCALE_AUTHKEY" {
		t.Fatalf("applied = %v", applied)
	}
	if got := os.Getenv("PROVISION_SECRET_KEY"); got != "from-env" {
		t.Fatalf("environment must win, got %q", got)
	}
	if got := os.Getenv("TAILSCALE_AUTHKEY"); got != "tskey-file" {
		t.Fatalf("TAILSCALE_AUTHKEY = %q", got)
	}
}

func TestLoadDotEnvIsHermeticUnderTest(t *testing.T) {
	t.Setenv("GOTEST_LOAD_DOTENV", "")
	if err := LoadDotEnv(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if DotEnvPath() != "" {
		t.Fatalf("no .env should be loaded under go test, got %s", DotEnvPath())
	}
}
