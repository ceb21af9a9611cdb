package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// isolate clears every bound variable so the host environment cannot leak in.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv(EnvConfigFile, "")
	for _, names := range envNames {
		for _, name := range names {
			t.Setenv(name, "")
			os.Unsetenv(name)
		}
	}
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	s, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.SSHUser != "pi" || s.SSHPort != 22 {
		t.Fatalf("ssh defaults = %s:%d", s.SSHUser, s.SSHPort)
	}
	if s.QueueWorkers != 4 || s.BulkParallelism != 1 {
		t.Fatalf("workers=%d parallelism=%d", s.QueueWorkers, s.BulkParallelism)
	}
	if s.SoftTimeLimit != 1700*time.Second || s.HardTimeLimit != 1800*time.Second {
		t.Fatalf("limits = %s/%s", s.SoftTimeLimit, s.HardTimeLimit)
	}
	if s.AttemptLimit != 10 || s.AttemptWindow != 10*time.Minute {
		t.Fatalf("attempt limit = %d per %s", s.AttemptLimit, s.AttemptWindow)
	}
	if s.ConnectTimeout != 15*time.Second {
		t.Fatalf("connect timeout = %s", s.ConnectTimeout)
	}
	if s.ConfigFile != "" {
		t.Fatalf("no config file expected, got %s", s.ConfigFile)
	}
	if s.NotifyEnabled() {
		t.Fatalf("notifiers must be off by default")
	}
	if s.Level() != zerolog.InfoLevel {
		t.Fatalf("level = %s", s.Level())
	}
}

func TestLoadFilePrecedence(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	content := strings.Join([]string{
		"ssh_user: ubuntu",
		"queue_workers: 8",
		"soft_time_limit: 10m",
		"hard_time_limit: 12m",
		"callback_url: https://fm.example.com/",
		"feishu_app_id: cli_a",
		"feishu_app_secret: s3cret",
		"feishu_chat_id: oc_1",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("PROVISION_QUEUE_WORKERS", "2")

	s, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.SSHUser != "ubuntu" {
		t.Fatalf("file value not applied: %s", s.SSHUser)
	}
	if s.QueueWorkers != 2 {
		t.Fatalf("env must override file, got %d", s.QueueWorkers)
	}
	if s.SoftTimeLimit != 10*time.Minute || s.HardTimeLimit != 12*time.Minute {
		t.Fatalf("limits = %s/%s", s.SoftTimeLimit, s.HardTimeLimit)
	}
	if s.CallbackURL != "https://fm.example.com" {
		t.Fatalf("callback url = %s", s.CallbackURL)
	}
	if !s.FeishuEnabled() || !s.NotifyEnabled() {
		t.Fatalf("feishu should be enabled")
	}
	if s.ConfigFile != path {
		t.Fatalf("config file = %s", s.ConfigFile)
	}
}

func TestLoadEnvAliases(t *testing.T) {
	isolate(t)
	t.Setenv("TAILSCALE_AUTHKEY", "tskey-auth-123")
	t.Setenv("FM_SERVER_URL", "http://10.0.0.1:8000")
	s, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.VPNAuthKey != "tskey-auth-123" {
		t.Fatalf("vpn key = %q", s.VPNAuthKey)
	}
	if s.CallbackURL != "http://10.0.0.1:8000" {
		t.Fatalf("callback = %q", s.CallbackURL)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	isolate(t)
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing explicit file")
	}
}

func TestValidate(t *testing.T) {
	base := func() Settings {
		return Settings{
			SSHPort:       22,
			QueueWorkers:  1,
			SoftTimeLimit: time.Minute,
			HardTimeLimit: 2 * time.Minute,
			LogLevel:      "info",
		}
	}
	cases := []struct {
		name   string
		mutate func(*Settings)
		ok     bool
	}{
		{name: "valid", mutate: func(*Settings) {}, ok: true},
		{name: "port", mutate: func(s *Settings) { s.SSHPort = 70000 }},
		{name: "workers", mutate: func(s *Settings) { s.QueueWorkers = 0 }},
		{name: "hard below soft", mutate: func(s *Settings) { s.HardTimeLimit = 30 * time.Second }},
		{name: "sealed without key", mutate: func(s *Settings) { s.VPNAuthKeySealed = "abc" }},
		{name: "sealed with key", mutate: func(s *Settings) { s.VPNAuthKeySealed = "abc"; s.SecretKey = "k" }, ok: true},
		{name: "bad level", mutate: func(s *Settings) { s.LogLevel = "loud" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := base()
			tc.mutate(&s)
			err := s.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
