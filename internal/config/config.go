// Package config assembles agent settings from defaults, an optional YAML
// file and PROVISION_* environment variables, in increasing precedence.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// EnvConfigFile names a config file when --config is not given.
const EnvConfigFile = "PROVISION_CONFIG"

// Settings is the resolved agent configuration.
type Settings struct {
	DBPath    string `mapstructure:"db_path"`
	SecretKey string `mapstructure:"secret_key"`

	SSHUser        string        `mapstructure:"ssh_user"`
	SSHPort        int           `mapstructure:"ssh_port"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`

	CallbackURL   string `mapstructure:"callback_url"`
	RegisterToken string `mapstructure:"register_token"`
	// VPNAuthKey is used as is; VPNAuthKeySealed is opened with SecretKey
	// at provisioning time. The plain key wins when both are set.
	VPNAuthKey       string `mapstructure:"vpn_auth_key"`
	VPNAuthKeySealed string `mapstructure:"vpn_auth_key_sealed"`

	QueueWorkers    int           `mapstructure:"queue_workers"`
	QueueBacklog    int           `mapstructure:"queue_backlog"`
	SoftTimeLimit   time.Duration `mapstructure:"soft_time_limit"`
	HardTimeLimit   time.Duration `mapstructure:"hard_time_limit"`
	BulkParallelism int           `mapstructure:"bulk_parallelism"`
	// AttemptLimit caps provision and retry requests per address within
	// AttemptWindow; 0 disables the cap.
	AttemptLimit  int           `mapstructure:"attempt_limit"`
	AttemptWindow time.Duration `mapstructure:"attempt_window"`

	AssetDir string `mapstructure:"asset_dir"`

	ZMQEndpoint     string `mapstructure:"zmq_endpoint"`
	FeishuAppID     string `mapstructure:"feishu_app_id"`
	FeishuAppSecret string `mapstructure:"feishu_app_secret"`
	FeishuChatID    string `mapstructure:"feishu_chat_id"`
	FeishuBaseURL   string `mapstructure:"feishu_base_url"`

	LogLevel string `mapstructure:"log_level"`

	// ConfigFile is the file the settings were read from, if any.
	ConfigFile string `mapstructure:"-"`
}

var defaults = map[string]any{
	"ssh_user":         "pi",
	"ssh_port":         22,
	"connect_timeout":  "15s",
	"queue_workers":    4,
	"queue_backlog":    256,
	"soft_time_limit":  "1700s",
	"hard_time_limit":  "1800s",
	"bulk_parallelism": 1,
	"attempt_limit":    10,
	"attempt_window":   "10m",
	"log_level":        "info",
}

// envNames lists the environment variables bound to each key. The first
// name is the canonical one; later names are accepted aliases.
var envNames = map[string][]string{
	"db_path":             {"PROVISION_DB_PATH"},
	"secret_key":          {"PROVISION_SECRET_KEY"},
	"ssh_user":            {"PROVISION_SSH_USER"},
	"ssh_port":            {"PROVISION_SSH_PORT"},
	"connect_timeout":     {"PROVISION_CONNECT_TIMEOUT"},
	"callback_url":        {"PROVISION_CALLBACK_URL", "FM_SERVER_URL"},
	"register_token":      {"PROVISION_REGISTER_TOKEN", "PLAYER_REGISTER_TOKEN"},
	"vpn_auth_key":        {"PROVISION_VPN_AUTH_KEY", "TAILSCALE_AUTHKEY"},
	"vpn_auth_key_sealed": {"PROVISION_VPN_AUTH_KEY_SEALED"},
	"queue_workers":       {"PROVISION_QUEUE_WORKERS"},
	"queue_backlog":       {"PROVISION_QUEUE_BACKLOG"},
	"soft_time_limit":     {"PROVISION_SOFT_TIME_LIMIT"},
	"hard_time_limit":     {"PROVISION_HARD_TIME_LIMIT"},
	"bulk_parallelism":    {"PROVISION_BULK_PARALLELISM"},
	"attempt_limit":       {"PROVISION_ATTEMPT_LIMIT"},
	"attempt_window":      {"PROVISION_ATTEMPT_WINDOW"},
	"asset_dir":           {"PROVISION_ASSET_DIR"},
	"zmq_endpoint":        {"PROVISION_ZMQ_ENDPOINT"},
	"feishu_app_id":       {"PROVISION_FEISHU_APP_ID", "FEISHU_APP_ID"},
	"feishu_app_secret":   {"PROVISION_FEISHU_APP_SECRET", "FEISHU_APP_SECRET"},
	"feishu_chat_id":      {"PROVISION_FEISHU_CHAT_ID", "FEISHU_CHAT_ID"},
	"feishu_base_url":     {"PROVISION_FEISHU_BASE_URL", "FEISHU_BASE_URL"},
	"log_level":           {"PROVISION_LOG_LEVEL"},
}

// Load resolves Settings. path may be empty, in which case PROVISION_CONFIG
// is consulted and then provisionagent.yaml is searched in the working
// directory and ~/.provision. A missing searched file is not an error; a
// missing explicit file is.
func Load(path string) (*Settings, error) {
	_ = LoadDotEnv()

	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	for key, names := range envNames {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, errors.Wrapf(err, "config: bind %s failed", key)
		}
	}

	if path == "" {
		path = strings.TrimSpace(os.Getenv(EnvConfigFile))
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "config: read %s failed", path)
		}
	} else {
		v.SetConfigName("provisionagent")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, stateDirName))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errors.Wrap(err, "config: read provisionagent.yaml failed")
			}
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, errors.Wrap(err, "config: decode settings failed")
	}
	s.ConfigFile = v.ConfigFileUsed()
	s.CallbackURL = strings.TrimRight(strings.TrimSpace(s.CallbackURL), "/")
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate rejects settings the agent cannot run with.
func (s *Settings) Validate() error {
	switch {
	case s.SSHPort <= 0 || s.SSHPort > 65535:
		return errors.Errorf("config: ssh_port %d out of range", s.SSHPort)
	case s.QueueWorkers <= 0:
		return errors.Errorf("config: queue_workers must be positive, got %d", s.QueueWorkers)
	case s.SoftTimeLimit <= 0 || s.HardTimeLimit <= 0:
		return errors.New("config: time limits must be positive")
	case s.HardTimeLimit < s.SoftTimeLimit:
		return errors.Errorf("config: hard_time_limit %s is below soft_time_limit %s", s.HardTimeLimit, s.SoftTimeLimit)
	case s.VPNAuthKeySealed != "" && s.VPNAuthKey == "" && s.SecretKey == "":
		return errors.New("config: vpn_auth_key_sealed requires secret_key")
	}
	if _, err := zerolog.ParseLevel(s.LogLevel); err != nil {
		return errors.Wrapf(err, "config: log_level %q", s.LogLevel)
	}
	return nil
}

// Level returns the zerolog level for LogLevel, defaulting to info.
func (s *Settings) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(s.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// NotifyEnabled reports whether any outcome notifier is configured.
func (s *Settings) NotifyEnabled() bool {
	return s.ZMQEndpoint != "" || s.FeishuEnabled()
}

// FeishuEnabled reports whether the Feishu notifier has enough to send.
func (s *Settings) FeishuEnabled() bool {
	return s.FeishuAppID != "" && s.FeishuAppSecret != "" && s.FeishuChatID != ""
}
