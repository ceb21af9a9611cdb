package provisionagent

import "github.com/httprunner/ProvisionAgent/internal/config"

// Settings aliases the internal configuration so downstream code can avoid
// importing internal packages directly.
type Settings = config.Settings

// LoadSettings resolves settings from defaults, the optional config file at
// path (or PROVISION_CONFIG) and PROVISION_* environment variables.
func LoadSettings(path string) (*Settings, error) {
	return config.Load(path)
}

// LoadedDotEnv returns the .env file picked up from the working directory
// tree or ~/.provision, or "" when none was loaded.
func LoadedDotEnv() string {
	_ = config.LoadDotEnv()
	return config.DotEnvPath()
}
