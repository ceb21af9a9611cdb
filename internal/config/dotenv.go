package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// EnvSkipDotEnv disables .env discovery when set to 1.
const EnvSkipDotEnv = "PROVISION_SKIP_DOTENV"

// stateDirName is the per-user agent directory that also holds the default
// database and provisionagent.yaml.
const stateDirName = ".provision"

var (
	dotEnvOnce sync.Once
	dotEnvPath string
	dotEnvErr  error
)

// LoadDotEnv applies a .env file to the process environment once. The file is
// the nearest .env above the working directory, else ~/.provision/.env, so a
// provisioning host can keep its secret key and VPN auth key next to the
// database. Variables already set in the environment win.
func LoadDotEnv() error {
	if os.Getenv(EnvSkipDotEnv) == "1" {
		return nil
	}
	// tests stay hermetic unless GOTEST_LOAD_DOTENV=1
	if underGoTest() && os.Getenv("GOTEST_LOAD_DOTENV") != "1" {
		return nil
	}
	dotEnvOnce.Do(func() {
		wd, err := os.Getwd()
		if err != nil {
			dotEnvErr = errors.Wrap(err, "config: resolve working directory failed")
			return
		}
		home, _ := os.UserHomeDir()
		path, err := findDotEnv(wd, home)
		if err != nil || path == "" {
			dotEnvErr = err
			return
		}
		applied, err := applyDotEnv(path)
		if err != nil {
			dotEnvErr = err
			log.Warn().Err(err).Str("dotenv", path).Msg("config: load .env failed")
			return
		}
		dotEnvPath = path
		// names only; the values are credentials
		log.Debug().Str("dotenv", path).Strs("applied", applied).Msg("config: loaded .env")
	})
	return dotEnvErr
}

// DotEnvPath returns the file applied by LoadDotEnv, or "".
func DotEnvPath() string {
	return dotEnvPath
}

// findDotEnv returns the first regular .env file in wd or one of its parents,
// falling back to the agent state directory under home.
func findDotEnv(wd, home string) (string, error) {
	for dir := wd; ; {
		path, err := regularFile(filepath.Join(dir, ".env"))
		if path != "" || err != nil {
			return path, err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	if home == "" {
		return "", nil
	}
	return regularFile(filepath.Join(home, stateDirName, ".env"))
}

func regularFile(path string) (string, error) {
	info, err := os.Stat(path)
	switch {
	case err == nil && !info.IsDir():
		return path, nil
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return "", errors.Wrapf(err, "config: stat %s failed", path)
	}
	return "", nil
}

// applyDotEnv sets every variable of path that the environment does not
// already define and returns their names, sorted. A file readable by group or
// others is still applied, with a warning, since it carries SSH and VPN
// secrets.
func applyDotEnv(path string) ([]string, error) {
	if info, err := os.Stat(path); err == nil && info.Mode().Perm()&0o077 != 0 {
		log.Warn().Str("dotenv", path).Str("mode", info.Mode().Perm().String()).
			Msg("config: .env is readable by other users; chmod 600 it")
	}
	values, err := godotenv.Read(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: parse %s failed", path)
	}
	var applied []string
	for name, val := range values {
		if _, set := os.LookupEnv(name); set {
			continue
		}
		if err := os.Setenv(name, val); err != nil {
			return applied, errors.Wrapf(err, "config: set %s failed", name)
		}
		applied = append(applied, name)
	}
	sort.Strings(applied)
	return applied, nil
}

func underGoTest() bool {
	if strings.HasSuffix(os.Args[0], ".test") {
		return true
	}
	for _, arg := range os.Args[1:] {
		if strings.HasPrefix(arg, "-test.") {
			return true
		}
	}
	return false
}
