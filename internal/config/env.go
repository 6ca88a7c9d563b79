package config

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// EnvFileVar overrides the --env flag when set.
const EnvFileVar = "ANNODEDUP_ENV_FILE"

// EnvLoader loads a .env file named by an --env flag.
type EnvLoader struct {
	value *string
}

// AddEnvFlag registers an --env flag on fs.
func AddEnvFlag(fs *flag.FlagSet) *EnvLoader {
	if fs == nil {
		fs = flag.CommandLine
	}
	return &EnvLoader{value: fs.String("env", "", "path to a .env file")}
}

// Load applies the requested .env file on top of the process environment.
// It returns the loaded path, or "" when no file was requested.
func (l *EnvLoader) Load() (string, error) {
	path := strings.TrimSpace(os.Getenv(EnvFileVar))
	if path == "" && l != nil && l.value != nil {
		path = strings.TrimSpace(*l.value)
	}
	if path == "" {
		return "", nil
	}
	if err := godotenv.Overload(path); err != nil {
		return "", fmt.Errorf("load env file %s: %w", path, err)
	}
	return path, nil
}
