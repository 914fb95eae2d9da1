package env

import (
	"os"
	"strings"

	"github.com/agentuity/go-cache/logger"
	cstr "github.com/agentuity/go-cache/string"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

type EnvLine struct {
	Key string `json:"key"`
	Val string `json:"val"`
}

func dequote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// ProcessEnvLine splits a KEY=value line. Quotes around the value are removed.
func ProcessEnvLine(line string) EnvLine {
	key, val, ok := strings.Cut(line, "=")
	if !ok {
		return EnvLine{Key: strings.TrimSpace(line)}
	}
	key = strings.TrimPrefix(strings.TrimSpace(key), "export ")
	return EnvLine{Key: strings.TrimSpace(key), Val: dequote(strings.TrimSpace(val))}
}

// ParseEnvBuffer parses KEY=value lines. Blank lines and # comments are
// skipped. Values may refer to earlier keys, or to the process
// environment, with ${KEY} and ${KEY:-default}.
func ParseEnvBuffer(buf []byte) ([]EnvLine, error) {
	envs := make([]EnvLine, 0)
	seen := make(map[string]string)
	for _, line := range strings.Split(string(buf), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		env := ProcessEnvLine(line)
		if env.Key == "" {
			continue
		}
		val, err := cstr.Interpolate(env.Val, func(key string) (string, bool) {
			if v, ok := seen[key]; ok {
				return v, true
			}
			return os.LookupEnv(key)
		})
		if err != nil {
			return nil, errors.Wrapf(err, "env: %s", env.Key)
		}
		env.Val = val
		seen[env.Key] = val
		envs = append(envs, env)
	}
	return envs, nil
}

// ParseEnvFile parses an environment file. A missing file yields no lines.
func ParseEnvFile(filename string) ([]EnvLine, error) {
	buf, err := os.ReadFile(filename)
	if errors.Is(err, os.ErrNotExist) {
		return []EnvLine{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "env: failed to read %s", filename)
	}
	return ParseEnvBuffer(buf)
}

// LoadEnvFile sets every variable of filename that is not already set in
// the process environment.
func LoadEnvFile(filename string) error {
	envs, err := ParseEnvFile(filename)
	if err != nil {
		return err
	}
	for _, env := range envs {
		if _, ok := os.LookupEnv(env.Key); ok {
			continue
		}
		if err := os.Setenv(env.Key, env.Val); err != nil {
			return errors.Wrapf(err, "env: failed to set %s", env.Key)
		}
	}
	return nil
}

// FlagOrEnv will try and get a flag from the cobra.Command and if not found, look it up in the environment
// and fallback to defaultValue if non found
func FlagOrEnv(cmd *cobra.Command, flagName string, envName string, defaultValue string) string {
	flagValue, _ := cmd.Flags().GetString(flagName)
	if flagValue != "" {
		return flagValue
	}
	if val, ok := os.LookupEnv(envName); ok && val != "" {
		return val
	}
	return defaultValue
}

// LogLevel reads the --log-level flag, then CACHE_LOG_LEVEL, then info.
func LogLevel(cmd *cobra.Command) logger.LogLevel {
	level, _ := logger.ParseLevel(FlagOrEnv(cmd, "log-level", logger.EnvLogLevel, "info"))
	return level
}

// NewLogger returns a logger at LogLevel(cmd). The --log-format flag (or
// CACHE_LOG_FORMAT) selects "json" output; anything else is the console.
func NewLogger(cmd *cobra.Command) logger.Logger {
	level := LogLevel(cmd)
	if strings.EqualFold(FlagOrEnv(cmd, "log-format", "CACHE_LOG_FORMAT", "console"), "json") {
		return logger.NewJSONLogger(level)
	}
	return logger.NewConsoleLogger(level)
}
