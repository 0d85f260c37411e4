package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"github.com/ruteri/cvm-deployer/interfaces"
)

const (
	EnvAPIKey           = "PHALA_CLOUD_API_KEY"
	EnvAPIEndpoint      = "PHALA_CLOUD_API_ENDPOINT"
	EnvRedpillAPIKey    = "REDPILL_API_KEY"
	EnvTelegramBotToken = "TELEGRAM_BOT_TOKEN"

	DefaultAPIEndpoint = "https://cloud-api.phala.network/api/v1"
	DefaultDotenvFile  = ".env"
)

// DefaultRequiredEnv are the variables a deployment refuses to start without.
var DefaultRequiredEnv = []string{EnvRedpillAPIKey, EnvTelegramBotToken}

// ConfigurationError reports every missing required variable, in the order
// they were requested.
type ConfigurationError struct {
	Missing []string
}

func (e *ConfigurationError) Error() string {
	return "missing required environment variables: " + strings.Join(e.Missing, ", ")
}

// CheckRequired returns a *ConfigurationError naming each of names that is
// absent or empty according to lookup, or nil when all are set.
func CheckRequired(lookup func(string) (string, bool), names []string) error {
	return CheckRequiredIn(RequiredIn{Lookup: lookup, Names: names})
}

// RequiredIn is a set of required variables and where to look them up.
type RequiredIn struct {
	Lookup func(string) (string, bool)
	Names  []string
}

// CheckRequiredIn checks every set and reports all missing variables in one
// *ConfigurationError, in set order.
func CheckRequiredIn(sets ...RequiredIn) error {
	var missing []string
	for _, set := range sets {
		for _, name := range set.Names {
			if v, ok := set.Lookup(name); !ok || v == "" {
				missing = append(missing, name)
			}
		}
	}
	if len(missing) > 0 {
		return &ConfigurationError{Missing: missing}
	}
	return nil
}

// ReadEnvFile reads a dotenv file into env vars sorted by key. Variables with
// empty values are skipped.
func ReadEnvFile(path string) (interfaces.EnvVars, error) {
	vars, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("could not read env file %s: %w", path, err)
	}
	keys := make([]string, 0, len(vars))
	for k, v := range vars {
		if v != "" {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	envs := make(interfaces.EnvVars, 0, len(keys))
	for _, k := range keys {
		envs = append(envs, interfaces.EnvVar{Key: k, Value: vars[k]})
	}
	return envs, nil
}

// Environment is a snapshot of the process environment, populated once at
// startup. Components receive it explicitly instead of reading os.Getenv.
type Environment struct {
	APIKey           string
	APIEndpoint      string
	RedpillAPIKey    string
	TelegramBotToken string

	vars map[string]string
}

type EnvironmentOpts struct {
	// DotenvFile is read before the process environment. Process variables win.
	DotenvFile string

	// DotenvOptional skips a missing DotenvFile instead of failing.
	DotenvOptional bool
}

// LoadEnvironment snapshots the process environment, merged over the
// variables of an optional dotenv file. The process environment is not modified.
func LoadEnvironment(opts EnvironmentOpts) (*Environment, error) {
	vars := make(map[string]string)

	if opts.DotenvFile != "" {
		fileVars, err := godotenv.Read(opts.DotenvFile)
		switch {
		case err == nil:
			for k, v := range fileVars {
				vars[k] = v
			}
		case opts.DotenvOptional && errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("could not read dotenv file %s: %w", opts.DotenvFile, err)
		}
	}

	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			vars[k] = v
		}
	}

	return NewEnvironment(vars), nil
}

// NewEnvironment builds an Environment from an explicit variable set.
func NewEnvironment(vars map[string]string) *Environment {
	copied := make(map[string]string, len(vars))
	for k, v := range vars {
		copied[k] = v
	}

	env := &Environment{
		APIKey:           copied[EnvAPIKey],
		APIEndpoint:      copied[EnvAPIEndpoint],
		RedpillAPIKey:    copied[EnvRedpillAPIKey],
		TelegramBotToken: copied[EnvTelegramBotToken],
		vars:             copied,
	}
	if env.APIEndpoint == "" {
		env.APIEndpoint = DefaultAPIEndpoint
	}
	return env
}

// Lookup returns the value of any variable of the snapshot.
func (e *Environment) Lookup(name string) (string, bool) {
	v, ok := e.vars[name]
	return v, ok
}

// Require is CheckRequired over the snapshot.
func (e *Environment) Require(names ...string) error {
	return CheckRequired(e.Lookup, names)
}
