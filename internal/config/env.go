package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
)

func GetStringEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

// EnvName maps a flag name to its variable, e.g. listen-port to MTRELAY_LISTEN_PORT.
func EnvName(prefix, flag string) string {
	return prefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

// ApplyEnv fills every flag not set on the command line from prefixed environment
// variables. Values go through flag.Value.Set, so Changed keeps meaning "explicit".
func ApplyEnv(flags *pflag.FlagSet, prefix string) error {
	var firstErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if firstErr != nil || f.Changed {
			return
		}
		name := EnvName(prefix, f.Name)
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			return
		}
		if err := f.Value.Set(v); err != nil {
			firstErr = fmt.Errorf("invalid %s=%q: %w", name, v, err)
		}
	})
	return firstErr
}

// ApplyValues sets flags not given on the command line from values keyed by flag name.
func ApplyValues(flags *pflag.FlagSet, values map[string]string) error {
	for name, v := range values {
		f := flags.Lookup(name)
		if f == nil {
			return fmt.Errorf("unknown setting %q", name)
		}
		if f.Changed {
			continue
		}
		if err := f.Value.Set(v); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, v, err)
		}
	}
	return nil
}
