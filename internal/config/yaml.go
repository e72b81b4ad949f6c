package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadYAML decodes the file at path into dest. ${VAR} references are expanded
// from the environment first, so secrets can stay out of the file. Unknown keys
// are an error; an empty file leaves dest untouched.
func LoadYAML(path string, dest any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %q: %w", path, err)
	}
	var missing []string
	expanded := os.Expand(string(data), func(name string) string {
		v, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
		}
		return v
	})
	if len(missing) > 0 {
		return fmt.Errorf("config %q references unset variables: %s", path, strings.Join(missing, ", "))
	}

	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(dest); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %q: %w", path, err)
	}
	return nil
}
