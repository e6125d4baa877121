package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML config file at path into conf.
//
// Unknown keys are rejected. If expandEnv is set, references to ${VAR} or
// $VAR are replaced with the environment variable, and ${VAR:default}
// falls back to 'default' when VAR is unset.
func Load(conf interface{}, path string, expandEnv bool) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %s: %w", path, err)
	}

	if expandEnv {
		buf = []byte(os.Expand(string(buf), expandVar))
	}

	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)

	if err := dec.Decode(conf); err != nil {
		return fmt.Errorf("parse config: %s: %w", path, err)
	}

	return nil
}

func expandVar(s string) string {
	name, def, hasDefault := strings.Cut(s, ":")
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	if hasDefault {
		return def
	}
	return ""
}
