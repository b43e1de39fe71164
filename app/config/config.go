// Copyright 2025 The OpenMerchant Authors

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     https://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads YAML service configuration with environment
// variable expansion.
package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Validator can optionally be implemented by a configuration struct to
// do cross-field validation and app-specific checks.
type Validator interface {
	IsValid() error
}

// Load merges the given YAML file into cfg and, if *T implements
// Validator, validates the result. cfg should be pre-populated with
// defaults; keys absent from the file keep their value.
func Load[T any](cfg *T, yamlFilePath string) error {
	if yamlFilePath != "" {
		yamlFile, err := os.Open(yamlFilePath)
		if err != nil {
			return fmt.Errorf("failed to open YAML file: %w", err)
		}
		defer yamlFile.Close()

		if err := MergeYAML(cfg, yamlFile); err != nil {
			return err
		}
	}

	if validator, ok := any(cfg).(Validator); ok {
		if err := validator.IsValid(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	}

	return nil
}

// MergeYAML merges the provided YAML data into the provided configuration.
//
// Environment variables in the YAML source are expanded to their
// values: `key: ${VAR}` becomes `key: foo` if VAR=foo. A reference to
// an unset variable is an error unless a default is given with
// `key: ${VAR:-bar}`.
func MergeYAML[T any](cfg *T, yamlSrc io.Reader) error {
	rawYAML, err := io.ReadAll(yamlSrc)
	if err != nil {
		return fmt.Errorf("failed to read the YAML source: %w", err)
	}

	missingKeys := []string{}

	expanded := os.Expand(string(rawYAML), func(rawKey string) string {
		if i := strings.Index(rawKey, ":-"); i != -1 {
			name, defaultVal := rawKey[:i], rawKey[i+2:]
			if val, isSet := os.LookupEnv(name); isSet {
				return val
			}
			return defaultVal
		}

		val, isSet := os.LookupEnv(rawKey)
		if !isSet {
			missingKeys = append(missingKeys, rawKey)
			return ""
		}

		return val
	})

	if len(missingKeys) > 0 {
		return fmt.Errorf("YAML source expects the following environment variables to be set: %v", missingKeys)
	}

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("failed to unmarshal YAML to config: %w", err)
	}

	return nil
}

// FilenameFromArgs parses the config file flag from the command line arguments.
func FilenameFromArgs(args []string) (string, error) {
	fs := flag.NewFlagSet("service", flag.ContinueOnError)
	configPathFlag := fs.String("config", "config.yaml", "path to config file")
	if err := fs.Parse(args); err != nil {
		return "", err
	}

	cp, err := filepath.Abs(*configPathFlag)
	if err != nil {
		return "", fmt.Errorf("invalid config path: %w", err)
	}

	return cp, nil
}
