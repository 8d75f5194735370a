// SPDX-License-Identifier: MIT

package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Loader resolves the effective configuration.
type Loader struct {
	path string // optional YAML file
}

// NewLoader returns a loader for the given config file path. An empty path
// skips the file layer.
func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// Load resolves options with precedence ENV > file > defaults and
// validates the result.
func (l *Loader) Load() (Options, error) {
	opts := Defaults()

	if l.path != "" {
		data, err := os.ReadFile(l.path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return Options{}, fmt.Errorf("read config %s: %w", l.path, err)
			}
		} else if err := yaml.Unmarshal(data, &opts); err != nil {
			return Options{}, fmt.Errorf("parse config %s: %w", l.path, err)
		}
	}

	applyEnv(&opts)

	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}
