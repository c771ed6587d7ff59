// Package config loads the optional YAML file holding default link options.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Config defines the options that can be set through the config file.
// Command line flags always take precedence over these values.
type Config struct {
	// Output is the default output file name.
	Output string `yaml:"output"`
	// LibraryPaths are searched for -l libraries after the ones given with -L.
	LibraryPaths []string `yaml:"library-paths"`
	// Entry is the name of the entry point symbol.
	Entry string `yaml:"entry"`
	// Undefined symbols are kept even if nothing references them.
	Undefined []string `yaml:"undefined"`
	// RequireDefined symbols are kept and must be defined by some input.
	RequireDefined []string `yaml:"require-defined"`

	GcSections      *bool `yaml:"gc-sections,omitempty"`
	PrintGcSections *bool `yaml:"print-gc-sections,omitempty"`
	ExportDynamic   *bool `yaml:"export-dynamic,omitempty"`

	// Map is the path of the map file to write.
	Map string `yaml:"map"`
}

// LoadConfig reads and parses the config file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read config file %s", path)
	}
	return Parse(data)
}

// Parse parses the YAML contents of a config file.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return nil, errors.Wrap(err, "unable to decode config file")
	}
	return &c, nil
}
