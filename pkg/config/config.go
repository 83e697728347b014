package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	configDir  = ".heimdall"
	configFile = "config.yml"

	// configEnv names a config file that replaces the per user one.
	configEnv = "HEIMDALL_CONFIG"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// SearchPaths are searched for dependencies after the system library
	// directories.
	SearchPaths []string `yaml:"search-paths"`

	// DebugInfoDirectories is the list of directories Heimdall will use
	// in order to resolve external debug info files.
	DebugInfoDirectories []string `yaml:"debug-info-directories"`
	// Debuginfod enables the lookup of missing debug info files through
	// debuginfod-find.
	Debuginfod bool `yaml:"debuginfod"`

	// Verbose includes local symbols in the extracted records.
	Verbose bool `yaml:"verbose"`
	// ExtractDebugInfo enables the extraction of source files, functions
	// and compile units.
	ExtractDebugInfo bool `yaml:"extract-debug-info"`
	// IncludeSystemLibraries, when false, marks dependencies that resolve
	// to system directories.
	IncludeSystemLibraries *bool `yaml:"include-system-libraries,omitempty"`
	// SuppressWarnings logs facet failures at debug level.
	SuppressWarnings bool `yaml:"suppress-warnings"`
	// DebugQueue makes extractions wait for the debug info session
	// instead of falling back to the heuristic scan.
	DebugQueue bool `yaml:"debug-queue"`
	// DisableStructuredDebugInfo skips the debug info session and reads
	// debug info with the heuristic scan only.
	DisableStructuredDebugInfo bool `yaml:"disable-structured-debug-info"`

	// CacheSize is the number of records kept by the metadata cache, 0
	// disables the cache.
	CacheSize int `yaml:"cache-size"`
	// CacheMaxAge is the time after which cached records are discarded.
	CacheMaxAge time.Duration `yaml:"cache-max-age"`

	// Workers is the number of files extracted in parallel.
	Workers int `yaml:"workers"`
}

// SystemLibraries returns the value of include-system-libraries, which
// defaults to true.
func (c *Config) SystemLibraries() bool {
	return c.IncludeSystemLibraries == nil || *c.IncludeSystemLibraries
}

// LoadConfig reads the per user configuration, writing a commented
// default file on first use. Problems are reported on stderr and an empty
// configuration is returned.
func LoadConfig() *Config {
	p, err := GetConfigFilePath(configFile)
	if err == nil && os.Getenv(configEnv) == "" {
		err = os.MkdirAll(filepath.Dir(p), 0o700)
	}
	var c *Config
	if err == nil {
		c, err = LoadConfigFile(p)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "heimdall: config: %v\n", err)
		return &Config{}
	}
	return c
}

// LoadConfigFile reads the configuration at path, creating it with the
// default contents if it does not exist.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		data, err = createDefaultConfig(path)
	}
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return nil, fmt.Errorf("decoding %s: %v", path, err)
	}
	return &c, nil
}

func createDefaultConfig(path string) ([]byte, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := writeDefaultConfig(f); err != nil {
		return nil, fmt.Errorf("writing default configuration: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(f)
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for heimdall.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Directories searched for dependencies, after the system library directories
# and LD_LIBRARY_PATH (DYLD_LIBRARY_PATH on macOS).
search-paths:
  # - /opt/vendor/lib

# List of directories to use when searching for separate debug info files.
debug-info-directories: ["/usr/lib/debug/.build-id"]

# Uncomment the following line to look up missing debug info with debuginfod-find.
# debuginfod: true

# Include local symbols.
# verbose: true

# Extract source files, functions and compile units from debug info.
# extract-debug-info: true

# When false, dependencies resolved to system directories are flagged
# with the dep.<name>.system property.
# include-system-libraries: true

# Log facet failures at debug level instead of warning level.
# suppress-warnings: true

# Wait for the debug info session instead of falling back to the
# heuristic scan when another extraction holds it.
# debug-queue: true

# Never parse debug info structurally, only scan it for path strings.
# disable-structured-debug-info: true

# Number of extracted records kept in memory and for how long.
# cache-size: 256
# cache-max-age: 10m

# Number of files extracted in parallel.
# workers: 4
`)
	return err
}

// GetConfigFilePath returns the path of the named file in the config
// directory. $HEIMDALL_CONFIG overrides the location of config.yml, and
// $XDG_CONFIG_HOME/heimdall is used in place of ~/.heimdall when set.
func GetConfigFilePath(file string) (string, error) {
	if p := os.Getenv(configEnv); p != "" && file == configFile {
		return p, nil
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "heimdall", file), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, configDir, file), nil
}
