// Package config loads and saves the ptdbg configuration file,
// ~/.ptdbg/config.yml.
package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir   string = ".ptdbg"
	configFile  string = "config.yml"
	historyFile string = ".ptdbg_history"
)

// Defaults used when the configuration file leaves an option unset.
const (
	DefaultDisassembleWindow = 64
	DefaultStepOverWindow    = 16
	DefaultDumpSize          = 128
	DefaultDumpWidth         = 16
	DefaultUnwindCacheSize   = 256
	DefaultEntryPointName    = "_start"
	DefaultMaxBacktraceDepth = 64
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Commands aliases.
	Aliases map[string][]string `yaml:"aliases"`

	// Number of bytes decoded by the disassemble command.
	DisassembleWindow int `yaml:"disassemble-window,omitempty"`
	// Disassembly syntax, "intel" or "gnu".
	DisassembleFlavor string `yaml:"disassemble-flavor,omitempty"`
	// Number of bytes read at pc when deciding whether step-over
	// is looking at a call instruction.
	StepOverWindow int `yaml:"step-over-window,omitempty"`

	// Default size and line width of the dump command.
	DumpDefaultSize int `yaml:"dump-default-size,omitempty"`
	DumpWidth       int `yaml:"dump-width,omitempty"`

	// If RearmBreakpoints is true a breakpoint stays active after it is
	// hit, otherwise breakpoints are one-shot.
	RearmBreakpoints bool `yaml:"rearm-breakpoints"`

	// Number of unwind rows cached per process.
	UnwindCacheSize int `yaml:"unwind-cache-size,omitempty"`
	// Name reported for frames whose return address resolves to no symbol.
	EntryPointName string `yaml:"entry-point-name,omitempty"`
	// Upper bound on the number of frames printed by backtrace.
	MaxBacktraceDepth int `yaml:"max-backtrace-depth,omitempty"`

	// Path of the command history file, relative paths are resolved
	// inside the configuration directory.
	HistoryFile string `yaml:"history-file,omitempty"`
}

// Default returns a Config with every option set to its default value.
func Default() *Config {
	c := &Config{}
	c.fillDefaults()
	return c
}

func (c *Config) fillDefaults() {
	if c.DisassembleWindow <= 0 {
		c.DisassembleWindow = DefaultDisassembleWindow
	}
	if c.DisassembleFlavor == "" {
		c.DisassembleFlavor = "intel"
	}
	if c.StepOverWindow <= 0 {
		c.StepOverWindow = DefaultStepOverWindow
	}
	if c.DumpDefaultSize <= 0 {
		c.DumpDefaultSize = DefaultDumpSize
	}
	if c.DumpWidth <= 0 {
		c.DumpWidth = DefaultDumpWidth
	}
	if c.UnwindCacheSize <= 0 {
		c.UnwindCacheSize = DefaultUnwindCacheSize
	}
	if c.EntryPointName == "" {
		c.EntryPointName = DefaultEntryPointName
	}
	if c.MaxBacktraceDepth <= 0 {
		c.MaxBacktraceDepth = DefaultMaxBacktraceDepth
	}
	if c.HistoryFile == "" {
		c.HistoryFile = historyFile
	}
}

// HistoryPath returns the absolute path of the command history file.
func (c *Config) HistoryPath() (string, error) {
	if path.IsAbs(c.HistoryFile) {
		return c.HistoryFile, nil
	}
	return GetConfigFilePath(c.HistoryFile)
}

// LoadConfig attempts to populate a Config object from the config.yml file.
// Problems with the file are printed and the defaults are returned.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return Default()
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return Default()
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return Default()
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	data, err := ioutil.ReadAll(f)
	if err != nil {
		fmt.Printf("Unable to read config data: %v.", err)
		return Default()
	}

	c, err := parseConfig(data)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.", err)
		return Default()
	}
	return c
}

func parseConfig(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	c.fillDefaults()
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for the ptdbg debugger.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]

# Number of bytes decoded by the disassemble command.
# disassemble-window: 64

# Disassembly syntax, intel or gnu.
# disassemble-flavor: intel

# Number of bytes inspected by next to detect call instructions.
# step-over-window: 16

# Default size and width of the dump command.
# dump-default-size: 128
# dump-width: 16

# Keep breakpoints installed after they are hit.
# rearm-breakpoints: true

# Number of unwind rows kept in memory.
# unwind-cache-size: 256

# Name printed for frames outside of any known function.
# entry-point-name: _start

# Maximum number of frames printed by backtrace.
# max-backtrace-depth: 64
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
