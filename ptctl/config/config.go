// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the ptctl configuration. Values come from command
// line flags, optionally layered over a TOML file.
package config

import (
	"flag"
	"fmt"
	"reflect"

	"github.com/BurntSushi/toml"

	"hvpt.dev/hvpt/pkg/hostarch"
	"hvpt.dev/hvpt/pkg/log"
)

// Config holds the settings shared by all ptctl commands.
//
// Fields with a `flag` tag are registered by RegisterFlags. The `toml` tag
// names the same setting in a configuration file.
type Config struct {
	// ConfigFile is a TOML file with defaults for the other fields. Flags
	// given explicitly on the command line win over the file.
	ConfigFile string `flag:"config" toml:"-"`

	// Arch selects the entry format: "x86" or "ept".
	Arch string `flag:"arch" toml:"arch"`

	// PoolPages is the number of 4K frames backing the tables and the
	// pages they own.
	PoolPages int `flag:"pool-pages" toml:"pool-pages"`

	// PhysicalBase is the physical address of the first pool frame.
	PhysicalBase uint64 `flag:"phys-base" toml:"phys-base"`

	// DirectMapOffset is added to a physical address to form its direct
	// map virtual address.
	DirectMapOffset uint64 `flag:"direct-map-offset" toml:"direct-map-offset"`

	// Cores is the number of cores tables can be activated on.
	Cores int `flag:"cores" toml:"cores"`

	// Debug enables debug logging. It overrides LogLevel.
	Debug bool `flag:"debug" toml:"debug"`

	// LogLevel is the minimum level logged: "warning", "info" or "debug".
	LogLevel string `flag:"log-level" toml:"log-level"`

	// AlsoLogToStderr copies log messages to stderr when LogFilename is
	// set.
	AlsoLogToStderr bool `flag:"alsologtostderr" toml:"alsologtostderr"`

	// LogFilename is the file to log to. Empty logs to stderr.
	LogFilename string `flag:"log" toml:"log"`

	// DebugLogFormat is the log format: "text", "json" or "json-k8s".
	DebugLogFormat string `flag:"log-format" toml:"log-format"`
}

// RegisterFlags registers the flags for every Config field.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "TOML file holding defaults for the other flags.")
	flagSet.String("arch", "x86", "entry format: x86 or ept.")
	flagSet.Int("pool-pages", 4096, "number of 4K frames in the page pool.")
	flagSet.Uint64("phys-base", 0x100000000, "physical address of the first pool frame.")
	flagSet.Uint64("direct-map-offset", 0xffff800000000000, "offset from a physical address to its direct map address.")
	flagSet.Int("cores", 1, "number of cores tables can be activated on.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log-level", "info", "minimum level logged: warning, info or debug.")
	flagSet.Bool("alsologtostderr", false, "also log to stderr when --log is set.")
	flagSet.String("log", "", "file path where logs are written. Empty logs to stderr.")
	flagSet.String("log-format", "text", "log format: text (default), json, or json-k8s.")
}

// fieldFor returns the Config field registered as flag name.
func (c *Config) fieldFor(name string) (reflect.Value, bool) {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		if fieldName, ok := st.Field(i).Tag.Lookup("flag"); ok && fieldName == name {
			return obj.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// setFromFlag copies the value of fl into its Config field.
func (c *Config) setFromFlag(fl *flag.Flag) {
	field, ok := c.fieldFor(fl.Name)
	if !ok {
		// Not a Config flag.
		return
	}
	field.Set(reflect.ValueOf(fl.Value.(flag.Getter).Get()))
}

// NewFromFlags creates a new Config with values coming from the given flag
// set. If the config flag names a file, its values replace the flag
// defaults and explicitly set flags are then applied on top.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		conf.setFromFlag(fl)
	}

	if conf.ConfigFile != "" {
		md, err := toml.DecodeFile(conf.ConfigFile, conf)
		if err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", conf.ConfigFile, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown key %q in config file %q", undecoded[0].String(), conf.ConfigFile)
		}
		flagSet.Visit(conf.setFromFlag)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) validate() error {
	switch c.Arch {
	case "x86", "ept":
	default:
		return fmt.Errorf("invalid arch %q, must be 'x86' or 'ept'", c.Arch)
	}
	if c.PoolPages <= 0 {
		return fmt.Errorf("pool-pages must be positive, got %d", c.PoolPages)
	}
	if !hostarch.Addr(c.PhysicalBase).IsAligned(hostarch.PageSize) {
		return fmt.Errorf("phys-base %#x is not page aligned", c.PhysicalBase)
	}
	if !hostarch.Addr(c.DirectMapOffset).IsAligned(hostarch.PageSize) {
		return fmt.Errorf("direct-map-offset %#x is not page aligned", c.DirectMapOffset)
	}
	if c.Cores <= 0 {
		return fmt.Errorf("cores must be positive, got %d", c.Cores)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	switch c.DebugLogFormat {
	case "text", "json", "json-k8s":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json', or 'json-k8s'", c.DebugLogFormat)
	}
	return nil
}

// Level returns the log level selected by Debug and LogLevel.
func (c *Config) Level() log.Level {
	if c.Debug {
		return log.Debug
	}
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		// Rejected by validate.
		return log.Info
	}
	return level
}

// Log logs the configuration.
func (c *Config) Log() {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		log.Infof("Config.%s (--%s): %v", st.Field(i).Name, name, obj.Field(i).Interface())
	}
}
