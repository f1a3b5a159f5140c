// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml"
	"github.com/sirupsen/logrus"
)

type StartType int

const (
	// Tells way2gay to start a repl in parallel for interacting with it
	START_REPL = StartType(iota)
	// Tells way2gay to execute a specific command on startup
	START_SINGLE_COMMAND
	// Tells way2gay to start without any specific targets
	// Note: Good luck interacting with it :3
	START_NONE
)

// Prefix of all environment overrides, W2G_BACKEND_DEVICE and so on
const EnvPrefix = "W2G"

// Where the config file is searched for below the xdg config dirs
const ConfigFileName = "way2gay/config.toml"

var ErrInvalid = errors.New("invalid config")

type Config struct {
	StartType StartType `envconfig:"START_TYPE" toml:"start_type,omitempty"`
	// What command to execute on start. Only matters if StartType is set to START_SINGLE_COMMAND
	StartCommand *string `envconfig:"START_COMMAND" toml:"start_command,omitempty"`
	// A logrus level name
	LogLevel string        `envconfig:"LOG_LEVEL" toml:"log_level,omitempty"`
	Backend  BackendConfig `envconfig:"BACKEND" toml:"backend"`
	// Lists can't be set from the environment
	Outputs []OutputConfig `ignored:"true" toml:"output"`
	Remotes []RemoteConfig `ignored:"true" toml:"remote"`

	// File the config was read from, empty if none was found
	Path string `ignored:"true" toml:"-"`
}

type BackendConfig struct {
	Device string `envconfig:"DEVICE" toml:"device"`
	// "logind" or "direct"
	Session string `envconfig:"SESSION" toml:"session"`
	// Zero disables the pageflip watchdog
	PageflipTimeoutMs int `envconfig:"PAGEFLIP_TIMEOUT_MS" toml:"pageflip_timeout_ms"`
	RepaintWindowMs   int `envconfig:"REPAINT_WINDOW_MS" toml:"repaint_window_ms"`
	// xrgb8888, rgb565 or xrgb2101010
	Format                 string `envconfig:"FORMAT" toml:"gbm_format"`
	DisableAtomic          bool   `envconfig:"DISABLE_ATOMIC" toml:"disable_atomic"`
	DisableUniversalPlanes bool   `envconfig:"DISABLE_UNIVERSAL_PLANES" toml:"disable_universal_planes"`
	// Can be changed while running
	SpritesHidden bool   `envconfig:"SPRITES_HIDDEN" toml:"sprites_hidden"`
	CursorWidth   uint32 `envconfig:"CURSOR_WIDTH" toml:"cursor_width"`
	CursorHeight  uint32 `envconfig:"CURSOR_HEIGHT" toml:"cursor_height"`
	// 0xRRGGBB the software renderer paints behind everything
	Background string `envconfig:"BACKGROUND" toml:"background"`
}

type OutputConfig struct {
	Name string `toml:"name"`
	// "preferred", "current", "off", WIDTHxHEIGHT[@REFRESH] or a modeline
	Mode   string `toml:"mode"`
	Format string `toml:"gbm_format"`
	Scale  int32  `toml:"scale"`
	X      int32  `toml:"x"`
	Y      int32  `toml:"y"`
}

type RemoteConfig struct {
	Name string `toml:"name"`
	// WIDTHxHEIGHT[@REFRESH]
	Mode    string `toml:"mode"`
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	Bitrate int    `toml:"bitrate"`
	Format  string `toml:"gbm_format"`
}

// Default returns the config used when nothing else is set
func Default() *Config {
	conf := &Config{}
	conf.applyDefaults()
	return conf
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	b := &c.Backend
	if b.Device == "" {
		b.Device = "/dev/dri/card0"
	}
	if b.Session == "" {
		b.Session = "logind"
	}
	if b.Format == "" {
		b.Format = "xrgb8888"
	}
	if b.Background == "" {
		b.Background = "0x202020"
	}
	for i := range c.Outputs {
		if c.Outputs[i].Mode == "" {
			c.Outputs[i].Mode = "preferred"
		}
		if c.Outputs[i].Scale == 0 {
			c.Outputs[i].Scale = 1
		}
	}
}

// Load builds the config from the defaults, the toml file at path and the
// environment, later ones winning. An empty path searches the xdg config dirs
// and carries on without a file if there is none.
func Load(path string) (*Config, error) {
	conf := &Config{}
	if path == "" {
		found, err := xdg.SearchConfigFile(ConfigFileName)
		if err != nil {
			logrus.WithField("file", ConfigFileName).Debugln("No config file found, using defaults")
		}
		path = found
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err = toml.Unmarshal(data, conf); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		conf.Path = path
	}
	if err := envconfig.Process(EnvPrefix, conf); err != nil {
		return nil, fmt.Errorf("failed to read environment overrides: %w", err)
	}
	conf.applyDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Validate checks what can be checked without a device
func (c *Config) Validate() error {
	switch c.StartType {
	case START_REPL, START_NONE:
	case START_SINGLE_COMMAND:
		if c.StartCommand == nil || *c.StartCommand == "" {
			return fmt.Errorf("%w: start type %d needs a start command", ErrInvalid, c.StartType)
		}
	default:
		return fmt.Errorf("%w: unknown start type %d", ErrInvalid, c.StartType)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	switch c.Backend.Session {
	case "logind", "direct":
	default:
		return fmt.Errorf("%w: unknown session %q", ErrInvalid, c.Backend.Session)
	}
	if c.Backend.PageflipTimeoutMs < 0 || c.Backend.RepaintWindowMs < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalid)
	}
	if _, err := c.Backend.BackgroundColor(); err != nil {
		return err
	}
	names := map[string]bool{}
	for _, o := range c.Outputs {
		if o.Name == "" {
			return fmt.Errorf("%w: output without name", ErrInvalid)
		}
		if names[o.Name] {
			return fmt.Errorf("%w: output %s configured twice", ErrInvalid, o.Name)
		}
		names[o.Name] = true
	}
	for _, r := range c.Remotes {
		if r.Name == "" || r.Host == "" {
			return fmt.Errorf("%w: remote output needs a name and a host", ErrInvalid)
		}
		if r.Port <= 0 || r.Port > 65535 {
			return fmt.Errorf("%w: remote output %s has port %d", ErrInvalid, r.Name, r.Port)
		}
		if names[r.Name] {
			return fmt.Errorf("%w: output %s configured twice", ErrInvalid, r.Name)
		}
		names[r.Name] = true
	}
	return nil
}

// Output finds the section for the output called name
func (c *Config) Output(name string) (OutputConfig, bool) {
	for _, o := range c.Outputs {
		if o.Name == name {
			return o, true
		}
	}
	return OutputConfig{Name: name, Mode: "preferred", Scale: 1}, false
}

func (b *BackendConfig) PageflipTimeout() time.Duration {
	return time.Duration(b.PageflipTimeoutMs) * time.Millisecond
}

func (b *BackendConfig) RepaintWindow() time.Duration {
	return time.Duration(b.RepaintWindowMs) * time.Millisecond
}

// BackgroundColor parses Background as 0xRRGGBB or #RRGGBB
func (b *BackendConfig) BackgroundColor() (uint32, error) {
	s := strings.TrimPrefix(strings.TrimPrefix(b.Background, "#"), "0x")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil || v > 0xffffff {
		return 0, fmt.Errorf("%w: background %q", ErrInvalid, b.Background)
	}
	return uint32(v), nil
}
