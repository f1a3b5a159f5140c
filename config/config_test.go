package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/adrg/xdg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
start_type = 1
start_command = "outputs"
log_level = "debug"

[backend]
device = "/dev/dri/card1"
pageflip_timeout_ms = 1500
gbm_format = "rgb565"
sprites_hidden = true
background = "#ff0000"

[[output]]
name = "HDMI-A-1"
mode = "1280x720@60"
scale = 2

[[output]]
name = "DP-1"

[[remote]]
name = "remote-1"
mode = "640x480"
host = "192.0.2.1"
port = 5000
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	conf := Default()
	assert.Equal(t, START_REPL, conf.StartType)
	assert.Equal(t, "/dev/dri/card0", conf.Backend.Device)
	assert.Equal(t, "logind", conf.Backend.Session)
	assert.Equal(t, "xrgb8888", conf.Backend.Format)
	assert.NoError(t, conf.Validate())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, sample)
	conf, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, conf.Path)
	assert.Equal(t, START_SINGLE_COMMAND, conf.StartType)
	require.NotNil(t, conf.StartCommand)
	assert.Equal(t, "outputs", *conf.StartCommand)
	assert.Equal(t, "/dev/dri/card1", conf.Backend.Device)
	assert.Equal(t, 1500*time.Millisecond, conf.Backend.PageflipTimeout())
	assert.Equal(t, "rgb565", conf.Backend.Format)
	assert.True(t, conf.Backend.SpritesHidden)
	assert.Equal(t, "logind", conf.Backend.Session, "defaults fill the gaps")

	bg, err := conf.Backend.BackgroundColor()
	require.NoError(t, err)
	assert.Equal(t, uint32(0xff0000), bg)

	out, ok := conf.Output("HDMI-A-1")
	require.True(t, ok)
	assert.Equal(t, "1280x720@60", out.Mode)
	assert.Equal(t, int32(2), out.Scale)
	out, ok = conf.Output("DP-1")
	require.True(t, ok)
	assert.Equal(t, "preferred", out.Mode)
	assert.Equal(t, int32(1), out.Scale)
	_, ok = conf.Output("VGA-1")
	assert.False(t, ok)

	require.Len(t, conf.Remotes, 1)
	assert.Equal(t, 5000, conf.Remotes[0].Port)
}

func TestEnvironmentWins(t *testing.T) {
	path := writeConfig(t, sample)
	t.Setenv("W2G_BACKEND_DEVICE", "/dev/dri/card2")
	t.Setenv("W2G_BACKEND_SPRITES_HIDDEN", "false")
	t.Setenv("W2G_LOG_LEVEL", "warn")
	conf, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/dev/dri/card2", conf.Backend.Device)
	assert.False(t, conf.Backend.SpritesHidden)
	assert.Equal(t, "warn", conf.LogLevel)
	assert.Equal(t, "rgb565", conf.Backend.Format)
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_DIRS", t.TempDir())
	xdg.Reload()
	conf, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, conf.Path)
	assert.Equal(t, "/dev/dri/card0", conf.Backend.Device)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "start_type = ["))
	assert.Error(t, err)

	for name, content := range map[string]string{
		"command missing": "start_type = 1",
		"bad start type":  "start_type = 7",
		"bad level":       `log_level = "loud"`,
		"bad session":     "[backend]\nsession = \"seatd\"",
		"bad background":  "[backend]\nbackground = \"blue\"",
		"duplicate":       "[[output]]\nname = \"DP-1\"\n[[output]]\nname = \"DP-1\"",
		"unnamed":         "[[output]]\nmode = \"off\"",
		"remote port":     "[[remote]]\nname = \"r\"\nhost = \"h\"\nport = 0",
	} {
		_, err := Load(writeConfig(t, content))
		assert.ErrorIs(t, err, ErrInvalid, name)
	}
}

func TestWatch(t *testing.T) {
	path := writeConfig(t, sample)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, func(c *Config) { got <- c }) }()

	// Let the watcher register before writing
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("[backend]\nsprites_hidden = true\ndevice = \"/dev/dri/card3\""), 0o644))

	select {
	case conf := <-got:
		assert.Equal(t, "/dev/dri/card3", conf.Backend.Device)
		assert.True(t, conf.Backend.SpritesHidden)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload")
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
