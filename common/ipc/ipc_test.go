package ipc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var outputs = []OutputInfo{
	{Name: "HDMI-A-1", Connector: 40, Crtc: 31, Enabled: true, DPMS: "on", Format: "xrgb8888"},
	{Name: "DP-1", Connector: 41, DPMS: "off", Format: "xrgb8888"},
}

func modesOf(name string) []OutputMode {
	if name == "HDMI-A-1" {
		return []OutputMode{{Width: 1920, Height: 1080, RefreshRate: 60000, Preferred: true, Current: true}}
	}
	return nil
}

func TestAnswer(t *testing.T) {
	res := OutputRequest{}.Answer(outputs, modesOf)
	assert.Equal(t, 2, res.OutputsFound)
	assert.Nil(t, res.OutputModes)

	res = OutputRequest{IncludeModes: true, SpecifiesOutput: true, TargetOutput: "HDMI-A-1"}.Answer(outputs, modesOf)
	require.Equal(t, 1, res.OutputsFound)
	assert.Equal(t, "HDMI-A-1", res.Outputs[0].Name)
	assert.Equal(t, map[string][]OutputMode{"HDMI-A-1": modesOf("HDMI-A-1")}, res.OutputModes)

	res = OutputRequest{SpecifiesOutput: true, TargetOutput: "VGA-1"}.Answer(outputs, modesOf)
	assert.Zero(t, res.OutputsFound)
}

func TestEncode(t *testing.T) {
	res := OutputRequest{IncludeModes: true}.Answer(outputs[:1], modesOf)
	data, err := Encode(res)
	require.NoError(t, err)
	assert.Contains(t, string(data), "name: HDMI-A-1")
	assert.Contains(t, string(data), "refresh_rate: 60000")
	assert.NotContains(t, string(data), "virtual")

	var back OutputResponse
	require.NoError(t, Decode(data, &back))
	assert.Equal(t, res, back)

	assert.Error(t, Decode([]byte("outputs: {"), &back))
}
