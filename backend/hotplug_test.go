package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstarongithub/way2gay-kms/kms/kmstest"
)

func twoCrtcs(crtc2 *uint32) rigOption {
	return withDevice(func(r *rig) {
		*crtc2 = r.dev.AddCrtc()
		r.dev.AddPlane(kmstest.PlanePrimary, 0x2)
	})
}

func TestHotplugConnect(t *testing.T) {
	var crtc2 uint32
	r := newRig(t, Options{}, twoCrtcs(&crtc2))
	out := r.enabled()
	assert.Equal(t, []uint32{crtc2}, r.b.unusedCrtcs)

	conn2 := r.dev.AddConnector(true, connectorHDMIA, kmstest.Mode(640, 480, true))
	created, err := r.b.UpdateOutputs()
	require.NoError(t, err)
	require.Len(t, created, 1)
	added := created[0]
	assert.Equal(t, crtc2, added.CrtcID())
	assert.Equal(t, conn2, added.ConnectorID())
	assert.False(t, added.Enabled())
	assert.Equal(t, []*Output{out, added}, r.comp.created)

	// Still unused until enabled
	assert.Contains(t, r.b.unusedConnectors, conn2)
	assert.Contains(t, r.b.unusedCrtcs, crtc2)
	assert.NotContains(t, r.b.unusedCrtcs, r.crtc)

	// Nothing changed, nothing happens
	created, err = r.b.UpdateOutputs()
	require.NoError(t, err)
	assert.Empty(t, created)
	assert.Len(t, r.b.Outputs(), 2)
}

func TestHotplugDisconnect(t *testing.T) {
	r := newRig(t, Options{})
	out := r.enabled()
	virt := r.b.CreateVirtualOutput("virtual-1", nil)
	r.frame(out)

	r.dev.Connectors[r.conn].Connected = false
	_, err := r.b.UpdateOutputs()
	require.NoError(t, err)
	assert.Equal(t, []*Output{virt}, r.b.Outputs(), "virtual outputs have no connector to lose")
	assert.Equal(t, []*Output{out}, r.comp.destroyed)
	assert.Contains(t, r.b.unusedConnectors, r.conn)
	assert.Contains(t, r.b.unusedCrtcs, r.crtc)
}

func TestHotplugDisconnectWhileBusy(t *testing.T) {
	r := newRig(t, Options{})
	out := r.enabled()
	_, err := r.repaint(out, nil, fullDamage(out))
	require.NoError(t, err)

	r.dev.Connectors[r.conn].Connected = false
	_, err = r.b.UpdateOutputs()
	require.NoError(t, err)
	assert.Contains(t, r.b.Outputs(), out)
	assert.True(t, out.destroyPending)

	r.dispatch()
	assert.Empty(t, r.b.Outputs())
	assert.Equal(t, []*Output{out}, r.comp.destroyed)
}

func TestSessionNotify(t *testing.T) {
	r := newRig(t, Options{})
	out := r.enabled()
	r.b.CreateVirtualOutput("virtual-1", nil)
	r.frame(out)
	r.dev.ResetLog()

	r.b.SessionNotify(false)
	assert.Equal(t, []kmstest.Call{{Op: "SetCursor", Obj: r.crtc}}, r.opsFor("SetCursor"))
	assert.Equal(t, []kmstest.Call{{Op: "SetPlane", Obj: r.sprite}}, r.opsFor("SetPlane"))

	r.b.SessionNotify(true)
	assert.True(t, r.b.stateInvalid)
	assert.Equal(t, []*Output{out}, r.comp.repaints, "disabled outputs stay idle")

	// Everything is reprogrammed on the next commit
	r.dev.ResetLog()
	r.frame(out)
	assert.Len(t, r.opsFor("SetCrtc"), 1)
	assert.False(t, r.b.stateInvalid)
}
