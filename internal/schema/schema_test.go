package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenWrtValid(t *testing.T) {
	err := Validate("openwrt", map[string]any{
		"type":    "DeviceConfiguration",
		"general": map[string]any{"hostname": "branch-ap-01"},
		"interfaces": []any{
			map[string]any{"name": "eth0", "type": "ethernet"},
			map[string]any{"name": "br-lan", "type": "bridge"},
		},
	})
	assert.NoError(t, err)
}

func TestOpenWrtBadHostname(t *testing.T) {
	err := Validate("openwrt", map[string]any{
		"general": map[string]any{"hostname": "bad host!"},
	})
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "openwrt", serr.Backend)
	assert.Equal(t, "general.hostname", serr.Path)
}

func TestOpenWrtDuplicateInterface(t *testing.T) {
	err := Validate("openwrt", map[string]any{
		"interfaces": []any{
			map[string]any{"name": "eth0"},
			map[string]any{"name": "eth0"},
		},
	})
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Contains(t, serr.Reason, "duplicate")
}

func TestOpenWrtUnknownInterfaceType(t *testing.T) {
	err := Validate("openwrt", map[string]any{
		"interfaces": []any{map[string]any{"name": "tun0", "type": "warp"}},
	})
	require.Error(t, err)
}

func TestVPNBackendsNotValidated(t *testing.T) {
	// для vpn-бэкендов схема не регистрируется — Validate пропускает всё
	assert.False(t, Registered("openvpn"))
	assert.False(t, Registered("wireguard"))
	assert.NoError(t, Validate("openvpn", map[string]any{"whatever": []any{1, 2}}))
	assert.NoError(t, Validate("wireguard", nil))
}
