package wireguard

import (
	"fmt"
	"strings"

	"loom/internal/render"
)

// wireguard — VPN-бэкенд: дерево {"wireguard":{...}} → wg-quick конфиг.
// Схемой не валидируется.
type backend struct{}

func init() { render.Register(backend{}) }

func (backend) Name() string { return "wireguard" }
func (backend) VPN() bool    { return true }

func (backend) Render(tree map[string]any, _ render.Options) ([]render.File, error) {
	wg, _ := tree["wireguard"].(map[string]any)
	if wg == nil {
		return nil, nil
	}
	iface, _ := wg["interface"].(string)
	if iface == "" {
		iface = "wg0"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[Interface]\n")
	if addr, _ := wg["address"].(string); addr != "" {
		fmt.Fprintf(&b, "Address = %s\n", addr)
	}
	if pk, _ := wg["private_key"].(string); pk != "" {
		fmt.Fprintf(&b, "PrivateKey = %s\n", pk)
	}
	if port, ok := wg["listen_port"].(float64); ok && port > 0 {
		fmt.Fprintf(&b, "ListenPort = %d\n", int(port))
	}
	peers, _ := wg["peers"].([]any)
	for _, p := range peers {
		m, _ := p.(map[string]any)
		if m == nil {
			continue
		}
		fmt.Fprintf(&b, "\n[Peer]\n")
		if v, _ := m["public_key"].(string); v != "" {
			fmt.Fprintf(&b, "PublicKey = %s\n", v)
		}
		if v, _ := m["preshared_key"].(string); v != "" {
			fmt.Fprintf(&b, "PresharedKey = %s\n", v)
		}
		if ep, _ := m["endpoint"].(string); ep != "" {
			fmt.Fprintf(&b, "Endpoint = %s\n", ep)
		}
		if ips := strSlice(m["allowed_ips"]); len(ips) > 0 {
			fmt.Fprintf(&b, "AllowedIPs = %s\n", strings.Join(ips, ", "))
		}
		if ka, ok := m["keepalive"].(float64); ok && ka > 0 {
			fmt.Fprintf(&b, "PersistentKeepalive = %d\n", int(ka))
		}
	}
	return []render.File{{
		Name: "etc/wireguard/" + iface + ".conf",
		Mode: 0600,
		Data: []byte(b.String()),
	}}, nil
}

func strSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, x := range t {
			out = append(out, fmt.Sprint(x))
		}
		return out
	}
	return nil
}
