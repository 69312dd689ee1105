package uci

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"loom/internal/render"
)

// openwrt — generic-бэкенд: NetJSON DeviceConfiguration → UCI-файлы.
// Поддержка секций: system, network (interfaces/VLAN + wireguard-интерфейсы),
// wireless, dhcp, firewall, openvpn.
type openwrt struct{}

func init() { render.Register(openwrt{}) }

func (openwrt) Name() string { return "openwrt" }
func (openwrt) VPN() bool    { return false }

func (openwrt) Render(tree map[string]any, opts render.Options) ([]render.File, error) {
	var files []render.File

	if f := renderSystem(tree, opts); f != nil {
		files = append(files, *f)
	}
	if f := renderNetwork(tree); f != nil {
		files = append(files, *f)
	}
	if f := renderWireless(tree); f != nil {
		files = append(files, *f)
	}
	if f := renderDHCP(tree); f != nil {
		files = append(files, *f)
	}
	if f := renderFirewall(tree); f != nil {
		files = append(files, *f)
	}
	if f := renderOpenVPN(tree); f != nil {
		files = append(files, *f)
	}

	return files, nil
}

// ===== helpers =====

func q(s string) string { return strings.ReplaceAll(s, "'", "\\'") }

func addLine(b *strings.Builder, format string, args ...any) { fmt.Fprintf(b, format, args...) }

func opt(b *strings.Builder, k, v string) {
	if v == "" {
		return
	}
	addLine(b, "\toption %s '%s'\n", k, q(v))
}
func optBool(b *strings.Builder, k string, v bool) {
	if v {
		addLine(b, "\toption %s '1'\n", k)
	}
}
func lst(b *strings.Builder, k, v string) {
	if v != "" {
		addLine(b, "\tlist %s '%s'\n", k, q(v))
	}
}

// ===== system =====

func renderSystem(nj map[string]any, o render.Options) *render.File {
	// приоритет: NetJSON > опция > дефолт
	hn := strAt(nj, "general", "hostname")
	if hn == "" {
		hn = o.DeviceHostname
	}
	if hn == "" {
		hn = "OpenWrt"
	}
	tz := strAt(nj, "general", "timezone")
	if tz == "" {
		tz = "UTC"
	}

	var b strings.Builder
	addLine(&b, "config system 'system'\n")
	opt(&b, "hostname", hn)
	opt(&b, "timezone", tz)
	for _, n := range sliceAt(nj, "general", "ntp_servers") {
		lst(&b, "ntp_server", fmt.Sprint(n))
	}
	return &render.File{Name: "etc/config/system", Mode: 0644, Data: []byte(b.String())}
}

// ===== network =====

func renderNetwork(nj map[string]any) *render.File {
	ifaces, _ := asSlice(nj["interfaces"]) // []{ name, type, proto, ipaddr, netmask, gateway, dns[], vlan, disabled }
	wg, _ := asMap(nj["wireguard"])
	if len(ifaces) == 0 && wg == nil {
		return nil
	}
	var b strings.Builder
	for _, it := range ifaces {
		m, _ := asMap(it)
		name := getString(m, "name", "")
		if name == "" {
			continue
		}
		addLine(&b, "config interface '%s'\n", q(name))
		opt(&b, "proto", getString(m, "proto", "static"))
		opt(&b, "ipaddr", getString(m, "ipaddr", ""))
		opt(&b, "netmask", getString(m, "netmask", ""))
		opt(&b, "gateway", getString(m, "gateway", ""))
		dnss, _ := asSlice(m["dns"])
		for _, d := range dnss {
			lst(&b, "dns", fmt.Sprint(d))
		}
		if v := getInt(m, "vlan", 0); v > 0 {
			opt(&b, "ifname", fmt.Sprintf("%s.%d", name, v))
		}
		optBool(&b, "disabled", getBool(m, "disabled", false))
		addLine(&b, "\n")
	}
	// wireguard-интерфейс живёт в том же /etc/config/network
	if wg != nil {
		renderWGSections(&b, wg)
	}
	return &render.File{Name: "etc/config/network", Mode: 0644, Data: []byte(b.String())}
}

func renderWGSections(b *strings.Builder, wg map[string]any) {
	iface := getString(wg, "interface", "wg0")
	addLine(b, "config interface '%s'\n", q(iface))
	opt(b, "proto", "wireguard")
	opt(b, "private_key", getString(wg, "private_key", ""))
	if addr := getString(wg, "address", ""); addr != "" {
		lst(b, "addresses", addr)
	}
	addLine(b, "\n")
	peers, _ := asSlice(wg["peers"])
	for _, p := range peers {
		m, _ := asMap(p)
		addLine(b, "config wireguard_%s\n", q(iface))
		opt(b, "public_key", getString(m, "public_key", ""))
		if v := getString(m, "preshared_key", ""); v != "" {
			opt(b, "preshared_key", v)
		}
		if ep := getString(m, "endpoint", ""); ep != "" {
			h, port, _ := net.SplitHostPort(ep)
			opt(b, "endpoint_host", h)
			opt(b, "endpoint_port", port)
		}
		ips, _ := asSlice(m["allowed_ips"])
		for _, ip := range ips {
			lst(b, "allowed_ips", fmt.Sprint(ip))
		}
		if ka := getInt(m, "keepalive", 0); ka > 0 {
			opt(b, "persistent_keepalive", strconv.Itoa(ka))
		}
		addLine(b, "\n")
	}
}

// ===== wireless =====

func renderWireless(nj map[string]any) *render.File {
	radios, _ := asSlice(nj["radios"]) // []{ name, hwmode, channel, country, disabled }
	ifs := wifiIfaces(nj)
	if len(radios) == 0 && len(ifs) == 0 {
		return nil
	}
	var b strings.Builder
	for _, r := range radios {
		m, _ := asMap(r)
		name := getString(m, "name", "")
		if name == "" {
			continue
		}
		addLine(&b, "config wifi-device '%s'\n", q(name))
		opt(&b, "type", "mac80211")
		opt(&b, "hwmode", getString(m, "hwmode", ""))
		opt(&b, "channel", getString(m, "channel", "auto"))
		opt(&b, "country", getString(m, "country", ""))
		optBool(&b, "disabled", getBool(m, "disabled", false))
		addLine(&b, "\n")
	}
	for _, x := range ifs {
		m, _ := asMap(x)
		addLine(&b, "config wifi-iface\n")
		opt(&b, "device", getString(m, "radio", getString(m, "device", "")))
		opt(&b, "mode", getString(m, "mode", "ap"))
		opt(&b, "ssid", getString(m, "ssid", ""))
		opt(&b, "encryption", getString(m, "encryption", "psk2"))
		opt(&b, "key", getString(m, "key", ""))
		opt(&b, "network", getString(m, "network", "lan"))
		optBool(&b, "disabled", getBool(m, "disabled", false))
		addLine(&b, "\n")
	}
	return &render.File{Name: "etc/config/wireless", Mode: 0644, Data: []byte(b.String())}
}

// wifi-ифейсы: NetJSON кладёт их в interfaces c type=wireless,
// упрощённый вариант — плоско в wireless.interfaces.
func wifiIfaces(nj map[string]any) []any {
	var out []any
	if ifaces, ok := asSlice(nj["interfaces"]); ok {
		for _, it := range ifaces {
			m, _ := asMap(it)
			if strings.EqualFold(getString(m, "type", ""), "wireless") {
				if w, ok := asMap(m["wireless"]); ok {
					out = append(out, any(w))
				}
			}
		}
	}
	if w, ok := asMap(nj["wireless"]); ok {
		if ifs, ok := asSlice(w["interfaces"]); ok {
			out = append(out, ifs...)
		}
	}
	return out
}

// ===== dhcp =====

func renderDHCP(nj map[string]any) *render.File {
	d, _ := asMap(nj["dhcp"])
	if d == nil {
		return nil
	}
	var b strings.Builder
	servers, _ := asSlice(d["servers"]) // []{ interface, start, limit, leasetime }
	for _, s := range servers {
		m, _ := asMap(s)
		name := getString(m, "interface", "")
		if name == "" {
			continue
		}
		addLine(&b, "config dhcp '%s'\n", q(name))
		opt(&b, "interface", name)
		if v := getInt(m, "start", 0); v > 0 {
			opt(&b, "start", strconv.Itoa(v))
		}
		if v := getInt(m, "limit", 0); v > 0 {
			opt(&b, "limit", strconv.Itoa(v))
		}
		opt(&b, "leasetime", getString(m, "leasetime", "12h"))
		addLine(&b, "\n")
	}
	return &render.File{Name: "etc/config/dhcp", Mode: 0644, Data: []byte(b.String())}
}

// ===== firewall =====

func renderFirewall(nj map[string]any) *render.File {
	fw, _ := asMap(nj["firewall"])
	if fw == nil {
		return nil
	}
	var b strings.Builder
	zones, _ := asSlice(fw["zones"]) // []{ name, networks[], input, output, forward }
	for _, z := range zones {
		m, _ := asMap(z)
		name := getString(m, "name", "")
		if name == "" {
			continue
		}
		addLine(&b, "config zone\n")
		opt(&b, "name", name)
		opt(&b, "input", getString(m, "input", "ACCEPT"))
		opt(&b, "output", getString(m, "output", "ACCEPT"))
		opt(&b, "forward", getString(m, "forward", "REJECT"))
		nets, _ := asSlice(m["networks"])
		for _, n := range nets {
			lst(&b, "network", fmt.Sprint(n))
		}
		addLine(&b, "\n")
	}
	rules, _ := asSlice(fw["rules"]) // []{ name, src, dest, proto, dest_port, target, family }
	for i, r := range rules {
		m, _ := asMap(r)
		addLine(&b, "config rule\n")
		opt(&b, "name", getString(m, "name", fmt.Sprintf("rule_%d", i+1)))
		opt(&b, "src", getString(m, "src", ""))
		opt(&b, "dest", getString(m, "dest", ""))
		opt(&b, "proto", getString(m, "proto", "tcpudp"))
		opt(&b, "target", getString(m, "target", "ACCEPT"))
		if p := getString(m, "dest_port", ""); p != "" {
			opt(&b, "dest_port", p)
		}
		if f := getString(m, "family", ""); f != "" {
			opt(&b, "family", f)
		}
		addLine(&b, "\n")
	}
	return &render.File{Name: "etc/config/firewall", Mode: 0644, Data: []byte(b.String())}
}

// ===== OpenVPN (uci-обвязка клиента; сам .conf рендерит openvpn-бэкенд) =====

func renderOpenVPN(nj map[string]any) *render.File {
	ov, _ := asMap(nj["openvpn"]) // { clients:[{ name, remote, port, proto, cipher, auth, config_file }] }
	if ov == nil {
		return nil
	}
	var b strings.Builder
	clients, _ := asSlice(ov["clients"])
	for _, c := range clients {
		m, _ := asMap(c)
		name := getString(m, "name", "client")
		addLine(&b, "config openvpn '%s'\n", q(name))
		opt(&b, "enabled", "1")
		opt(&b, "client", "1")
		if host := getString(m, "remote", ""); host != "" {
			port := getInt(m, "port", 1194)
			opt(&b, "remote", fmt.Sprintf("%s %d", host, port))
		}
		opt(&b, "proto", getString(m, "proto", "udp"))
		opt(&b, "cipher", getString(m, "cipher", "AES-256-GCM"))
		opt(&b, "auth", getString(m, "auth", "SHA256"))
		if cf := getString(m, "config_file", ""); cf != "" {
			opt(&b, "config", cf)
		}
		addLine(&b, "\n")
	}
	return &render.File{Name: "etc/config/openvpn", Mode: 0644, Data: []byte(b.String())}
}

// ===== small helpers =====

func asMap(v any) (map[string]any, bool) { m, ok := v.(map[string]any); return m, ok }
func asSlice(v any) ([]any, bool)        { s, ok := v.([]any); return s, ok }

func getString(m map[string]any, k, def string) string {
	if m == nil {
		return def
	}
	if s, ok := m[k].(string); ok && s != "" {
		return s
	}
	return def
}

func getBool(m map[string]any, k string, def bool) bool {
	if m == nil {
		return def
	}
	if v, ok := m[k]; ok {
		switch vv := v.(type) {
		case bool:
			return vv
		case string:
			return vv == "1" || strings.EqualFold(vv, "true")
		case float64:
			return vv != 0
		}
	}
	return def
}

func getInt(m map[string]any, k string, def int) int {
	if m == nil {
		return def
	}
	if v, ok := m[k]; ok {
		switch vv := v.(type) {
		case int:
			return vv
		case float64:
			return int(vv)
		case string:
			if i, err := strconv.Atoi(vv); err == nil {
				return i
			}
		}
	}
	return def
}

// strAt — безопасно достаёт строку из вложенной map[string]any по пути ключей
func strAt(m map[string]any, keys ...string) string {
	cur := any(m)
	for _, k := range keys {
		obj, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = obj[k]
	}
	if s, ok := cur.(string); ok {
		return s
	}
	return ""
}

func sliceAt(m map[string]any, keys ...string) []any {
	cur := any(m)
	for _, k := range keys {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[k]
	}
	s, _ := cur.([]any)
	return s
}
