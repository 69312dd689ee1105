package openvpn

import (
	"fmt"
	"sort"
	"strings"

	"loom/internal/render"
)

// openvpn — VPN-бэкенд: дерево {"openvpn":{"clients":[...]}} → клиентские .conf.
// Схемой не валидируется (VPN-бэкенды освобождены от schema-проверки).
type backend struct{}

func init() { render.Register(backend{}) }

func (backend) Name() string { return "openvpn" }
func (backend) VPN() bool    { return true }

func (backend) Render(tree map[string]any, _ render.Options) ([]render.File, error) {
	ov, _ := tree["openvpn"].(map[string]any)
	if ov == nil {
		return nil, nil
	}
	clients, _ := ov["clients"].([]any)
	var files []render.File
	for _, c := range clients {
		m, _ := c.(map[string]any)
		if m == nil {
			continue
		}
		name := str(m, "name", "client")
		conf, err := renderClient(name, m)
		if err != nil {
			return nil, err
		}
		files = append(files, render.File{
			Name: "etc/openvpn/" + name + ".conf",
			Mode: 0600, // внутри может быть путь к ключу
			Data: conf,
		})
	}
	return files, nil
}

// renderClient собирает каноничный client-конфиг. Порядок директив фиксирован,
// чтобы рендер был детерминированным (checksum-сравнение этого требует).
func renderClient(name string, m map[string]any) ([]byte, error) {
	remote := str(m, "remote", "")
	if remote == "" {
		return nil, fmt.Errorf("openvpn client %q: remote required", name)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "client\n")
	fmt.Fprintf(&b, "dev %s\n", str(m, "dev", "tun"))
	fmt.Fprintf(&b, "proto %s\n", str(m, "proto", "udp"))
	fmt.Fprintf(&b, "remote %s %d\n", remote, num(m, "port", 1194))
	fmt.Fprintf(&b, "resolv-retry infinite\n")
	fmt.Fprintf(&b, "nobind\n")
	fmt.Fprintf(&b, "persist-key\npersist-tun\n")
	fmt.Fprintf(&b, "cipher %s\n", str(m, "cipher", "AES-256-GCM"))
	fmt.Fprintf(&b, "auth %s\n", str(m, "auth", "SHA256"))
	if str(m, "tls_client", "1") != "0" {
		fmt.Fprintf(&b, "tls-client\n")
	}
	// пути к x509-материалу (cert-manager кладёт файлы по этим путям)
	if ca := str(m, "ca", ""); ca != "" {
		fmt.Fprintf(&b, "ca %s\n", ca)
	}
	if cert := str(m, "cert", ""); cert != "" {
		fmt.Fprintf(&b, "cert %s\n", cert)
	}
	if key := str(m, "key", ""); key != "" {
		fmt.Fprintf(&b, "key %s\n", key)
	}
	fmt.Fprintf(&b, "verb %d\n", num(m, "verb", 3))
	// прочие простые опции — отсортированно, детерминизм важнее красоты
	if extra, ok := m["options"].(map[string]any); ok {
		keys := make([]string, 0, len(extra))
		for k := range extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s %v\n", k, extra[k])
		}
	}
	return []byte(b.String()), nil
}

func str(m map[string]any, k, def string) string {
	if s, ok := m[k].(string); ok && s != "" {
		return s
	}
	return def
}

func num(m map[string]any, k string, def int) int {
	switch v := m[k].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}
