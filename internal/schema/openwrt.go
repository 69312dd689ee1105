package schema

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	reHostname  = regexp.MustCompile(`^[a-zA-Z0-9](?:[a-zA-Z0-9\-.]{0,61}[a-zA-Z0-9])?$`)
	reIfaceName = regexp.MustCompile(`^[a-zA-Z0-9_.\-]{1,15}$`)
)

var ifaceTypes = map[string]struct{}{
	"ethernet": {}, "bridge": {}, "wireless": {}, "loopback": {}, "virtual": {},
}

func init() {
	Register("openwrt", validateOpenWrt)
}

// validateOpenWrt — структурная проверка NetJSON DeviceConfiguration
// перед рендером в UCI. Не полная JSON-Schema, но ловит типовые ошибки
// шаблонов до того, как они попадут на устройство.
func validateOpenWrt(tree map[string]any) error {
	const b = "openwrt"

	if t, ok := tree["type"]; ok {
		if s, _ := t.(string); s != "DeviceConfiguration" {
			return fail(b, "type", "must be %q, got %q", "DeviceConfiguration", s)
		}
	}

	if g, ok := tree["general"]; ok {
		gm, ok := asMap(g)
		if !ok {
			return fail(b, "general", "must be an object")
		}
		if hn, ok := gm["hostname"]; ok {
			s, ok := nonEmptyString(hn)
			if !ok || len(s) > 63 || !reHostname.MatchString(s) {
				return fail(b, "general.hostname", "invalid hostname %q", hn)
			}
		}
	}

	if ifs, ok := tree["interfaces"]; ok {
		list, ok := asSlice(ifs)
		if !ok {
			return fail(b, "interfaces", "must be an array")
		}
		seen := map[string]struct{}{}
		for i, it := range list {
			m, ok := asMap(it)
			if !ok {
				return fail(b, idx("interfaces", i), "must be an object")
			}
			name, ok := nonEmptyString(m["name"])
			if !ok || !reIfaceName.MatchString(name) {
				return fail(b, idx("interfaces", i)+".name", "invalid interface name %q", m["name"])
			}
			if _, dup := seen[name]; dup {
				return fail(b, idx("interfaces", i)+".name", "duplicate interface %q", name)
			}
			seen[name] = struct{}{}
			if ty, ok := m["type"]; ok {
				s, _ := ty.(string)
				if _, known := ifaceTypes[strings.ToLower(s)]; !known {
					return fail(b, idx("interfaces", i)+".type", "unknown interface type %q", s)
				}
			}
		}
	}

	if rs, ok := tree["radios"]; ok {
		list, ok := asSlice(rs)
		if !ok {
			return fail(b, "radios", "must be an array")
		}
		for i, it := range list {
			m, ok := asMap(it)
			if !ok {
				return fail(b, idx("radios", i), "must be an object")
			}
			if _, ok := nonEmptyString(m["name"]); !ok {
				return fail(b, idx("radios", i)+".name", "radio name required")
			}
		}
	}

	return nil
}

func idx(field string, i int) string {
	return field + "[" + strconv.Itoa(i) + "]"
}
