package render

import (
	"fmt"
	"sort"
)

// File — один файл итоговой конфигурации: путь внутри tar и содержимое.
type File struct {
	Name string // "etc/config/system"
	Data []byte
	Mode int // 0644 и т.п.; 0 — дефолт tarball-а
}

// Options — параметры рендера, не входящие в само дерево.
type Options struct {
	DeviceHostname string
}

// Backend переводит составленное дерево в файлы целевого формата.
// VPN-бэкенды помечаются отдельно: они освобождены от schema-валидации.
type Backend interface {
	Name() string
	VPN() bool
	Render(tree map[string]any, opts Options) ([]File, error)
}

var registry = map[string]Backend{}

func Register(b Backend) { registry[b.Name()] = b }

func Get(name string) (Backend, error) {
	b, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown backend: %s", name)
	}
	return b, nil
}

// IsVPN — зарегистрирован ли name как VPN-бэкенд.
func IsVPN(name string) bool {
	b, ok := registry[name]
	return ok && b.VPN()
}

// Names — имена зарегистрированных бэкендов (для диагностики и API).
func Names() []string {
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
