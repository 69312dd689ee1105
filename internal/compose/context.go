package compose

import (
	"encoding/json"

	"github.com/imdario/mergo"
)

// MergeContext собирает итоговый контекст подстановки из слоёв:
// глобальные дефолты ← авто-переменные (vpn/pki) ← переопределения устройства.
// Каждый следующий слой перекрывает предыдущий.
func MergeContext(layers ...map[string]any) map[string]any {
	out := map[string]any{}
	for _, l := range layers {
		if l == nil {
			continue
		}
		_ = mergo.Merge(&out, cloneMap(l), mergo.WithOverride)
	}
	return out
}

// ContextFromStrings — адаптер для map[string]string из настроек.
func ContextFromStrings(m map[string]string) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// DecodeTree — распаковка JSON-фрагмента в map[string]any (nil/пусто → {}).
func DecodeTree(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}
