package compose

import (
	"encoding/json"
	"sort"
)

// Source — единица слияния с порядковым номером применения.
// Чем позже источник в порядке применения, тем выше его приоритет.
type Source struct {
	Name  string
	Order int            // больший Order выигрывает на конфликтных ключах
	Tree  map[string]any // разобранный фрагмент конфигурации
}

// Merge объединяет фрагменты по порядку применения.
// map сливаются рекурсивно; slice и скаляры заменяются целиком.
// Результат детерминирован: одинаковый вход — одинаковый выход.
func Merge(sources ...Source) map[string]any {
	if len(sources) == 0 {
		return map[string]any{}
	}
	sort.SliceStable(sources, func(i, j int) bool { return sources[i].Order < sources[j].Order })
	out := map[string]any{}
	for _, s := range sources {
		if s.Tree == nil {
			continue
		}
		out = deepMerge(out, s.Tree)
	}
	return out
}

func deepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		return cloneMap(src)
	}
	out := cloneMap(dst)
	for k, v := range src {
		if dv, ok := out[k]; ok {
			// map + map → merge
			if dm, ok1 := dv.(map[string]any); ok1 {
				if sm, ok2 := v.(map[string]any); ok2 {
					out[k] = deepMerge(dm, sm)
					continue
				}
			}
		}
		// иначе — просто заменить
		out[k] = cloneValue(v)
	}
	return out
}

// clone через json — дёшево и сердито, заодно нормализует типы чисел.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	b, _ := json.Marshal(m)
	var out map[string]any
	_ = json.Unmarshal(b, &out)
	return out
}

func cloneValue(v any) any {
	b, _ := json.Marshal(v)
	var out any
	_ = json.Unmarshal(b, &out)
	return out
}
