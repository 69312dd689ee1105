package compose

// Compose — полный проход композера: упорядоченные шаблоны, затем собственный
// фрагмент устройства (он всегда перекрывает шаблоны), затем подстановка
// контекста. Идемпотентно: одинаковый (templates, own, ctx) — одинаковое дерево.
func Compose(templates []Source, own map[string]any, ctx map[string]any) (map[string]any, error) {
	sources := make([]Source, 0, len(templates)+1)
	sources = append(sources, templates...)
	maxOrder := 0
	for _, s := range templates {
		if s.Order > maxOrder {
			maxOrder = s.Order
		}
	}
	if own != nil {
		sources = append(sources, Source{Name: "device", Order: maxOrder + 1, Tree: own})
	}
	merged := Merge(sources...)
	return ApplyContext(merged, ctx)
}
