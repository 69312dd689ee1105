package compose

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Плейсхолдер вида {{ variable }} внутри строковых значений дерева.
var varRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// ErrUnresolvedVars — в дереве остались переменные, которых нет в контексте.
type ErrUnresolvedVars struct {
	Vars []string
}

func (e *ErrUnresolvedVars) Error() string {
	return fmt.Sprintf("unresolved context variables: %s", strings.Join(e.Vars, ", "))
}

// ApplyContext подставляет переменные контекста в каждое строковое значение дерева.
// Строка, целиком состоящая из одного плейсхолдера, заменяется типизированным
// значением контекста; встроенные плейсхолдеры интерполируются как строки.
// Если после прохода остались неразрешённые переменные — *ErrUnresolvedVars
// со списком всех недостающих имён.
func ApplyContext(tree map[string]any, ctx map[string]any) (map[string]any, error) {
	missing := map[string]struct{}{}

	var walk func(x any) any
	walk = func(x any) any {
		switch t := x.(type) {
		case string:
			return substString(t, ctx, missing)
		case map[string]any:
			y := make(map[string]any, len(t))
			for k, v := range t {
				y[k] = walk(v)
			}
			return y
		case []any:
			y := make([]any, len(t))
			for i := range t {
				y[i] = walk(t[i])
			}
			return y
		default:
			return x
		}
	}

	out, _ := walk(cloneMap(tree)).(map[string]any)
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for n := range missing {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, &ErrUnresolvedVars{Vars: names}
	}
	return out, nil
}

func substString(s string, ctx map[string]any, missing map[string]struct{}) any {
	if !strings.Contains(s, "{{") {
		return s
	}
	// строка — ровно один плейсхолдер: вернуть типизированное значение
	if m := varRe.FindStringSubmatch(s); m != nil && m[0] == strings.TrimSpace(s) {
		if v, ok := ctx[m[1]]; ok {
			return v
		}
		missing[m[1]] = struct{}{}
		return s
	}
	// иначе — строковая интерполяция всех вхождений
	return varRe.ReplaceAllStringFunc(s, func(ph string) string {
		name := varRe.FindStringSubmatch(ph)[1]
		v, ok := ctx[name]
		if !ok {
			missing[name] = struct{}{}
			return ph
		}
		return fmt.Sprint(v)
	})
}
