package schema

import (
	"fmt"
	"strings"
)

// Error — ошибка валидации составленного дерева. Отдельный вид ошибки:
// контроллер и preview-API показывают её текст как есть.
type Error struct {
	Backend string
	Path    string // путь до проблемного узла, например "interfaces[0].name"
	Reason  string
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s schema: %s", e.Backend, e.Reason)
	}
	return fmt.Sprintf("%s schema: %s: %s", e.Backend, e.Path, e.Reason)
}

// Validator проверяет составленное дерево конкретного бэкенда.
type Validator func(tree map[string]any) error

var registry = map[string]Validator{}

// Register добавляет валидатор бэкенда. Бэкенды без валидатора
// (в частности все VPN-бэкенды) проходят Validate без проверки.
func Register(backend string, v Validator) { registry[backend] = v }

// Validate прогоняет дерево через валидатор бэкенда, если он зарегистрирован.
func Validate(backend string, tree map[string]any) error {
	v, ok := registry[backend]
	if !ok {
		return nil
	}
	return v(tree)
}

// Registered — есть ли схема для бэкенда (для тестов и диагностики).
func Registered(backend string) bool { _, ok := registry[backend]; return ok }

/* ——— helpers в стиле varschema ——— */

func fail(backend, path, format string, args ...any) error {
	return &Error{Backend: backend, Path: path, Reason: fmt.Sprintf(format, args...)}
}

func asMap(v any) (map[string]any, bool) { m, ok := v.(map[string]any); return m, ok }
func asSlice(v any) ([]any, bool)        { s, ok := v.([]any); return s, ok }

func nonEmptyString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok && strings.TrimSpace(s) != ""
}
