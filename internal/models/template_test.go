package models

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm/schema"
)

// Поле Default должно мапиться в is_default: слово "default"
// зарезервировано в SQL, а кавычки вокруг идентификатора у каждого
// диалекта свои — сырые запросы по колонке иначе не переносимы.
func TestTemplateDefaultColumnName(t *testing.T) {
	s, err := schema.Parse(&Template{}, &sync.Map{}, schema.NamingStrategy{})
	require.NoError(t, err)
	f := s.LookUpField("Default")
	require.NotNil(t, f)
	require.Equal(t, "is_default", f.DBName)
}
