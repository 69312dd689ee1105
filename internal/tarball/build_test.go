package tarball

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/render"
)

func entries(t *testing.T, tgz []byte) map[string]string {
	t.Helper()
	gr, err := gzip.NewReader(bytes.NewReader(tgz))
	require.NoError(t, err)
	tr := tar.NewReader(gr)
	out := map[string]string{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		out[hdr.Name] = string(data)
	}
	return out
}

func TestBuildRoundTrip(t *testing.T) {
	files := []render.File{
		{Name: "etc/config/system", Data: []byte("config system\n")},
		{Name: "/etc/config/network", Data: []byte("config interface 'lan'\n")},
	}
	extra := map[string][]byte{"etc/x509/ca.pem": []byte("PEM")}
	tgz, sum, err := Build(files, extra)
	require.NoError(t, err)
	assert.Len(t, sum, 64)

	got := entries(t, tgz)
	assert.Equal(t, "config system\n", got["etc/config/system"])
	// ведущий слэш срезан
	assert.Equal(t, "config interface 'lan'\n", got["etc/config/network"])
	assert.Equal(t, "PEM", got["etc/x509/ca.pem"])
}

func TestBuildDeterministic(t *testing.T) {
	// одинаковый вход в любом порядке — байт-в-байт одинаковый архив
	a := []render.File{
		{Name: "etc/config/network", Data: []byte("n")},
		{Name: "etc/config/system", Data: []byte("s")},
	}
	b := []render.File{a[1], a[0]}
	tgzA, sumA, err := Build(a, nil)
	require.NoError(t, err)
	tgzB, sumB, err := Build(b, nil)
	require.NoError(t, err)
	assert.Equal(t, tgzA, tgzB)
	assert.Equal(t, sumA, sumB)
}

func TestBuildContentChangesChecksum(t *testing.T) {
	_, sum1, err := Build([]render.File{{Name: "f", Data: []byte("one")}}, nil)
	require.NoError(t, err)
	_, sum2, err := Build([]render.File{{Name: "f", Data: []byte("two")}}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, sum1, sum2)
}
