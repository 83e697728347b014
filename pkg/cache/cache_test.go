package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/heimdall-sbom/heimdall/pkg/component"
)

func tempFile(t *testing.T, name, data string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	return p
}

func TestGetPut(t *testing.T) {
	c, err := New(4, 0)
	require.NoError(t, err)
	p := tempFile(t, "a", "contents")
	comp := &component.Component{Name: "a"}

	_, ok := c.Get(p)
	require.False(t, ok)
	require.NoError(t, c.Put(p, comp))
	got, ok := c.Get(p)
	require.True(t, ok)
	require.Same(t, comp, got)
	require.Equal(t, Stats{Hits: 1, Misses: 1, Entries: 1}, c.Stats())

	c.Invalidate(p)
	_, ok = c.Get(p)
	require.False(t, ok)

	require.NoError(t, c.Put(p, comp))
	c.Clear()
	require.Equal(t, Stats{}, c.Stats())
}

func TestChangedFile(t *testing.T) {
	c, err := New(4, 0)
	require.NoError(t, err)
	p := tempFile(t, "a", "one")
	require.NoError(t, c.Put(p, &component.Component{}))

	require.NoError(t, os.WriteFile(p, []byte("two!"), 0o644))
	_, ok := c.Get(p)
	require.False(t, ok)
	require.Zero(t, c.Stats().Entries)
}

func TestMaxAge(t *testing.T) {
	c, err := New(4, time.Minute)
	require.NoError(t, err)
	now := time.Now()
	c.now = func() time.Time { return now }
	p := tempFile(t, "a", "x")
	require.NoError(t, c.Put(p, &component.Component{}))

	now = now.Add(30 * time.Second)
	_, ok := c.Get(p)
	require.True(t, ok)
	now = now.Add(time.Minute)
	_, ok = c.Get(p)
	require.False(t, ok)
}

func TestEviction(t *testing.T) {
	c, err := New(2, 0)
	require.NoError(t, err)
	dir := t.TempDir()
	var paths []string
	for _, n := range []string{"a", "b", "c"} {
		p := filepath.Join(dir, n)
		require.NoError(t, os.WriteFile(p, []byte(n), 0o644))
		require.NoError(t, c.Put(p, &component.Component{Name: n}))
		paths = append(paths, p)
	}
	_, ok := c.Get(paths[0])
	require.False(t, ok)
	_, ok = c.Get(paths[2])
	require.True(t, ok)
}

func TestFingerprint(t *testing.T) {
	a := tempFile(t, "a", "same")
	fa, err := FingerprintFile(a)
	require.NoError(t, err)
	fb, err := FingerprintFile(a)
	require.NoError(t, err)
	require.True(t, fa.Equal(fb))
	require.EqualValues(t, 4, fa.Size)

	_, err = FingerprintFile(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)

	_, err = New(0, 0)
	require.Error(t, err)
}
