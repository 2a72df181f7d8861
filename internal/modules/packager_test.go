package modules

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lapsproject/laps/internal/ecode"
)

func moduleArchive(t *testing.T, files map[string]string) io.Reader {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(files[name])),
		}))
		_, err := tw.Write([]byte(files[name]))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return &buf
}

func validModuleFiles() map[string]string {
	return map[string]string{
		"main.py":          "def solve(grid, start, end, resolution, min_height, max_height):\n    return [start, end]\n",
		"requirements.txt": "",
	}
}

func TestPackagerBuild(t *testing.T) {
	rt := NewFakeRuntime()
	p := NewPackager(rt, "laps")
	key := Key{Name: "simple", Version: "1"}

	log, err := p.Build(context.Background(), key, moduleArchive(t, validModuleFiles()))
	require.NoError(t, err)
	assert.Contains(t, log, "laps/simple:1")
	assert.True(t, rt.HasImage("laps/simple:1"))
}

func TestPackagerMissingEntrypoint(t *testing.T) {
	rt := NewFakeRuntime()
	p := NewPackager(rt, "laps")

	_, err := p.Build(context.Background(), Key{Name: "m", Version: "1"}, moduleArchive(t, map[string]string{
		"requirements.txt": "",
	}))
	require.Error(t, err)
	assert.Equal(t, ecode.KindInvalidInput, ecode.KindOf(err))
	assert.Contains(t, err.Error(), "main.py")
}

func TestPackagerRejectsReservedNames(t *testing.T) {
	rt := NewFakeRuntime()
	p := NewPackager(rt, "laps")

	for _, reserved := range []string{"laps.py", "Dockerfile", "sub/laps.py"} {
		files := validModuleFiles()
		files[reserved] = "overwrite"
		_, err := p.Build(context.Background(), Key{Name: "m", Version: "1"}, moduleArchive(t, files))
		require.Error(t, err, reserved)
		assert.Equal(t, ecode.KindInvalidInput, ecode.KindOf(err))
	}
}

func TestPackagerRejectsEscapingPaths(t *testing.T) {
	rt := NewFakeRuntime()
	p := NewPackager(rt, "laps")

	for _, name := range []string{"../evil.py", "/etc/passwd"} {
		files := validModuleFiles()
		files[name] = "x"
		_, err := p.Build(context.Background(), Key{Name: "m", Version: "1"}, moduleArchive(t, files))
		require.Error(t, err, name)
		assert.Equal(t, ecode.KindInvalidInput, ecode.KindOf(err))
	}
}

func TestPackagerRejectsSymlinks(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     "link.py",
		Typeflag: tar.TypeSymlink,
		Linkname: "/etc/passwd",
	}))
	require.NoError(t, tw.Close())

	p := NewPackager(NewFakeRuntime(), "laps")
	_, err := p.Build(context.Background(), Key{Name: "m", Version: "1"}, &buf)
	require.Error(t, err)
	assert.Equal(t, ecode.KindInvalidInput, ecode.KindOf(err))
}

func TestPackagerBuildFailureReturnsLog(t *testing.T) {
	rt := NewFakeRuntime()
	rt.BuildError = "SyntaxError: invalid syntax"
	p := NewPackager(rt, "laps")

	log, err := p.Build(context.Background(), Key{Name: "m", Version: "1"}, moduleArchive(t, validModuleFiles()))
	require.Error(t, err)
	assert.Equal(t, ecode.KindBuildFailed, ecode.KindOf(err))
	assert.True(t, strings.Contains(log, "SyntaxError"))
	assert.False(t, rt.HasImage("laps/m:1"))
}

func TestPackagerRejectsGarbage(t *testing.T) {
	p := NewPackager(NewFakeRuntime(), "laps")
	_, err := p.Build(context.Background(), Key{Name: "m", Version: "1"}, bytes.NewReader([]byte("not a tar at all")))
	require.Error(t, err)
	assert.Equal(t, ecode.KindInvalidInput, ecode.KindOf(err))
}
