package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lakegate/lakegate/pkg/engine"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestReaderResolveLocal(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.json"), `[]`)
	writeFile(t, filepath.Join(dir, "a.json"), `[]`)
	writeFile(t, filepath.Join(dir, "c.jsonl"), ``)
	writeFile(t, filepath.Join(dir, ".a.json.meta.json"), `{}`)
	writeFile(t, filepath.Join(dir, "sub", "d.json"), `[]`)

	r := NewReader()
	ctx := context.Background()

	objects, err := r.Resolve(ctx, filepath.ToSlash(dir)+"/*.json")
	require.NoError(t, err)
	require.Len(t, objects, 2)
	assert.Equal(t, "file://"+filepath.ToSlash(filepath.Join(dir, "a.json")), objects[0].URI)
	assert.Equal(t, "file://"+filepath.ToSlash(filepath.Join(dir, "b.json")), objects[1].URI)

	objects, err = r.Resolve(ctx, filepath.ToSlash(dir))
	require.NoError(t, err)
	assert.Len(t, objects, 3, "a directory selects the files directly inside it")

	objects, err = r.Resolve(ctx, "file://"+filepath.ToSlash(filepath.Join(dir, "c.jsonl")))
	require.NoError(t, err)
	assert.Len(t, objects, 1)
}

func TestReaderResolveNoMatches(t *testing.T) {
	r := NewReader()

	_, err := r.Resolve(context.Background(), filepath.ToSlash(t.TempDir())+"/*.parquet")
	require.Error(t, err)
	assert.Equal(t, engine.ErrCodeNoSourceFiles, engine.CodeOf(err))
	assert.True(t, engine.IsFatal(err))

	_, err = r.Resolve(context.Background(), filepath.ToSlash(filepath.Join(t.TempDir(), "nope", "*.json")))
	assert.Equal(t, engine.ErrCodeNoSourceFiles, engine.CodeOf(err))
}

func TestReaderUnknownScheme(t *testing.T) {
	r := NewReader()

	_, err := r.Resolve(context.Background(), "s3://bucket/x.json")
	require.Error(t, err)
	assert.Equal(t, engine.ErrCodeInvalidSource, engine.CodeOf(err))
}

func TestReaderRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rows.jsonl")
	writeFile(t, path, "{\"id\":1}\n{\"id\":2}\n")

	ds, err := NewReader().Read(context.Background(), filepath.ToSlash(path))
	require.NoError(t, err)
	assert.Equal(t, 2, ds.Len())
	assert.Equal(t, "id:int64", ds.Schema())
}

func TestReaderReadErrors(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.json")
	writeFile(t, bad, `{`)

	r := NewReader()
	ctx := context.Background()

	_, err := r.Read(ctx, filepath.ToSlash(bad))
	assert.Equal(t, engine.ErrCodeInvalidSource, engine.CodeOf(err))

	_, err = r.Read(ctx, filepath.ToSlash(filepath.Join(dir, "x.csv")))
	assert.Equal(t, engine.ErrCodeInvalidSource, engine.CodeOf(err))
}

func TestLocalStorePutStat(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	writeFile(t, src, "payload")

	store := NewLocalStore()
	ctx := context.Background()
	target := &URI{Scheme: "file", Path: filepath.ToSlash(filepath.Join(dir, "out", "dst.bin"))}

	require.NoError(t, store.Put(ctx, src, target, map[string]string{MetaContentHash: "abc"}))

	obj, err := store.Stat(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, int64(7), obj.Size)
	assert.Equal(t, "abc", obj.Metadata[MetaContentHash])

	_, err = store.Stat(ctx, &URI{Scheme: "file", Path: filepath.ToSlash(filepath.Join(dir, "out", "missing.bin"))})
	assert.Equal(t, engine.ErrCodeRefNotFound, engine.CodeOf(err))
}
