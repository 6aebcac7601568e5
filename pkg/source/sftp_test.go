package source

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	pkgsftp "github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lakegate/lakegate/pkg/engine"
	"github.com/lakegate/lakegate/pkg/transports/sftp"
)

// newPipeStore returns an SFTPStore whose host "files" is served in-process
// from the local filesystem.
func newPipeStore(t *testing.T) *SFTPStore {
	t.Helper()

	serverToClientR, serverToClientW := io.Pipe()
	clientToServerR, clientToServerW := io.Pipe()

	server, err := pkgsftp.NewServer(struct {
		io.Reader
		io.WriteCloser
	}{clientToServerR, serverToClientW})
	require.NoError(t, err)
	go func() { _ = server.Serve() }()

	sc, err := pkgsftp.NewClientPipe(serverToClientR, clientToServerW)
	require.NoError(t, err)

	store := NewSFTPStore(*sftp.DefaultConfig("", "ingest"))
	store.Register("files", sftp.NewClientFromSFTP(sc))
	t.Cleanup(func() {
		_ = store.Close()
		_ = server.Close()
	})
	return store
}

func TestSFTPStoreReadAndStage(t *testing.T) {
	root := filepath.ToSlash(t.TempDir())
	writeFile(t, filepath.Join(root, "drop", "a.json"), `[{"id": 1}]`)
	writeFile(t, filepath.Join(root, "drop", "b.json"), `[{"id": 2}, {"id": 3}]`)

	store := newPipeStore(t)
	reader := NewReader(store)
	reader.TempDir = t.TempDir()
	ctx := context.Background()

	objects, err := reader.Resolve(ctx, "sftp://files"+root+"/drop/*.json")
	require.NoError(t, err)
	require.Len(t, objects, 2)
	assert.Equal(t, "sftp://files"+root+"/drop/a.json", objects[0].URI)

	ds, err := reader.Read(ctx, objects[1].URI)
	require.NoError(t, err)
	assert.Equal(t, 2, ds.Len())

	stager := NewStager(reader, zerolog.Nop())
	report, err := stager.Stage(ctx, "sftp://files"+root+"/drop/", "sftp://files"+root+"/staged/", StageOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Staged)

	obj, err := store.Stat(ctx, &URI{Scheme: "sftp", Host: "files", Path: root + "/staged/a.parquet"})
	require.NoError(t, err)
	assert.NotEmpty(t, obj.Metadata[MetaContentHash])

	report, err = stager.Stage(ctx, "sftp://files"+root+"/drop/", "sftp://files"+root+"/staged/", StageOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Skipped)
}

func TestSFTPStoreMissingFile(t *testing.T) {
	store := newPipeStore(t)
	root := filepath.ToSlash(t.TempDir())

	_, err := store.Stat(context.Background(), &URI{Scheme: "sftp", Host: "files", Path: root + "/nope.json"})
	assert.Equal(t, engine.ErrCodeRefNotFound, engine.CodeOf(err))

	objects, err := store.List(context.Background(), &URI{Scheme: "sftp", Host: "files", Path: root + "/nope.json"})
	require.NoError(t, err)
	assert.Empty(t, objects)
}

func TestSFTPStoreBadHost(t *testing.T) {
	store := NewSFTPStore(*sftp.DefaultConfig("", "ingest"))

	_, err := store.List(context.Background(), &URI{Scheme: "sftp", Host: "files:notaport", Path: "/x"})
	require.Error(t, err)
	assert.Equal(t, engine.ErrCodeValidation, engine.CodeOf(err))
}
