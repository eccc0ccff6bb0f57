package txn

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamusis/persona/internal/embeddings"
	"github.com/kamusis/persona/internal/errdefs"
	"github.com/kamusis/persona/internal/filestore"
	"github.com/kamusis/persona/internal/metastore"
	"github.com/kamusis/persona/internal/template"
)

// faultyFiles wraps a file store and fails selected calls.
type faultyFiles struct {
	filestore.Store
	failPut    int // fail the n-th Put (1-based); 0 never
	puts       int
	failDelete bool
}

func (f *faultyFiles) Put(ctx context.Context, t template.Type, name string, files template.Files) error {
	f.puts++
	if f.puts == f.failPut {
		return errors.New("put failed")
	}
	return f.Store.Put(ctx, t, name, files)
}

func (f *faultyFiles) Delete(ctx context.Context, t template.Type, name string) error {
	if f.failDelete {
		return errors.New("delete failed")
	}
	return f.Store.Delete(ctx, t, name)
}

// faultyMeta fails Insert and Restore while failInsert is set.
type faultyMeta struct {
	*metastore.Session
	failInsert bool
}

func (m *faultyMeta) Insert(rec template.Record, opts ...metastore.InsertOption) error {
	if m.failInsert {
		return errors.New("insert failed")
	}
	return m.Session.Insert(rec, opts...)
}

func (m *faultyMeta) Restore(rec template.Record, pos int) error {
	if m.failInsert {
		return errors.New("restore failed")
	}
	return m.Session.Restore(rec, pos)
}

type countingEmbedder struct {
	embeddings.Provider
	calls int
	fail  bool
}

func (e *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls++
	if e.fail {
		return nil, errors.New("embedder down")
	}
	return e.Provider.Embed(ctx, text)
}

type fixture struct {
	files *faultyFiles
	meta  *faultyMeta
	emb   *countingEmbedder
	c     *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fs := filestore.NewMemory()
	store := metastore.New(metastore.NewParquet(fs.Fs()), &metastore.MemoryLocker{})
	sess, err := store.Open(context.Background(), metastore.OpenOptions{Bootstrap: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Discard() })

	f := &fixture{
		files: &faultyFiles{Store: fs},
		meta:  &faultyMeta{Session: sess},
		emb:   &countingEmbedder{Provider: embeddings.NewHash(64)},
	}
	f.c = New(f.files, f.emb)
	return f
}

func req(name, desc, body string) RegisterRequest {
	return RegisterRequest{
		Type:        template.Role,
		Name:        name,
		Description: desc,
		Tags:        []string{"Review"},
		Files:       template.Files{"ROLE.md": []byte(body)},
	}
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.c.Register(ctx, f.meta, req("reviewer", "reviews code", "v1"))
	require.NoError(t, err)
	assert.NotEmpty(t, rec.UUID)
	assert.Equal(t, "roles/reviewer", rec.Path)
	assert.Equal(t, []string{"review"}, rec.Tags)
	assert.Len(t, rec.Embedding, 64)

	got, err := f.meta.Get(template.Role, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, rec, got)
	files, err := f.files.Get(ctx, template.Role, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(files["ROLE.md"]))
}

func TestRegister_UUIDPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.c.Register(ctx, f.meta, req("reviewer", "reviews code", "v1"))
	require.NoError(t, err)
	second, err := f.c.Register(ctx, f.meta, req("reviewer", "reviews code", "v2"))
	require.NoError(t, err)
	assert.NotEqual(t, first.UUID, second.UUID, "re-registration without a uuid generates a fresh one")

	pinned := req("reviewer", "reviews code", "v3")
	pinned.UUID = "caller-uuid"
	third, err := f.c.Register(ctx, f.meta, pinned)
	require.NoError(t, err)
	assert.Equal(t, "caller-uuid", third.UUID)
	got, err := f.meta.Get(template.Role, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, "caller-uuid", got.UUID)
}

func TestRegister_ReusesEmbeddingForSameDescription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.c.Register(ctx, f.meta, req("reviewer", "reviews code", "v1"))
	require.NoError(t, err)
	_, err = f.c.Register(ctx, f.meta, req("reviewer", "reviews code", "v2"))
	require.NoError(t, err)
	assert.Equal(t, 1, f.emb.calls)

	_, err = f.c.Register(ctx, f.meta, req("reviewer", "reviews go code", "v3"))
	require.NoError(t, err)
	assert.Equal(t, 2, f.emb.calls)
}

func TestRegister_EmbeddingFailure(t *testing.T) {
	f := newFixture(t)
	f.emb.fail = true

	_, err := f.c.Register(context.Background(), f.meta, req("reviewer", "reviews code", "v1"))
	var rf *errdefs.RegistrationFailedError
	require.True(t, errors.As(err, &rf))
	assert.Equal(t, errdefs.StageEmbedding, rf.Stage)
	ok, _ := f.files.Exists(context.Background(), template.Role, "reviewer")
	assert.False(t, ok)
}

func TestRegister_FilesFailureLeavesMetaUntouched(t *testing.T) {
	f := newFixture(t)
	f.files.failPut = 1

	_, err := f.c.Register(context.Background(), f.meta, req("reviewer", "reviews code", "v1"))
	var rf *errdefs.RegistrationFailedError
	require.True(t, errors.As(err, &rf))
	assert.Equal(t, errdefs.StageFiles, rf.Stage)
	assert.Equal(t, "reviewer", rf.Name)

	ok, err := f.meta.Exists(template.Role, "reviewer")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegister_MetadataFailureRollsBackNewFiles(t *testing.T) {
	f := newFixture(t)
	f.meta.failInsert = true
	ctx := context.Background()

	_, err := f.c.Register(ctx, f.meta, req("reviewer", "reviews code", "v1"))
	var rf *errdefs.RegistrationFailedError
	require.True(t, errors.As(err, &rf))
	assert.Equal(t, errdefs.StageMetadata, rf.Stage)

	ok, err := f.files.Exists(ctx, template.Role, "reviewer")
	require.NoError(t, err)
	assert.False(t, ok, "no orphaned files for a never-indexed record")
}

func TestRegister_MetadataFailureRestoresPreviousFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.c.Register(ctx, f.meta, req("reviewer", "reviews code", "v1"))
	require.NoError(t, err)

	f.meta.failInsert = true
	_, err = f.c.Register(ctx, f.meta, req("reviewer", "reviews code", "v2"))
	require.Error(t, err)

	files, err := f.files.Get(ctx, template.Role, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(files["ROLE.md"]))
}

func TestRegister_RollbackFailureIsInconsistent(t *testing.T) {
	f := newFixture(t)
	f.meta.failInsert = true
	f.files.failDelete = true

	_, err := f.c.Register(context.Background(), f.meta, req("reviewer", "reviews code", "v1"))
	var inc *errdefs.InconsistentStateError
	require.True(t, errors.As(err, &inc))
	assert.Equal(t, "role", inc.Type)
	assert.Equal(t, "reviewer", inc.Name)
	assert.ErrorContains(t, inc.Cause, "insert failed")
	assert.ErrorContains(t, inc.RollbackErr, "delete failed")
}

func TestRegister_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.c.Register(ctx, f.meta, req("../x", "d", "b"))
	assert.ErrorIs(t, err, errdefs.ErrInvalidName)

	_, err = f.c.Register(ctx, f.meta, req("x", "  ", "b"))
	assert.ErrorContains(t, err, "description is required")

	bad := req("x", "d", "b")
	bad.Files["../../etc/passwd"] = []byte("root")
	_, err = f.c.Register(ctx, f.meta, bad)
	var pt *errdefs.PathTraversalError
	assert.True(t, errors.As(err, &pt))
	assert.Equal(t, 0, f.emb.calls)
}

func TestRemove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.c.Register(ctx, f.meta, req("reviewer", "reviews code", "v1"))
	require.NoError(t, err)

	require.NoError(t, f.c.Remove(ctx, f.meta, template.Role, "reviewer"))
	ok, _ := f.meta.Exists(template.Role, "reviewer")
	assert.False(t, ok)
	ok, _ = f.files.Exists(ctx, template.Role, "reviewer")
	assert.False(t, ok)

	assert.True(t, errdefs.IsNotFound(f.c.Remove(ctx, f.meta, template.Role, "reviewer")))
}

func TestRemove_FileFailureRestoresRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec, err := f.c.Register(ctx, f.meta, req("reviewer", "reviews code", "v1"))
	require.NoError(t, err)

	f.files.failDelete = true
	err = f.c.Remove(ctx, f.meta, template.Role, "reviewer")
	var rf *errdefs.RemovalFailedError
	require.True(t, errors.As(err, &rf))
	assert.Equal(t, errdefs.StageFiles, rf.Stage)

	got, err := f.meta.Get(template.Role, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestRemove_FileFailureKeepsOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, name := range []string{"alpha", "beta", "gamma"} {
		_, err := f.c.Register(ctx, f.meta, req(name, "same description", "v1"))
		require.NoError(t, err)
	}
	names := func() []string {
		var out []string
		for rec := range f.meta.List(template.Role, metastore.Filter{}) {
			out = append(out, rec.Name)
		}
		return out
	}

	f.files.failDelete = true
	require.Error(t, f.c.Remove(ctx, f.meta, template.Role, "alpha"))
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, names())

	q, err := f.emb.Provider.Embed(ctx, "same description")
	require.NoError(t, err)
	matches, err := f.meta.Search(template.Role, q, 3)
	require.NoError(t, err)
	require.Len(t, matches, 3)
	assert.Equal(t, "alpha", matches[0].Record.Name, "equal distances keep insertion order")
}

func TestRemove_RestoreFailureIsInconsistent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.c.Register(ctx, f.meta, req("reviewer", "reviews code", "v1"))
	require.NoError(t, err)

	f.files.failDelete = true
	f.meta.failInsert = true
	err = f.c.Remove(ctx, f.meta, template.Role, "reviewer")
	var inc *errdefs.InconsistentStateError
	require.True(t, errors.As(err, &inc))
	assert.Equal(t, "reviewer", inc.Name)
}

func TestRemove_MissingFilesCountAsRemoved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.c.Register(ctx, f.meta, req("reviewer", "reviews code", "v1"))
	require.NoError(t, err)
	require.NoError(t, f.files.Store.Delete(ctx, template.Role, "reviewer"))

	require.NoError(t, f.c.Remove(ctx, f.meta, template.Role, "reviewer"))
	ok, _ := f.meta.Exists(template.Role, "reviewer")
	assert.False(t, ok)
}
