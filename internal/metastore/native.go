package metastore

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"os"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/kamusis/persona/internal/errdefs"
	"github.com/kamusis/persona/internal/filestore"
	"github.com/kamusis/persona/internal/template"
)

const (
	nativeManifestFile = "index_manifest.json"
	nativeRecordsFile  = "records.jsonl"
	nativeVectorFile   = "vectors.f32"
	nativeIndexVersion = 1
)

// Manifest describes a native index directory and how to interpret it.
type Manifest struct {
	IndexVersion int    `json:"index_version"`
	CreatedAt    string `json:"created_at"`
	Type         string `json:"type"`
	Count        int    `json:"count"`
	Dim          int    `json:"dim"`
	VectorFile   string `json:"vector_file"`
	RecordsFile  string `json:"records_file"`
}

// recordEntry is one row in records.jsonl. Vectors are stored separately,
// row-major, in the same order.
type recordEntry struct {
	UUID        string   `json:"uuid"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
	Path        string   `json:"path"`
	TextHash    string   `json:"text_hash"`
}

// NativeSnapshotter stores each type as index/<roles|skills>/ holding a JSON
// manifest, a JSONL record file and a little-endian float32 vector file.
// A new directory is written next to the old one and swapped in by rename.
type NativeSnapshotter struct {
	fs afero.Fs
}

func NewNative(fsys afero.Fs) *NativeSnapshotter {
	return &NativeSnapshotter{fs: fsys}
}

func (n *NativeSnapshotter) Location() string { return "index/{roles,skills}/" }

func (n *NativeSnapshotter) dir(t template.Type) string {
	return path.Join("index", t.Dir())
}

// TextHash returns a sha256 hash (hex) of text.
func TextHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

func (n *NativeSnapshotter) Load(ctx context.Context, t template.Type) ([]template.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := n.dir(t)
	b, err := afero.ReadFile(n.fs, path.Join(dir, nativeManifestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, n.corrupt(t, err)
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, n.corrupt(t, errors.Wrap(err, "invalid manifest JSON"))
	}
	if m.IndexVersion != nativeIndexVersion {
		return nil, n.corrupt(t, errors.Errorf("unsupported index version %d", m.IndexVersion))
	}
	if m.Count > 0 && m.Dim <= 0 {
		return nil, n.corrupt(t, errors.Errorf("invalid dim in manifest: %d", m.Dim))
	}
	if m.VectorFile == "" {
		m.VectorFile = nativeVectorFile
	}
	if m.RecordsFile == "" {
		m.RecordsFile = nativeRecordsFile
	}

	entries, err := n.loadRecords(path.Join(dir, m.RecordsFile))
	if err != nil {
		return nil, n.corrupt(t, err)
	}
	if len(entries) != m.Count {
		return nil, n.corrupt(t, errors.Errorf("manifest lists %d records, found %d", m.Count, len(entries)))
	}
	vectors, err := n.loadVectors(path.Join(dir, m.VectorFile), len(entries), m.Dim)
	if err != nil {
		return nil, n.corrupt(t, err)
	}

	out := make([]template.Record, 0, len(entries))
	for i, e := range entries {
		if e.TextHash != TextHash(e.Description) {
			return nil, n.corrupt(t, errors.Errorf("text hash mismatch for %q", e.Name))
		}
		vec := make([]float32, m.Dim)
		copy(vec, vectors[i*m.Dim:(i+1)*m.Dim])
		out = append(out, template.Record{
			UUID:        e.UUID,
			Name:        e.Name,
			Type:        t,
			Description: e.Description,
			Tags:        e.Tags,
			Embedding:   vec,
			Path:        e.Path,
		})
	}
	return out, nil
}

func (n *NativeSnapshotter) corrupt(t template.Type, err error) error {
	return &errdefs.CorruptIndexError{Type: string(t), Location: n.dir(t), Err: err}
}

func (n *NativeSnapshotter) loadRecords(name string) ([]recordEntry, error) {
	f, err := n.fs.Open(name)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open records file %s", name)
	}
	defer f.Close()

	var out []recordEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e recordEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, errors.Wrapf(err, "invalid records JSONL %s", name)
		}
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "cannot read records file %s", name)
	}
	return out, nil
}

func (n *NativeSnapshotter) loadVectors(name string, count, dim int) ([]float32, error) {
	b, err := afero.ReadFile(n.fs, name)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read vector file %s", name)
	}
	expected := count * dim * 4
	if len(b) != expected {
		return nil, errors.Errorf("vector file size mismatch: got %d want %d (records=%d dim=%d)", len(b), expected, count, dim)
	}
	out := make([]float32, count*dim)
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, out); err != nil {
		return nil, errors.Wrapf(err, "cannot read vectors from %s", name)
	}
	return out, nil
}

func (n *NativeSnapshotter) Save(ctx context.Context, t template.Type, records []template.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dim := 0
	if len(records) > 0 {
		dim = len(records[0].Embedding)
	}

	var (
		lines   bytes.Buffer
		vectors = make([]float32, 0, len(records)*dim)
	)
	for _, r := range records {
		if len(r.Embedding) != dim {
			return errors.Wrapf(errdefs.ErrDimensionMismatch, "record %q", r.Name)
		}
		line, err := json.Marshal(recordEntry{
			UUID:        r.UUID,
			Name:        r.Name,
			Description: r.Description,
			Tags:        r.Tags,
			Path:        r.Path,
			TextHash:    TextHash(r.Description),
		})
		if err != nil {
			return err
		}
		lines.Write(line)
		lines.WriteByte('\n')
		vectors = append(vectors, r.Embedding...)
	}
	var vecBuf bytes.Buffer
	if err := binary.Write(&vecBuf, binary.LittleEndian, vectors); err != nil {
		return errors.Wrap(err, "cannot encode vectors")
	}
	manifest, err := json.MarshalIndent(Manifest{
		IndexVersion: nativeIndexVersion,
		CreatedAt:    time.Now().UTC().Format(time.RFC3339),
		Type:         string(t),
		Count:        len(records),
		Dim:          dim,
		VectorFile:   nativeVectorFile,
		RecordsFile:  nativeRecordsFile,
	}, "", "  ")
	if err != nil {
		return err
	}

	if err := n.fs.MkdirAll("index", 0o755); err != nil {
		return errors.Wrap(err, "cannot create index directory")
	}
	tmp := path.Join("index", "."+t.Dir()+"-"+uuid.NewString())
	if err := n.fs.MkdirAll(tmp, 0o755); err != nil {
		return errors.Wrapf(err, "cannot create %s", tmp)
	}
	for name, data := range map[string][]byte{
		nativeManifestFile: manifest,
		nativeRecordsFile:  lines.Bytes(),
		nativeVectorFile:   vecBuf.Bytes(),
	} {
		if err := afero.WriteFile(n.fs, path.Join(tmp, name), data, 0o644); err != nil {
			_ = n.fs.RemoveAll(tmp)
			return errors.Wrapf(err, "cannot write %s", name)
		}
	}
	if err := filestore.AtomicSwap(n.fs, tmp, n.dir(t)); err != nil {
		_ = n.fs.RemoveAll(tmp)
		return errors.Wrapf(err, "cannot replace %s", n.dir(t))
	}
	return nil
}
