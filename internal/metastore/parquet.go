package metastore

import (
	"bytes"
	"context"
	"os"
	"path"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/kamusis/persona/internal/errdefs"
	"github.com/kamusis/persona/internal/template"
)

// parquetRow is one record in a columnar snapshot.
type parquetRow struct {
	UUID        string    `parquet:"uuid"`
	Name        string    `parquet:"name"`
	Type        string    `parquet:"type"`
	Description string    `parquet:"description"`
	Tags        string    `parquet:"tags"`
	Embedding   []float32 `parquet:"embedding"`
	Path        string    `parquet:"path"`
}

// ParquetSnapshotter stores each type as index/<roles|skills>.parquet.
type ParquetSnapshotter struct {
	fs afero.Fs
}

func NewParquet(fsys afero.Fs) *ParquetSnapshotter {
	return &ParquetSnapshotter{fs: fsys}
}

func (p *ParquetSnapshotter) Location() string { return "index/*.parquet" }

func (p *ParquetSnapshotter) file(t template.Type) string {
	return path.Join("index", t.Dir()+".parquet")
}

func (p *ParquetSnapshotter) Load(ctx context.Context, t template.Type) ([]template.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := p.file(t)
	b, err := afero.ReadFile(p.fs, name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &errdefs.CorruptIndexError{Type: string(t), Location: name, Err: err}
	}

	rows, err := parquet.Read[parquetRow](bytes.NewReader(b), int64(len(b)))
	if err != nil {
		return nil, &errdefs.CorruptIndexError{Type: string(t), Location: name, Err: err}
	}
	out := make([]template.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, template.Record{
			UUID:        r.UUID,
			Name:        r.Name,
			Type:        template.Type(r.Type),
			Description: r.Description,
			Tags:        splitTags(r.Tags),
			Embedding:   r.Embedding,
			Path:        r.Path,
		})
	}
	return out, nil
}

func (p *ParquetSnapshotter) Save(ctx context.Context, t template.Type, records []template.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rows := make([]parquetRow, 0, len(records))
	for _, r := range records {
		rows = append(rows, parquetRow{
			UUID:        r.UUID,
			Name:        r.Name,
			Type:        string(r.Type),
			Description: r.Description,
			Tags:        joinTags(r.Tags),
			Embedding:   r.Embedding,
			Path:        r.Path,
		})
	}
	var buf bytes.Buffer
	if err := parquet.Write(&buf, rows); err != nil {
		return errors.Wrapf(err, "cannot encode %s snapshot", t)
	}

	if err := p.fs.MkdirAll("index", 0o755); err != nil {
		return errors.Wrap(err, "cannot create index directory")
	}
	name := p.file(t)
	tmp := path.Join("index", "."+t.Dir()+".parquet-"+uuid.NewString())
	if err := afero.WriteFile(p.fs, tmp, buf.Bytes(), 0o644); err != nil {
		_ = p.fs.Remove(tmp)
		return errors.Wrapf(err, "cannot write %s", tmp)
	}
	if err := p.fs.Rename(tmp, name); err != nil {
		_ = p.fs.Remove(tmp)
		return errors.Wrapf(err, "cannot replace %s", name)
	}
	return nil
}
