package metastore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/kamusis/persona/internal/errdefs"
	"github.com/kamusis/persona/internal/logger"
	"github.com/kamusis/persona/internal/template"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS templates (
	type        TEXT    NOT NULL,
	seq         INTEGER NOT NULL,
	uuid        TEXT    NOT NULL,
	name        TEXT    NOT NULL,
	description TEXT    NOT NULL,
	tags        TEXT    NOT NULL,
	embedding   BLOB    NOT NULL,
	path        TEXT    NOT NULL,
	PRIMARY KEY (type, name)
)`

type sqliteRow struct {
	Type        string `db:"type"`
	Seq         int    `db:"seq"`
	UUID        string `db:"uuid"`
	Name        string `db:"name"`
	Description string `db:"description"`
	Tags        string `db:"tags"`
	Embedding   []byte `db:"embedding"`
	Path        string `db:"path"`
}

// SQLiteSnapshotter stores every type in the templates table of
// index/registry.db. The rows of one type are replaced in one transaction.
type SQLiteSnapshotter struct {
	path string
}

func NewSQLite(root string) *SQLiteSnapshotter {
	return &SQLiteSnapshotter{path: filepath.Join(root, "index", "registry.db")}
}

func (s *SQLiteSnapshotter) Location() string { return s.path }

func (s *SQLiteSnapshotter) open(ctx context.Context) (*sqlx.DB, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create database directory")
	}
	db, err := sqlx.Open("sqlite", s.path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		sqliteSchema,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "failed to execute %q", firstLine(stmt))
		}
	}
	return db, nil
}

func (s *SQLiteSnapshotter) Load(ctx context.Context, t template.Type) ([]template.Record, error) {
	if _, err := os.Stat(s.path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, s.corrupt(t, err)
	}
	db, err := s.open(ctx)
	if err != nil {
		return nil, s.corrupt(t, err)
	}
	defer db.Close()

	var rows []sqliteRow
	if err := db.SelectContext(ctx, &rows,
		`SELECT type, seq, uuid, name, description, tags, embedding, path FROM templates WHERE type = ? ORDER BY seq`,
		string(t)); err != nil {
		return nil, s.corrupt(t, errors.Wrap(err, "failed to query templates"))
	}

	out := make([]template.Record, 0, len(rows))
	for _, r := range rows {
		if len(r.Embedding)%4 != 0 {
			return nil, s.corrupt(t, errors.Errorf("embedding of %q is %d bytes", r.Name, len(r.Embedding)))
		}
		vec := make([]float32, len(r.Embedding)/4)
		if err := binary.Read(bytes.NewReader(r.Embedding), binary.LittleEndian, vec); err != nil {
			return nil, s.corrupt(t, err)
		}
		out = append(out, template.Record{
			UUID:        r.UUID,
			Name:        r.Name,
			Type:        template.Type(r.Type),
			Description: r.Description,
			Tags:        splitTags(r.Tags),
			Embedding:   vec,
			Path:        r.Path,
		})
	}
	return out, nil
}

func (s *SQLiteSnapshotter) corrupt(t template.Type, err error) error {
	return &errdefs.CorruptIndexError{Type: string(t), Location: s.path, Err: err}
}

func (s *SQLiteSnapshotter) Save(ctx context.Context, t template.Type, records []template.Record) error {
	db, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			logger.G(ctx).WithError(err).Warn("failed to roll back snapshot transaction")
		}
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM templates WHERE type = ?`, string(t)); err != nil {
		return errors.Wrap(err, "failed to clear templates")
	}
	for i, r := range records {
		var vec bytes.Buffer
		if err := binary.Write(&vec, binary.LittleEndian, r.Embedding); err != nil {
			return errors.Wrap(err, "cannot encode embedding")
		}
		row := sqliteRow{
			Type:        string(t),
			Seq:         i,
			UUID:        r.UUID,
			Name:        r.Name,
			Description: r.Description,
			Tags:        joinTags(r.Tags),
			Embedding:   vec.Bytes(),
			Path:        r.Path,
		}
		if _, err := tx.NamedExecContext(ctx,
			`INSERT INTO templates (type, seq, uuid, name, description, tags, embedding, path)
			 VALUES (:type, :seq, :uuid, :name, :description, :tags, :embedding, :path)`, row); err != nil {
			return errors.Wrapf(err, "failed to insert %s/%s", t, r.Name)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit snapshot")
	}
	return nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
