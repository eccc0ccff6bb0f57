// Package txn makes register and remove atomic across the file store and the
// meta store.
//
// Register writes files first and metadata last; remove deletes metadata
// first and files last. Either way a failure of the second step undoes the
// first, so no metadata record ever points at missing files. When the undo
// itself fails the divergence is reported as an InconsistentStateError.
package txn

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/kamusis/persona/internal/embeddings"
	"github.com/kamusis/persona/internal/errdefs"
	"github.com/kamusis/persona/internal/filestore"
	"github.com/kamusis/persona/internal/logger"
	"github.com/kamusis/persona/internal/metastore"
	"github.com/kamusis/persona/internal/template"
)

// MetaSession is the part of a meta store session the coordinator mutates.
type MetaSession interface {
	Get(t template.Type, name string) (template.Record, error)
	Insert(rec template.Record, opts ...metastore.InsertOption) error
	Delete(t template.Type, name string) error
	Position(t template.Type, name string) int
	Restore(rec template.Record, pos int) error
}

var _ MetaSession = (*metastore.Session)(nil)

// Coordinator runs the two-store register and remove protocols.
type Coordinator struct {
	files    filestore.Store
	embedder embeddings.Provider
}

// New returns a Coordinator writing files to files and embedding
// descriptions with embedder.
func New(files filestore.Store, embedder embeddings.Provider) *Coordinator {
	return &Coordinator{files: files, embedder: embedder}
}

// RegisterRequest describes one template to create or replace.
type RegisterRequest struct {
	Type template.Type
	Name string
	// UUID is kept when set. Otherwise every registration, including a
	// re-registration of an existing name, gets a fresh uuid.
	UUID        string
	Description string
	Tags        []string
	Files       template.Files
}

// Register stores req's files and indexes its metadata. The embedding of an
// existing record is reused when its description is unchanged. On failure
// both stores are left as they were, or an InconsistentStateError is returned.
func (c *Coordinator) Register(ctx context.Context, meta MetaSession, req RegisterRequest) (template.Record, error) {
	if !req.Type.Valid() {
		return template.Record{}, errors.Wrapf(errdefs.ErrInvalidType, "%q", req.Type)
	}
	if err := template.ValidateName(req.Name); err != nil {
		return template.Record{}, err
	}
	if strings.TrimSpace(req.Description) == "" {
		return template.Record{}, errors.Errorf("%s/%s: description is required", req.Type, req.Name)
	}
	if err := req.Files.Validate(); err != nil {
		return template.Record{}, err
	}
	log := logger.G(ctx).WithField("type", req.Type).WithField("name", req.Name)
	failed := func(stage errdefs.Stage, err error) error {
		return &errdefs.RegistrationFailedError{Stage: stage, Type: string(req.Type), Name: req.Name, Err: err}
	}

	prev, err := meta.Get(req.Type, req.Name)
	hadPrev := err == nil
	if err != nil && !errdefs.IsNotFound(err) {
		return template.Record{}, failed(errdefs.StageMetadata, err)
	}

	var embedding []float32
	if hadPrev && prev.Description == req.Description && len(prev.Embedding) > 0 {
		embedding = prev.Embedding
		log.Debug("description unchanged, reusing embedding")
	} else {
		embedding, err = c.embedder.Embed(ctx, req.Description)
		if err != nil {
			return template.Record{}, failed(errdefs.StageEmbedding, err)
		}
	}

	var prevFiles template.Files
	if ok, err := c.files.Exists(ctx, req.Type, req.Name); err != nil {
		return template.Record{}, failed(errdefs.StageFiles, err)
	} else if ok {
		if prevFiles, err = c.files.Get(ctx, req.Type, req.Name); err != nil {
			return template.Record{}, failed(errdefs.StageFiles, err)
		}
	}
	if err := c.files.Put(ctx, req.Type, req.Name, req.Files); err != nil {
		return template.Record{}, failed(errdefs.StageFiles, err)
	}

	rec := template.Record{
		UUID:        req.UUID,
		Name:        req.Name,
		Type:        req.Type,
		Description: req.Description,
		Tags:        template.NormalizeTags(req.Tags),
		Embedding:   embedding,
		Path:        template.StoragePath(req.Type, req.Name),
	}
	if rec.UUID == "" {
		rec.UUID = uuid.NewString()
	}

	if err := meta.Insert(rec); err != nil {
		var rbErr error
		if prevFiles != nil {
			rbErr = c.files.Put(ctx, req.Type, req.Name, prevFiles)
		} else {
			rbErr = c.files.Delete(ctx, req.Type, req.Name)
		}
		if rbErr != nil {
			log.WithError(rbErr).WithField("cause", err.Error()).Error("rollback of template files failed; stores diverge")
			return template.Record{}, &errdefs.InconsistentStateError{
				Type: string(req.Type), Name: req.Name, Cause: err, RollbackErr: rbErr,
			}
		}
		log.WithError(err).Warn("metadata insert failed, template files rolled back")
		return template.Record{}, failed(errdefs.StageMetadata, err)
	}

	log.WithField("uuid", rec.UUID).Debug("registered template")
	return rec, nil
}

// Remove deletes the record of (t, name) and then its files. If the files
// cannot be deleted the record is restored at its previous position. Files that are already gone
// count as deleted.
func (c *Coordinator) Remove(ctx context.Context, meta MetaSession, t template.Type, name string) error {
	rec, err := meta.Get(t, name)
	if err != nil {
		return err
	}
	log := logger.G(ctx).WithField("type", t).WithField("name", name)
	failed := func(stage errdefs.Stage, err error) error {
		return &errdefs.RemovalFailedError{Stage: stage, Type: string(t), Name: name, Err: err}
	}

	pos := meta.Position(t, name)
	if err := meta.Delete(t, name); err != nil {
		return failed(errdefs.StageMetadata, err)
	}

	err = c.files.Delete(ctx, t, name)
	switch {
	case err == nil:
	case errdefs.IsNotFound(err):
		log.Warn("template files were already missing; removed the dangling record")
	default:
		if rbErr := meta.Restore(rec, pos); rbErr != nil {
			log.WithError(rbErr).WithField("cause", err.Error()).Error("restoring removed record failed; stores diverge")
			return &errdefs.InconsistentStateError{Type: string(t), Name: name, Cause: err, RollbackErr: rbErr}
		}
		log.WithError(err).Warn("file delete failed, record restored")
		return failed(errdefs.StageFiles, err)
	}

	log.Debug("removed template")
	return nil
}
