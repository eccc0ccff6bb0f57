package registry

import (
	"context"
	"slices"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kamusis/persona/internal/errdefs"
	"github.com/kamusis/persona/internal/logger"
	"github.com/kamusis/persona/internal/metastore"
	"github.com/kamusis/persona/internal/template"
)

// ReindexOptions control Reindex.
type ReindexOptions struct {
	// Force re-embeds every description, for example after switching
	// embedding providers.
	Force bool
}

// ReindexReport summarizes a Reindex run.
type ReindexReport struct {
	Indexed    int
	Reembedded int
	Reused     int
	// Dropped lists "type/name" keys whose records had no files.
	Dropped []string
	// Skipped lists "type/name" keys whose directories could not be indexed.
	Skipped []string
}

// Reindex rebuilds the meta store from the file store. Each template's
// name, description and tags are re-read from its root file; existing uuids
// are kept and embeddings are reused when the description is unchanged.
// Nothing is modified unless every embedding succeeds.
func (s *Session) Reindex(ctx context.Context, opts ReindexOptions) (ReindexReport, error) {
	var report ReindexReport
	err := withSpan(ctx, "registry.reindex", func(ctx context.Context) error {
		if s.meta.ReadOnly() {
			return errdefs.ErrReadOnly
		}
		log := logger.G(ctx)

		var rebuilt []template.Record
		var stale []template.Record
		for _, t := range template.Types() {
			existing := map[string]template.Record{}
			for rec := range s.meta.List(t, metastore.Filter{}) {
				existing[rec.Name] = rec
				stale = append(stale, rec)
			}

			names, err := s.r.files.List(ctx, t)
			if err != nil {
				return errors.Wrapf(err, "cannot list %s", t.Dir())
			}
			for _, name := range names {
				key := string(t) + "/" + name
				if template.ValidateName(name) != nil {
					report.Skipped = append(report.Skipped, key)
					continue
				}
				files, err := s.r.files.Get(ctx, t, name)
				if err != nil {
					return err
				}
				root, ok := files[t.RootFile()]
				if !ok {
					log.WithField("template", key).Warnf("skipping template without %s", t.RootFile())
					report.Skipped = append(report.Skipped, key)
					continue
				}
				fm, _, err := template.ParseFrontmatter(root)
				if err != nil {
					log.WithError(err).WithField("template", key).Warn("skipping template with unreadable frontmatter")
					report.Skipped = append(report.Skipped, key)
					continue
				}

				prev, known := existing[name]
				rec := template.Record{
					UUID:        prev.UUID,
					Name:        name,
					Type:        t,
					Description: fm.Description,
					Tags:        template.NormalizeTags(fm.Tags),
					Path:        template.StoragePath(t, name),
				}
				if rec.Description == "" {
					rec.Description = prev.Description
				}
				if rec.Description == "" {
					log.WithField("template", key).Warn("skipping template without description")
					report.Skipped = append(report.Skipped, key)
					continue
				}
				if rec.Tags == nil && known {
					rec.Tags = slices.Clone(prev.Tags)
				}
				if rec.UUID == "" {
					rec.UUID = uuid.NewString()
				}

				if known && !opts.Force && prev.Description == rec.Description && s.reusable(prev.Embedding) {
					rec.Embedding = slices.Clone(prev.Embedding)
					report.Reused++
				} else {
					vec, err := s.r.embedder.Embed(ctx, rec.Description)
					if err != nil {
						return &errdefs.RegistrationFailedError{
							Stage: errdefs.StageEmbedding, Type: string(t), Name: name, Err: err,
						}
					}
					rec.Embedding = vec
					report.Reembedded++
				}
				rebuilt = append(rebuilt, rec)
				delete(existing, name)
			}
			for name := range existing {
				report.Dropped = append(report.Dropped, string(t)+"/"+name)
			}
		}
		slices.Sort(report.Dropped)

		// Clear everything before inserting so a change of embedding
		// dimension does not collide with records still in the old one.
		for _, rec := range stale {
			if err := s.meta.Delete(rec.Type, rec.Name); err != nil {
				return err
			}
		}
		for _, rec := range rebuilt {
			if err := s.meta.Insert(rec); err != nil {
				return err
			}
		}
		report.Indexed = len(rebuilt)
		log.WithField("indexed", report.Indexed).
			WithField("reembedded", report.Reembedded).
			WithField("dropped", len(report.Dropped)).
			Info("reindexed registry")
		return nil
	}, attribute.Bool("reindex.force", opts.Force))
	return report, err
}

// reusable reports whether a stored vector fits the current embedder.
func (s *Session) reusable(vec []float32) bool {
	if len(vec) == 0 {
		return false
	}
	dim := s.r.embedder.Dim()
	return dim == 0 || dim == len(vec)
}

// CheckReport lists divergences between the two stores.
type CheckReport struct {
	// MissingFiles lists "type/name" keys indexed without files.
	MissingFiles []string
	// Unindexed lists "type/name" keys with files but no record.
	Unindexed []string
}

// OK reports whether the stores agree.
func (c CheckReport) OK() bool { return len(c.MissingFiles) == 0 && len(c.Unindexed) == 0 }

// Check compares the meta store with the file store without modifying either.
func (s *Session) Check(ctx context.Context) (CheckReport, error) {
	var report CheckReport
	err := withSpan(ctx, "registry.check", func(ctx context.Context) error {
		for _, t := range template.Types() {
			names, err := s.r.files.List(ctx, t)
			if err != nil {
				return errors.Wrapf(err, "cannot list %s", t.Dir())
			}
			onDisk := map[string]bool{}
			for _, name := range names {
				onDisk[name] = true
				if ok, _ := s.meta.Exists(t, name); !ok {
					report.Unindexed = append(report.Unindexed, string(t)+"/"+name)
				}
			}
			for rec := range s.meta.List(t, metastore.Filter{}) {
				if !onDisk[rec.Name] {
					report.MissingFiles = append(report.MissingFiles, string(t)+"/"+rec.Name)
				}
			}
		}
		slices.Sort(report.MissingFiles)
		slices.Sort(report.Unindexed)
		return nil
	})
	return report, err
}
