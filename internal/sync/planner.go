package sync

import (
	"bytes"
	"io/fs"

	"emperror.dev/errors"

	"github.com/wesm/github-mirror/internal/models"
	"github.com/wesm/github-mirror/internal/store"
)

// Policy decides how an entity already on disk is treated
type Policy int

const (
	// AppendOnly entities are final once stored and are never fetched again.
	AppendOnly Policy = iota
	// MutableHeader entities are re-fetched every run and rewritten when
	// their content changed.
	MutableHeader
)

// PolicyFor returns the policy of an entity kind
func PolicyFor(kind models.Kind) Policy {
	switch kind {
	case models.KindRepoInfo, models.KindIssue, models.KindPullRequest:
		return MutableHeader
	default:
		return AppendOnly
	}
}

// Outcome is what happened to one entity
type Outcome int

const (
	Written Outcome = iota
	Unchanged
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Written:
		return "written"
	case Unchanged:
		return "unchanged"
	case Skipped:
		return "skipped"
	}
	return "unknown"
}

// Planner applies the per-kind policies for one repository
type Planner struct {
	store  *store.Store
	target models.RepoTarget
}

// NewPlanner creates a planner for target
func NewPlanner(st *store.Store, target models.RepoTarget) *Planner {
	return &Planner{store: st, target: target}
}

// Present reports whether the entity is already stored
func (p *Planner) Present(e models.Entity) (bool, error) {
	path, err := p.store.Path(p.target, e)
	if err != nil {
		return false, err
	}
	return p.store.Exists(path)
}

// NeedsFetch returns the path of an entity whose content is streamed, such
// as a release asset, and whether it still has to be downloaded.
func (p *Planner) NeedsFetch(e models.Entity) (string, bool, error) {
	path, err := p.store.Path(p.target, e)
	if err != nil {
		return "", false, err
	}
	if PolicyFor(e.Kind) == MutableHeader {
		return path, true, nil
	}
	exists, err := p.store.Exists(path)
	if err != nil {
		return "", false, err
	}
	return path, !exists, nil
}

// Apply persists a fetched entity according to its policy
func (p *Planner) Apply(e models.Entity) (Outcome, error) {
	path, err := p.store.Path(p.target, e)
	if err != nil {
		return Skipped, err
	}

	if PolicyFor(e.Kind) == AppendOnly {
		exists, err := p.store.Exists(path)
		if err != nil {
			return Skipped, err
		}
		if exists {
			return Skipped, nil
		}
	}

	doc, err := e.Document()
	if err != nil {
		return Skipped, err
	}

	if PolicyFor(e.Kind) == MutableHeader {
		stored, err := p.store.Read(path)
		switch {
		case err == nil:
			if bytes.Equal(stored, doc) {
				return Unchanged, nil
			}
		case !errors.Is(err, fs.ErrNotExist):
			return Skipped, err
		}
	}

	if err := p.store.Write(path, doc); err != nil {
		return Skipped, err
	}
	return Written, nil
}

// StoredHeader returns the header of the stored copy of an entity, if any
func (p *Planner) StoredHeader(e models.Entity) (models.Header, bool, error) {
	path, err := p.store.Path(p.target, e)
	if err != nil {
		return models.Header{}, false, err
	}
	data, err := p.store.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return models.Header{}, false, nil
	}
	if err != nil {
		return models.Header{}, false, err
	}
	h, err := models.DecodeHeader(data)
	if err != nil {
		// A stored file that cannot be decoded is treated as absent and
		// will be replaced.
		return models.Header{}, false, nil
	}
	return h, true, nil
}
