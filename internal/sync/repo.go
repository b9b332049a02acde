package sync

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"emperror.dev/errors"
	"github.com/sirupsen/logrus"

	"github.com/wesm/github-mirror/internal/api"
	"github.com/wesm/github-mirror/internal/models"
	"github.com/wesm/github-mirror/internal/store"
)

// repoSync is the state of one repository run
type repoSync struct {
	*Syncer
	target  models.RepoTarget
	f       *api.Fetcher
	log     logrus.FieldLogger
	planner *Planner
	stats   Stats
}

func (r *repoSync) endpoint(parts ...string) string {
	return "repos/" + url.PathEscape(r.target.Owner) + "/" + url.PathEscape(r.target.Name) +
		strings.TrimSuffix("/"+strings.Join(parts, "/"), "/")
}

// skip logs and counts a failure that only affects the current entity or
// collection. Storage failures and cancellation are returned instead, since
// they end the repository run.
func (r *repoSync) skip(ctx context.Context, err error, what string) error {
	if store.IsStorageError(err) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	r.stats.Failed++
	r.log.WithError(err).Warnf("Skipping %s", what)
	return nil
}

func (r *repoSync) apply(e models.Entity) error {
	outcome, err := r.planner.Apply(e)
	if err != nil {
		if store.IsStorageError(err) {
			return err
		}
		r.stats.Failed++
		r.log.WithError(err).Warnf("Skipping %s", e)
		return nil
	}
	r.stats.Record(outcome)
	r.log.WithField("outcome", outcome).Debugf("Applied %s", e)
	return nil
}

func (r *repoSync) run(ctx context.Context) error {
	raw, err := r.f.Get(ctx, r.endpoint())
	if err != nil {
		return errors.Wrap(err, "failed to fetch repository info")
	}
	info, h, err := models.NewEntity(models.KindRepoInfo, "", raw)
	if err != nil {
		return err
	}
	if err := r.apply(info); err != nil {
		return err
	}

	cols := r.opts.Collections

	if cols.Has(CollectionRepo) {
		if err := r.mirror(ctx, "repository", h.CloneURL, r.store.MirrorDir(r.target)); err != nil {
			return err
		}
	}

	if cols.Has(CollectionWiki) && h.HasWiki {
		if err := r.mirror(ctx, "wiki", wikiURL(h.CloneURL), r.store.WikiDir(r.target)); err != nil {
			return err
		}
	}

	steps := []struct {
		collection Collection
		enabled    bool
		fn         func(context.Context) error
	}{
		{CollectionIssues, h.HasIssues, r.syncIssues},
		{CollectionLabels, true, r.syncLabels},
		{CollectionMilestones, true, r.syncMilestones},
		{CollectionPulls, true, r.syncPulls},
		{CollectionReleases, true, r.syncReleases},
	}
	for _, step := range steps {
		if !cols.Has(step.collection) || !step.enabled {
			continue
		}
		r.log.Infof("Fetching %s", step.collection)
		if err := step.fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

func wikiURL(cloneURL string) string {
	return strings.TrimSuffix(cloneURL, ".git") + ".wiki.git"
}

func (r *repoSync) mirror(ctx context.Context, what, cloneURL, dest string) error {
	if r.git == nil || cloneURL == "" {
		return nil
	}
	r.log.Infof("Mirroring %s", what)
	if err := r.git.Mirror(ctx, cloneURL, dest); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		// A wiki that was enabled but never written has no repository.
		r.stats.Failed++
		r.log.WithError(err).Warnf("Failed to mirror %s", what)
	}
	return nil
}

func (r *repoSync) syncIssues(ctx context.Context) error {
	for raw, err := range r.f.Fetch(ctx, r.endpoint("issues"), url.Values{"state": {"all"}}) {
		if err != nil {
			return r.skip(ctx, err, "issues")
		}
		item, h, err := models.NewEntity(models.KindIssue, "", raw)
		if err != nil {
			if err := r.skip(ctx, err, "issue record"); err != nil {
				return err
			}
			continue
		}
		// The issues listing includes pull requests; they are archived
		// under pulls.
		if h.IsPullRequest() {
			continue
		}

		comments := h.CommentsURL
		if comments == "" {
			comments = r.endpoint("issues", item.ID, "comments")
		}
		if err := r.syncThread(ctx, item, h, thread{url: comments, kind: models.KindIssueComment}); err != nil {
			return err
		}
	}
	return nil
}

func (r *repoSync) syncPulls(ctx context.Context) error {
	for raw, err := range r.f.Fetch(ctx, r.endpoint("pulls"), url.Values{"state": {"all"}}) {
		if err != nil {
			return r.skip(ctx, err, "pulls")
		}
		item, h, err := models.NewEntity(models.KindPullRequest, "", raw)
		if err != nil {
			if err := r.skip(ctx, err, "pull request record"); err != nil {
				return err
			}
			continue
		}

		comments := h.CommentsURL
		if comments == "" {
			comments = r.endpoint("issues", item.ID, "comments")
		}
		reviews := h.ReviewCommentsURL
		if reviews == "" {
			reviews = r.endpoint("pulls", item.ID, "comments")
		}
		err = r.syncThread(ctx, item, h,
			thread{url: comments, kind: models.KindPullComment},
			thread{url: reviews, kind: models.KindPullReviewComment},
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// thread is one comment listing of an issue or pull request
type thread struct {
	url  string
	kind models.Kind
}

// syncThread archives the comments of an item and then the item itself. The
// item is only written once every listing completed, so a stored item with
// a current updated_at marks a complete comment set.
func (r *repoSync) syncThread(ctx context.Context, item models.Entity, h models.Header, threads ...thread) error {
	if r.opts.SkipUnchanged && r.unchangedSince(item, h) {
		return r.apply(item)
	}

	// The issue record carries a comment count; zero means nothing to list.
	if h.Comments != nil && *h.Comments == 0 && item.Kind == models.KindIssue {
		threads = nil
	}

	complete := true
	for _, t := range threads {
		ok, err := r.syncComments(ctx, item, t)
		if err != nil {
			return err
		}
		complete = complete && ok
	}
	if !complete {
		r.log.Warnf("Not storing %s until its comments are complete", item)
		return nil
	}
	return r.apply(item)
}

func (r *repoSync) unchangedSince(item models.Entity, h models.Header) bool {
	stored, ok, err := r.planner.StoredHeader(item)
	if err != nil || !ok {
		return false
	}
	listed, previous := h.UpdatedTime(), stored.UpdatedTime()
	return !listed.IsZero() && !previous.IsZero() && !listed.After(previous)
}

// syncComments returns false when the listing could not be completed
func (r *repoSync) syncComments(ctx context.Context, item models.Entity, t thread) (bool, error) {
	for raw, err := range r.f.Fetch(ctx, t.url, nil) {
		if err != nil {
			return false, r.skip(ctx, err, fmt.Sprintf("comments of %s", item))
		}
		comment, _, err := models.NewEntity(t.kind, item.ID, raw)
		if err != nil {
			if err := r.skip(ctx, err, fmt.Sprintf("comment record of %s", item)); err != nil {
				return false, err
			}
			continue
		}
		if err := r.apply(comment); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (r *repoSync) syncLabels(ctx context.Context) error {
	return r.syncFlat(ctx, "labels", models.KindLabel, nil)
}

func (r *repoSync) syncMilestones(ctx context.Context) error {
	return r.syncFlat(ctx, "milestones", models.KindMilestone, url.Values{"state": {"all"}})
}

// syncFlat archives a collection whose records have no children
func (r *repoSync) syncFlat(ctx context.Context, name string, kind models.Kind, params url.Values) error {
	for raw, err := range r.f.Fetch(ctx, r.endpoint(name), params) {
		if err != nil {
			return r.skip(ctx, err, name)
		}
		e, _, err := models.NewEntity(kind, "", raw)
		if err != nil {
			if err := r.skip(ctx, err, kind.String()+" record"); err != nil {
				return err
			}
			continue
		}
		if err := r.apply(e); err != nil {
			return err
		}
	}
	return nil
}

func (r *repoSync) syncReleases(ctx context.Context) error {
	for raw, err := range r.f.Fetch(ctx, r.endpoint("releases"), nil) {
		if err != nil {
			return r.skip(ctx, err, "releases")
		}
		release, h, err := models.NewEntity(models.KindRelease, "", raw)
		if err != nil {
			if err := r.skip(ctx, err, "release record"); err != nil {
				return err
			}
			continue
		}

		// Releases are written after their assets, so a stored release has
		// all of them.
		present, err := r.planner.Present(release)
		if err != nil {
			return err
		}
		if present {
			r.stats.Record(Skipped)
			continue
		}

		complete := true
		for _, asset := range h.Assets {
			ok, err := r.syncAsset(ctx, release, asset)
			if err != nil {
				return err
			}
			complete = complete && ok
		}
		if !complete {
			r.log.Warnf("Not storing %s until its assets are complete", release)
			continue
		}
		if err := r.apply(release); err != nil {
			return err
		}
	}
	return nil
}

// syncAsset returns false when the asset could not be downloaded
func (r *repoSync) syncAsset(ctx context.Context, release models.Entity, asset models.AssetHeader) (bool, error) {
	e := models.NewAsset(release.ID, asset)
	path, need, err := r.planner.NeedsFetch(e)
	if err != nil {
		if store.IsStorageError(err) {
			return false, err
		}
		return false, r.skip(ctx, err, e.String())
	}
	if !need {
		r.stats.Record(Skipped)
		return true, nil
	}

	r.log.WithField("size", asset.Size).Debugf("Downloading %s (%s)", e, asset.Name)
	rc, err := r.f.Download(ctx, r.target.Owner, r.target.Name, asset.ID)
	if err != nil {
		return false, r.skip(ctx, err, e.String())
	}
	defer rc.Close()

	if _, err := r.store.WriteFrom(path, rc); err != nil {
		return false, r.skip(ctx, err, e.String())
	}
	r.stats.Record(Written)
	return true, nil
}
