package sync

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/sirupsen/logrus"

	"github.com/wesm/github-mirror/internal/api"
	"github.com/wesm/github-mirror/internal/models"
	"github.com/wesm/github-mirror/internal/store"
)

// MaxWorkers caps concurrent repositories in owner mode. All workers share
// one rate budget, so more of them mostly means more waiting.
const MaxWorkers = 10

// Options tunes a Syncer
type Options struct {
	Collections Collections
	// SkipUnchanged skips the comment listings of an issue or pull request
	// whose stored copy has the same updated_at as the listed one.
	SkipUnchanged bool
	Workers       int
}

// Stats counts what one repository run did
type Stats struct {
	Requests  int64
	Written   int
	Unchanged int
	Skipped   int
	Failed    int
}

// Record counts an entity outcome
func (s *Stats) Record(o Outcome) {
	switch o {
	case Written:
		s.Written++
	case Unchanged:
		s.Unchanged++
	case Skipped:
		s.Skipped++
	}
}

func (s Stats) String() string {
	return fmt.Sprintf("%d written, %d unchanged, %d skipped, %d failed, %d requests",
		s.Written, s.Unchanged, s.Skipped, s.Failed, s.Requests)
}

// Result is the outcome of one repository in owner mode
type Result struct {
	Target models.RepoTarget
	Stats  Stats
	Err    error
}

// Syncer archives GitHub repositories into the local store
type Syncer struct {
	fetcher *api.Fetcher
	store   *store.Store
	git     Mirrorer
	journal Journal
	log     logrus.FieldLogger
	opts    Options
	// Default number of workers for owner mode
	workers int
}

// New creates a new syncer. journal may be nil.
func New(fetcher *api.Fetcher, st *store.Store, git Mirrorer, journal Journal, log logrus.FieldLogger, opts Options) *Syncer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Syncer{
		fetcher: fetcher,
		store:   st,
		git:     git,
		journal: journal,
		log:     log,
		opts:    opts,
	}
	s.SetWorkers(opts.Workers)
	return s
}

// SetWorkers sets the number of repositories processed in parallel
func (s *Syncer) SetWorkers(workers int) {
	if workers < 1 {
		workers = 1
	}
	if workers > MaxWorkers {
		workers = MaxWorkers
	}
	s.workers = workers
}

// SyncRepository archives one repository. Fetch failures of single entities
// are logged and counted; the returned error means the repository as a
// whole could not be archived (its info could not be fetched, the store
// failed, or ctx was cancelled).
func (s *Syncer) SyncRepository(ctx context.Context, target models.RepoTarget) (Stats, error) {
	fullName := target.FullName()
	log := s.log.WithField("repo", fullName)

	r := &repoSync{
		Syncer:  s,
		target:  target,
		f:       s.fetcher.Session(log),
		log:     log,
		planner: NewPlanner(s.store, target),
	}

	run := s.beginRun(ctx, fullName, log)
	err := r.run(ctx)
	r.stats.Requests = r.f.Requests()
	s.finishRun(ctx, run, r.stats, err, log)

	if err != nil {
		log.WithError(err).Errorf("Failed to sync repository %s (%s)", fullName, r.stats)
		return r.stats, err
	}
	if r.stats.Failed > 0 {
		log.Warnf("Synced repository %s with %d skipped failures (%s)", fullName, r.stats.Failed, r.stats)
	} else {
		log.Infof("Successfully synced repository %s (%s)", fullName, r.stats)
	}
	return r.stats, nil
}

func (s *Syncer) beginRun(ctx context.Context, fullName string, log logrus.FieldLogger) *models.SyncRun {
	if s.journal == nil {
		log.Infof("Syncing repository %s", fullName)
		return nil
	}

	last, err := s.journal.LastRun(ctx, fullName)
	switch {
	case err != nil:
		log.WithError(err).Warn("Failed to read run journal")
	case last == nil:
		log.Infof("Syncing repository %s (first run)", fullName)
	default:
		log.Infof("Syncing repository %s (last sync: %s, %s)", fullName,
			last.StartedAt.Local().Format(time.RFC3339), last.Status)
	}

	run, err := s.journal.BeginRun(ctx, fullName)
	if err != nil {
		log.WithError(err).Warn("Failed to record run start")
		return nil
	}
	return run
}

func (s *Syncer) finishRun(ctx context.Context, run *models.SyncRun, stats Stats, runErr error, log logrus.FieldLogger) {
	if s.journal == nil || run == nil {
		return
	}

	run.Requests = stats.Requests
	run.Written = stats.Written
	run.Unchanged = stats.Unchanged
	run.Skipped = stats.Skipped
	run.Failed = stats.Failed
	switch {
	case runErr != nil:
		run.Status = models.RunFailed
		run.Error = runErr.Error()
	case stats.Failed > 0:
		run.Status = models.RunPartial
	default:
		run.Status = models.RunOK
	}

	// The run may have ended because ctx was cancelled; still record it.
	if err := s.journal.FinishRun(context.WithoutCancel(ctx), run); err != nil {
		log.WithError(err).Warn("Failed to record run result")
	}
}

// ListOwnerRepos enumerates the repositories of owner. login is the
// authenticated identity: its own repositories are listed through the
// endpoint that includes private ones.
func (s *Syncer) ListOwnerRepos(ctx context.Context, owner, login string) ([]models.RepoTarget, error) {
	var endpoint string
	params := url.Values{}

	if strings.EqualFold(owner, login) {
		endpoint = "user/repos"
		params.Set("affiliation", "owner")
		params.Set("visibility", "all")
	} else {
		raw, err := s.fetcher.Get(ctx, "users/"+url.PathEscape(owner))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to look up owner %s", owner)
		}
		h, err := models.DecodeHeader(raw)
		if err != nil {
			return nil, err
		}
		if h.Type == "Organization" {
			endpoint = "orgs/" + url.PathEscape(owner) + "/repos"
			params.Set("type", "all")
		} else {
			endpoint = "users/" + url.PathEscape(owner) + "/repos"
			params.Set("type", "owner")
		}
	}

	var targets []models.RepoTarget
	for raw, err := range s.fetcher.Fetch(ctx, endpoint, params) {
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list repositories of %s", owner)
		}
		h, err := models.DecodeHeader(raw)
		if err != nil {
			return nil, err
		}
		if h.Name == "" {
			continue
		}
		repoOwner := h.OwnerLogin()
		if repoOwner == "" {
			repoOwner = owner
		}
		targets = append(targets, models.RepoTarget{Owner: repoOwner, Name: h.Name})
	}
	return targets, nil
}

// SyncOwner archives every repository of owner. A failing repository is
// logged and does not stop the others; the returned error only reports a
// failure to enumerate the repositories.
func (s *Syncer) SyncOwner(ctx context.Context, owner, login string) ([]Result, error) {
	targets, err := s.ListOwnerRepos(ctx, owner, login)
	if err != nil {
		return nil, err
	}

	total := len(targets)
	s.log.Infof("Found %d repositories for %s", total, owner)
	if total == 0 {
		return nil, nil
	}

	workers := min(s.workers, total)
	s.log.Infof("Processing repositories with %d parallel workers", workers)

	// Create a channel to send repositories to workers
	targetsChan := make(chan int, total)
	results := make([]Result, total)

	var wg sync.WaitGroup

	// Create a mutex for thread-safe progress tracking
	var progressMutex sync.Mutex
	processed := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for idx := range targetsChan {
				target := targets[idx]
				results[idx].Target = target

				// Check if context was cancelled
				if err := ctx.Err(); err != nil {
					results[idx].Err = err
					continue
				}

				results[idx].Stats, results[idx].Err = s.SyncRepository(ctx, target)

				progressMutex.Lock()
				processed++
				s.log.Infof("Progress: %d/%d repositories (%.1f%%)",
					processed, total, float64(processed)/float64(total)*100.0)
				progressMutex.Unlock()
			}
		}()
	}

	for i := range targets {
		targetsChan <- i
	}
	close(targetsChan)

	// Wait for all workers to finish
	wg.Wait()

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		s.log.Warnf("Completed with %d of %d repositories failed", failed, total)
	}
	return results, nil
}
