package api

import (
	"context"
	"encoding/json"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"emperror.dev/errors"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-github/v57/github"
	"github.com/sirupsen/logrus"
)

// RetryPolicy bounds the retries of a single request.
type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
}

// DefaultRetryPolicy returns the policy used unless configured otherwise
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		Initial:     time.Second,
		Max:         30 * time.Second,
	}
}

// Pages is a lazy, single-pass sequence of the records of a paginated
// listing. A non-nil error is always the last element.
type Pages = iter.Seq2[json.RawMessage, error]

// Fetcher issues GET requests against the API, consulting the rate budget
// before every request.
type Fetcher struct {
	gh       *GitHubClient
	log      logrus.FieldLogger
	policy   RetryPolicy
	requests *atomic.Int64
}

func newFetcher(gh *GitHubClient, policy RetryPolicy) *Fetcher {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Fetcher{
		gh:       gh,
		log:      gh.log,
		policy:   policy,
		requests: new(atomic.Int64),
	}
}

// Session returns a fetcher sharing the client and budget but counting its
// requests separately.
func (f *Fetcher) Session(log logrus.FieldLogger) *Fetcher {
	s := *f
	s.requests = new(atomic.Int64)
	if log != nil {
		s.log = log
	}
	return &s
}

// Requests returns the number of requests issued through this fetcher
func (f *Fetcher) Requests() int64 {
	return f.requests.Load()
}

// Get fetches a single object
func (f *Fetcher) Get(ctx context.Context, endpoint string) (json.RawMessage, error) {
	var out json.RawMessage
	if _, err := f.get(ctx, endpoint, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ValidateCredentials checks the token and returns the login it belongs to.
// Throttling and transient failures are waited out like for any other
// request; only a rejected token is reported as ErrUnauthorized.
func (f *Fetcher) ValidateCredentials(ctx context.Context) (string, error) {
	var user github.User
	if _, err := f.get(ctx, "user", &user); err != nil {
		if IsUnauthorized(err) {
			return "", errors.Wrapf(ErrUnauthorized, "token rejected: %s", err)
		}
		return "", errors.Wrap(err, "failed to validate credentials")
	}
	return user.GetLogin(), nil
}

// Fetch lists a paginated collection. Each page is requested only when the
// consumer has used up the previous one, so breaking out of the range loop
// stops further requests.
func (f *Fetcher) Fetch(ctx context.Context, endpoint string, params url.Values) Pages {
	var used atomic.Bool
	return func(yield func(json.RawMessage, error) bool) {
		if !used.CompareAndSwap(false, true) {
			yield(nil, ErrSequenceConsumed)
			return
		}

		next := firstPageURL(endpoint, params)
		for page := 1; next != ""; page++ {
			var items []json.RawMessage
			resp, err := f.get(ctx, next, &items)
			if err != nil {
				yield(nil, err)
				return
			}

			f.log.WithFields(logrus.Fields{
				"endpoint": endpoint,
				"page":     page,
				"items":    len(items),
			}).Debug("Fetched page")

			for _, item := range items {
				if !yield(item, nil) {
					return
				}
			}
			next = ParseNextLink(resp.Header.Get("Link"))
		}
	}
}

// Download streams the binary content of a release asset. The caller must
// close the returned reader.
func (f *Fetcher) Download(ctx context.Context, owner, repo string, id int64) (io.ReadCloser, error) {
	var rc io.ReadCloser
	target := "release asset " + owner + "/" + repo + "/" + strconv.FormatInt(id, 10)
	err := f.attempt(ctx, target, func() error {
		var err error
		rc, _, err = f.gh.assets.Repositories.DownloadReleaseAsset(ctx, owner, repo, id, f.gh.downloader)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func (f *Fetcher) get(ctx context.Context, u string, v any) (*github.Response, error) {
	var resp *github.Response
	err := f.attempt(ctx, u, func() error {
		req, err := f.gh.client.NewRequest(http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(errors.Wrapf(err, "failed to build request for %s", u))
		}
		resp, err = f.gh.client.Do(ctx, req, v)
		return err
	})
	return resp, err
}

// attempt runs call with the budget consulted before every try. Rate limit
// signals are absorbed by the budget and retried without using up an
// attempt; transient failures are retried with exponential backoff; client
// errors are returned at once.
func (f *Fetcher) attempt(ctx context.Context, target string, call func() error) error {
	op := func() error {
		for {
			if err := f.gh.budget.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
			f.requests.Add(1)

			err := call()
			if err == nil {
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return backoff.Permanent(ctxErr)
			}
			if f.absorbRateLimit(err) {
				continue
			}

			var perm *backoff.PermanentError
			if errors.As(err, &perm) {
				return err
			}

			err = wrapError(err)
			if IsClientError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = f.policy.Initial
	eb.MaxInterval = f.policy.Max
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(f.policy.MaxAttempts-1)), ctx)

	notify := func(err error, wait time.Duration) {
		f.log.WithError(err).WithField("target", target).
			Warnf("Request failed, retrying in %s", wait.Round(time.Millisecond))
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return errors.Wrapf(err, "failed to fetch %s", target)
	}
	return nil
}

// absorbRateLimit reports whether err is a rate limit signal, making sure
// the budget blocks the next request accordingly.
func (f *Fetcher) absorbRateLimit(err error) bool {
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		f.gh.budget.Deplete(rateErr.Rate.Reset.Time)
		return true
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		var wait time.Duration
		if abuseErr.RetryAfter != nil {
			wait = *abuseErr.RetryAfter
		}
		f.gh.budget.Throttle(wait)
		return true
	}

	// The transport already blocked the budget from the response headers.
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil &&
		ghErr.Response.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return false
}
