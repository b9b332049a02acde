package api

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/google/go-github/v57/github"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/wesm/github-mirror/internal/ratelimit"
)

// DefaultTimeout is the HTTP timeout for API requests.
const DefaultTimeout = 30 * time.Second

// Options configures a GitHubClient
type Options struct {
	// Token authenticates every request. Empty means anonymous access.
	Token string
	// BaseURL overrides https://api.github.com/, e.g. for GitHub Enterprise.
	BaseURL string
	// Budget receives the rate limit headers of every response.
	Budget *ratelimit.Budget
	Logger logrus.FieldLogger
	// Transport is the underlying round tripper, http.DefaultTransport if nil.
	Transport http.RoundTripper
}

// GitHubClient represents a client for the GitHub API
type GitHubClient struct {
	client *github.Client
	// assets serves release asset downloads, whose bodies may take longer
	// than DefaultTimeout to stream.
	assets     *github.Client
	budget     *ratelimit.Budget
	log        logrus.FieldLogger
	downloader *http.Client
}

// budgetTransport feeds the headers of every response into the budget, so
// that a single source of truth exists no matter which call made the request.
type budgetTransport struct {
	base   http.RoundTripper
	budget *ratelimit.Budget
}

func (t *budgetTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if resp != nil {
		t.budget.Observe(resp.StatusCode, resp.Header)
	}
	return resp, err
}

// NewGitHubClient creates a new GitHub API client
func NewGitHubClient(opts Options) (*GitHubClient, error) {
	if opts.Budget == nil {
		opts.Budget = ratelimit.New()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	base := opts.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	if opts.Token != "" {
		// Create an authenticated transport if a token is provided
		base = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token}),
			Base:   base,
		}
	}

	transport := &budgetTransport{base: base, budget: opts.Budget}
	client := github.NewClient(&http.Client{Transport: transport, Timeout: DefaultTimeout})
	assets := github.NewClient(&http.Client{Transport: transport})

	if opts.BaseURL != "" {
		u, err := url.Parse(opts.BaseURL)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse API URL %q", opts.BaseURL)
		}
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		client.BaseURL = u
		assets.BaseURL = u
	}

	return &GitHubClient{
		client: client,
		assets: assets,
		budget: opts.Budget,
		log:    opts.Logger,
		// Asset downloads redirect to a storage host that must not see the
		// API token, and can take longer than an API call.
		downloader: &http.Client{Transport: opts.Transport},
	}, nil
}

// Budget returns the rate budget shared by every request of this client
func (c *GitHubClient) Budget() *ratelimit.Budget {
	return c.budget
}

// NewFetcher creates a fetcher that issues requests through this client
func (c *GitHubClient) NewFetcher(policy RetryPolicy) *Fetcher {
	return newFetcher(c, policy)
}

// wrapError converts go-github errors to our error types
func wrapError(err error) error {
	if err == nil {
		return nil
	}

	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		apiErr := &APIError{
			StatusCode: ghErr.Response.StatusCode,
			Message:    ghErr.Message,
			Err:        err,
		}
		if ghErr.Response.Request != nil {
			apiErr.URL = ghErr.Response.Request.URL.String()
		}
		return apiErr
	}

	return err
}
