package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/suite"

	"github.com/wesm/github-mirror/internal/ratelimit"
	"github.com/wesm/github-mirror/internal/testutil"
)

// go-github checks its own cached rate state against the wall clock, so the
// fake clock runs well in the past to keep that check out of the way.
var testEpoch = time.Unix(1_000_000_000, 0)

type FetcherSuite struct {
	suite.Suite

	mux    *http.ServeMux
	srv    *httptest.Server
	clock  *testutil.FakeClock
	budget *ratelimit.Budget
	client *GitHubClient
	f      *Fetcher
	hits   atomic.Int64
}

func TestFetcherSuite(t *testing.T) {
	suite.Run(t, new(FetcherSuite))
}

func (s *FetcherSuite) SetupTest() {
	s.hits.Store(0)
	s.mux = http.NewServeMux()
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		s.mux.ServeHTTP(w, r)
	}))

	logger, _ := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	s.clock = testutil.NewFakeClock(testEpoch)
	s.budget = ratelimit.New(ratelimit.WithClock(s.clock), ratelimit.WithLogger(logger))

	var err error
	s.client, err = NewGitHubClient(Options{
		Token:   "test-token",
		BaseURL: s.srv.URL,
		Budget:  s.budget,
		Logger:  logger,
	})
	s.Require().NoError(err)
	s.f = s.client.NewFetcher(RetryPolicy{MaxAttempts: 3, Initial: time.Millisecond, Max: 5 * time.Millisecond})
}

func (s *FetcherSuite) TearDownTest() {
	s.srv.Close()
}

func (s *FetcherSuite) rateHeaders(w http.ResponseWriter, remaining int, reset time.Time) {
	w.Header().Set(ratelimit.HeaderRateLimit, "5000")
	w.Header().Set(ratelimit.HeaderRateRemaining, strconv.Itoa(remaining))
	w.Header().Set(ratelimit.HeaderRateReset, strconv.FormatInt(reset.Unix(), 10))
}

// servePages serves items split into pages of size per, linked by absolute
// next URLs the way the API does.
func (s *FetcherSuite) servePages(path string, total, per int) {
	s.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page == 0 {
			page = 1
		}
		start := (page - 1) * per
		end := min(start+per, total)

		items := make([]map[string]int, 0, per)
		for i := start; i < end; i++ {
			items = append(items, map[string]int{"id": i + 1})
		}
		if end < total {
			next := fmt.Sprintf("%s%s?page=%d&per_page=%d", s.srv.URL, path, page+1, per)
			w.Header().Set("Link", fmt.Sprintf(`<%s>; rel="next", <%s>; rel="last"`, next, next))
		}
		s.rateHeaders(w, 4000, testEpoch.Add(time.Hour))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(items)
	})
}

func ids(s *FetcherSuite, pages Pages) []int {
	var out []int
	for raw, err := range pages {
		s.Require().NoError(err)
		var v struct{ ID int }
		s.Require().NoError(json.Unmarshal(raw, &v))
		out = append(out, v.ID)
	}
	return out
}

func (s *FetcherSuite) TestFetch_AllPagesInOrder() {
	s.servePages("/repos/o/r/issues", 5, 2)

	got := ids(s, s.f.Fetch(context.Background(), "repos/o/r/issues", url.Values{"per_page": {"2"}}))

	s.Equal([]int{1, 2, 3, 4, 5}, got)
	s.Equal(int64(3), s.hits.Load())
	s.Equal(int64(3), s.f.Requests())
}

func (s *FetcherSuite) TestFetch_AddsDefaultPageSizeAndParams() {
	var query url.Values
	s.mux.HandleFunc("/repos/o/r/pulls", func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		s.Equal("Bearer test-token", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `[]`)
	})

	got := ids(s, s.f.Fetch(context.Background(), "repos/o/r/pulls", url.Values{"state": {"all"}}))

	s.Empty(got)
	s.Equal("100", query.Get("per_page"))
	s.Equal("all", query.Get("state"))
}

func (s *FetcherSuite) TestFetch_EarlyStopIssuesNoFurtherRequests() {
	s.servePages("/repos/o/r/labels", 10, 2)

	for range s.f.Fetch(context.Background(), "repos/o/r/labels", url.Values{"per_page": {"2"}}) {
		break
	}

	s.Equal(int64(1), s.hits.Load())
}

func (s *FetcherSuite) TestFetch_IsSinglePass() {
	s.servePages("/repos/o/r/milestones", 1, 2)
	pages := s.f.Fetch(context.Background(), "repos/o/r/milestones", nil)

	s.Equal([]int{1}, ids(s, pages))

	var errs []error
	for _, err := range pages {
		errs = append(errs, err)
	}
	s.Require().Len(errs, 1)
	s.ErrorIs(errs[0], ErrSequenceConsumed)
	s.Equal(int64(1), s.hits.Load())
}

func (s *FetcherSuite) TestFetch_LazyUntilRanged() {
	s.servePages("/repos/o/r/releases", 3, 2)

	_ = s.f.Fetch(context.Background(), "repos/o/r/releases", nil)

	s.Equal(int64(0), s.hits.Load())
}

func (s *FetcherSuite) TestFetch_RetriesServerErrors() {
	var calls atomic.Int64
	s.mux.HandleFunc("/repos/o/r/issues", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = io.WriteString(w, `{"message":"bad gateway"}`)
			return
		}
		_, _ = io.WriteString(w, `[{"id": 9}]`)
	})

	got := ids(s, s.f.Fetch(context.Background(), "repos/o/r/issues", nil))

	s.Equal([]int{9}, got)
	s.Equal(int64(3), calls.Load())
}

func (s *FetcherSuite) TestFetch_GivesUpAfterMaxAttempts() {
	s.mux.HandleFunc("/repos/o/r/issues", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"message":"boom"}`)
	})

	var last error
	for _, err := range s.f.Fetch(context.Background(), "repos/o/r/issues", nil) {
		last = err
	}

	s.Require().Error(last)
	s.False(IsClientError(last))
	s.Equal(500, statusOf(last))
	s.Equal(int64(3), s.hits.Load())
}

func (s *FetcherSuite) TestGet_NotFoundIsNotRetried() {
	s.mux.HandleFunc("/repos/o/gone", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"message":"Not Found"}`)
	})

	_, err := s.f.Get(context.Background(), "repos/o/gone")

	s.Require().Error(err)
	s.True(IsNotFound(err))
	s.True(IsClientError(err))
	s.Equal(int64(1), s.hits.Load())
}

func (s *FetcherSuite) TestGet_ForbiddenAndGone() {
	s.mux.HandleFunc("/repos/o/private", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"message":"Resource not accessible"}`)
	})
	s.mux.HandleFunc("/repos/o/disabled", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
		_, _ = io.WriteString(w, `{"message":"Issues are disabled"}`)
	})

	_, err := s.f.Get(context.Background(), "repos/o/private")
	s.True(IsForbidden(err))

	_, err = s.f.Get(context.Background(), "repos/o/disabled")
	s.True(IsGone(err))
}

func (s *FetcherSuite) TestFetch_WaitsOutPrimaryRateLimit() {
	reset := testEpoch.Add(100 * time.Second)
	var calls atomic.Int64
	s.mux.HandleFunc("/repos/o/r/issues", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			s.rateHeaders(w, 0, reset)
			w.WriteHeader(http.StatusForbidden)
			_, _ = io.WriteString(w, `{"message":"API rate limit exceeded"}`)
			return
		}
		s.rateHeaders(w, 4999, reset.Add(time.Hour))
		_, _ = io.WriteString(w, `[{"id": 1}]`)
	})

	got := ids(s, s.f.Fetch(context.Background(), "repos/o/r/issues", nil))

	s.Equal([]int{1}, got)
	s.Equal([]time.Duration{100*time.Second + ratelimit.ResetSlack}, s.clock.Sleeps())
	s.False(s.clock.Now().Before(reset))
	s.Equal(int64(2), calls.Load())
}

func (s *FetcherSuite) TestFetch_WaitsOutSecondaryRateLimit() {
	var calls atomic.Int64
	s.mux.HandleFunc("/repos/o/r/issues", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, `{"message":"slow down"}`)
			return
		}
		_, _ = io.WriteString(w, `[{"id": 1}]`)
	})

	got := ids(s, s.f.Fetch(context.Background(), "repos/o/r/issues", nil))

	s.Equal([]int{1}, got)
	s.Equal([]time.Duration{7 * time.Second}, s.clock.Sleeps())
}

func (s *FetcherSuite) TestFetch_StopsOnCancel() {
	s.servePages("/repos/o/r/issues", 4, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var errs []error
	n := 0
	for _, err := range s.f.Fetch(ctx, "repos/o/r/issues", url.Values{"per_page": {"2"}}) {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		n++
		if n == 2 {
			cancel()
		}
	}

	s.Equal(2, n)
	s.Require().Len(errs, 1)
	s.ErrorIs(errs[0], context.Canceled)
	s.Equal(int64(1), s.hits.Load())
}

func (s *FetcherSuite) TestSession_CountsSeparately() {
	s.servePages("/repos/o/r/labels", 1, 1)
	s.mux.HandleFunc("/repos/o/r", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"id": 1, "name": "r"}`)
	})

	sess := s.f.Session(nil)
	raw, err := sess.Get(context.Background(), "repos/o/r")
	s.Require().NoError(err)
	s.JSONEq(`{"id": 1, "name": "r"}`, string(raw))
	_ = ids(s, sess.Fetch(context.Background(), "repos/o/r/labels", nil))

	s.Equal(int64(2), sess.Requests())
	s.Equal(int64(0), s.f.Requests())
	s.Equal(int64(2), s.budget.Requests())
}

func (s *FetcherSuite) TestDownload_Direct() {
	s.mux.HandleFunc("/repos/o/r/releases/assets/5", func(w http.ResponseWriter, r *http.Request) {
		s.Equal("application/octet-stream", r.Header.Get("Accept"))
		_, _ = io.WriteString(w, "binary-content")
	})

	rc, err := s.f.Download(context.Background(), "o", "r", 5)
	s.Require().NoError(err)
	defer rc.Close()

	body, err := io.ReadAll(rc)
	s.Require().NoError(err)
	s.Equal("binary-content", string(body))
}

func (s *FetcherSuite) TestDownload_FollowsRedirectWithoutToken() {
	s.mux.HandleFunc("/repos/o/r/releases/assets/6", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, s.srv.URL+"/storage/blob-6", http.StatusFound)
	})
	s.mux.HandleFunc("/storage/blob-6", func(w http.ResponseWriter, r *http.Request) {
		s.Empty(r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, "from-storage")
	})

	rc, err := s.f.Download(context.Background(), "o", "r", 6)
	s.Require().NoError(err)
	defer rc.Close()

	body, err := io.ReadAll(rc)
	s.Require().NoError(err)
	s.Equal("from-storage", string(body))
}

func (s *FetcherSuite) TestDownload_NotBoundByAPITimeout() {
	s.Equal(DefaultTimeout, s.client.client.Client().Timeout)
	s.Zero(s.client.assets.Client().Timeout)
	s.Zero(s.client.downloader.Timeout)
	s.Equal(s.client.client.BaseURL.String(), s.client.assets.BaseURL.String())
}

func (s *FetcherSuite) TestDownload_NotFound() {
	_, err := s.f.Download(context.Background(), "o", "r", 404)

	s.True(IsNotFound(err))
}

func (s *FetcherSuite) TestValidateCredentials() {
	s.mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		s.Equal("Bearer test-token", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"login": "octocat", "id": 1}`)
	})

	login, err := s.f.ValidateCredentials(context.Background())

	s.Require().NoError(err)
	s.Equal("octocat", login)
}

func (s *FetcherSuite) TestValidateCredentials_Rejected() {
	s.mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"message":"Bad credentials"}`)
	})

	_, err := s.f.ValidateCredentials(context.Background())

	s.ErrorIs(err, ErrUnauthorized)
	s.True(IsUnauthorized(err))
	s.Equal(int64(1), s.hits.Load())
}

func (s *FetcherSuite) TestValidateCredentials_WaitsOutRateLimit() {
	reset := testEpoch.Add(30 * time.Second)
	var calls atomic.Int64
	s.mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			s.rateHeaders(w, 0, reset)
			w.WriteHeader(http.StatusForbidden)
			_, _ = io.WriteString(w, `{"message":"API rate limit exceeded"}`)
			return
		}
		s.rateHeaders(w, 4999, reset.Add(time.Hour))
		_, _ = io.WriteString(w, `{"login": "octocat"}`)
	})

	login, err := s.f.ValidateCredentials(context.Background())

	s.Require().NoError(err)
	s.Equal("octocat", login)
	s.Equal([]time.Duration{30*time.Second + ratelimit.ResetSlack}, s.clock.Sleeps())
	s.Equal(int64(2), calls.Load())
}

func (s *FetcherSuite) TestValidateCredentials_RetriesServerErrors() {
	var calls atomic.Int64
	s.mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = io.WriteString(w, `{"message":"Server Error"}`)
			return
		}
		_, _ = io.WriteString(w, `{"login": "octocat"}`)
	})

	login, err := s.f.ValidateCredentials(context.Background())

	s.Require().NoError(err)
	s.Equal("octocat", login)
	s.Equal(int64(2), calls.Load())
}

func (s *FetcherSuite) TestTransportFeedsBudget() {
	s.servePages("/repos/o/r/labels", 1, 1)

	_ = ids(s, s.f.Fetch(context.Background(), "repos/o/r/labels", nil))

	state := s.budget.Snapshot()
	s.True(state.Known)
	s.Equal(4000, state.Remaining)
	s.Equal(5000, state.Limit)
}
