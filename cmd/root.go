package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"emperror.dev/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/wesm/github-mirror/config"
	"github.com/wesm/github-mirror/internal/api"
	"github.com/wesm/github-mirror/internal/db"
	"github.com/wesm/github-mirror/internal/gitmirror"
	"github.com/wesm/github-mirror/internal/models"
	"github.com/wesm/github-mirror/internal/ratelimit"
	"github.com/wesm/github-mirror/internal/store"
	"github.com/wesm/github-mirror/internal/sync"
)

// Exit codes
const (
	exitOK     = 0
	exitFailed = 1
	exitSetup  = 2
)

// exitError carries the process exit code of a failed command
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func setupError(err error) error { return &exitError{code: exitSetup, err: err} }
func syncFailed(err error) error { return &exitError{code: exitFailed, err: err} }

// rootOptions holds the command line flags
type rootOptions struct {
	configPath    string
	logLevel      string
	dlDir         string
	workers       int
	skipUnchanged bool
	collections   []string
	journal       string
	apiURL        string
	maxRPS        float64
}

// run executes the command line and returns the process exit code
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCommand(stdout)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}

	fmt.Fprintf(stderr, "Error: %v\n", err)
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	// Argument and flag parsing errors.
	return exitSetup
}

func newRootCommand(stdout io.Writer) *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "ghmirror [flags] TOKENUSER TOKEN OWNER [REPO]",
		Short: "Mirror GitHub repositories and their metadata to disk",
		Long: `Archive the git history, wiki, issues, pull requests, labels, milestones,
releases and release assets of a GitHub repository, or of every repository
of OWNER when REPO is omitted. Runs are incremental: what is already on disk
is not fetched again.

OWNER may also be given as owner/name. A TOKEN of "-" reads the token from
the ` + config.EnvGithubToken + ` environment variable, a TOKENUSER of "-" reads
token_user from the config file.`,
		Args:          cobra.RangeArgs(3, 4),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMirror(cmd, opts, args, stdout)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to a YAML configuration file")
	flags.StringVarP(&opts.logLevel, "loglevel", "l", "info", "log level ("+strings.Join(config.LogLevels, ", ")+")")
	flags.StringVarP(&opts.dlDir, "dl-dir", "d", ".", "root directory of the archive")
	flags.IntVar(&opts.workers, "workers", 1, fmt.Sprintf("repositories synced in parallel in owner mode (max %d)", sync.MaxWorkers))
	flags.BoolVar(&opts.skipUnchanged, "skip-unchanged", false, "skip the comments of issues and pull requests whose updated_at did not change")
	flags.StringSliceVar(&opts.collections, "collections", nil, "collections to mirror (default all: "+allCollections()+")")
	flags.StringVar(&opts.journal, "journal", "", `run journal database (default <dl-dir>/`+config.DefaultJournalName+`, "" disables it)`)
	flags.StringVar(&opts.apiURL, "api-url", "", "GitHub API base URL (default https://api.github.com/)")
	flags.Float64Var(&opts.maxRPS, "max-rps", 0, "maximum requests per second (0 for no pacing)")

	return cmd
}

func allCollections() string {
	names := make([]string, len(sync.AllCollections))
	for i, c := range sync.AllCollections {
		names[i] = string(c)
	}
	return strings.Join(names, ", ")
}

// loadConfig reads the configuration file, if any, and overlays the flags
// that were set explicitly.
func loadConfig(cmd *cobra.Command, opts *rootOptions) (*config.Config, error) {
	var cfg *config.Config
	if opts.configPath != "" {
		loaded, err := config.LoadConfig(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	flags := cmd.Flags()
	if flags.Changed("loglevel") {
		cfg.LogLevel = opts.logLevel
	}
	if flags.Changed("dl-dir") {
		cfg.DownloadDir = opts.dlDir
	}
	if flags.Changed("workers") {
		cfg.Sync.Workers = opts.workers
	}
	if flags.Changed("skip-unchanged") {
		cfg.Sync.SkipUnchanged = opts.skipUnchanged
	}
	if flags.Changed("collections") {
		cfg.Sync.Collections = opts.collections
	}
	if flags.Changed("journal") {
		cfg.Journal = opts.journal
		cfg.NoJournal = opts.journal == ""
	}
	if flags.Changed("api-url") {
		cfg.API.URL = opts.apiURL
	}
	if flags.Changed("max-rps") {
		cfg.API.MaxRPS = opts.maxRPS
	}

	return cfg, cfg.Validate()
}

// newLogger builds the root logger. critical and warning are accepted as
// aliases of logrus' fatal and warn.
func newLogger(level string, out io.Writer) (*logrus.Logger, error) {
	name := strings.ToLower(level)
	switch name {
	case "critical":
		name = "fatal"
	case "warning":
		name = "warn"
	}
	lvl, err := logrus.ParseLevel(name)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid log level %q", level)
	}

	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(lvl)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return logger, nil
}

func runMirror(cmd *cobra.Command, opts *rootOptions, args []string, stdout io.Writer) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return setupError(err)
	}

	tokenUser, token, owner := args[0], args[1], args[2]
	if tokenUser == "-" {
		tokenUser = cfg.TokenUser
		if tokenUser == "" {
			return setupError(errors.New("TOKENUSER is - but token_user is not set in the config file"))
		}
	}
	if token == "-" {
		token = cfg.Token
		if token == "" {
			return setupError(errors.Errorf("TOKEN is - but %s is not set", config.EnvGithubToken))
		}
	}

	var target *models.RepoTarget
	switch {
	case len(args) == 4:
		target = &models.RepoTarget{Owner: owner, Name: args[3]}
	case strings.Contains(owner, "/"):
		t, err := models.ParseRepositoryString(owner)
		if err != nil {
			return setupError(err)
		}
		target = &t
	}

	log, err := newLogger(cfg.LogLevel, stdout)
	if err != nil {
		return setupError(err)
	}

	collections, err := sync.ParseCollections(cfg.Sync.Collections)
	if err != nil {
		return setupError(err)
	}

	st, err := store.New(cfg.DownloadDir)
	if err != nil {
		return setupError(err)
	}

	budget := ratelimit.New(ratelimit.WithLogger(log), ratelimit.WithPacing(cfg.API.MaxRPS))
	client, err := api.NewGitHubClient(api.Options{
		Token:   token,
		BaseURL: cfg.API.URL,
		Budget:  budget,
		Logger:  log,
	})
	if err != nil {
		return setupError(err)
	}

	fetcher := client.NewFetcher(api.RetryPolicy{
		MaxAttempts: cfg.API.Retry.MaxAttempts,
		Initial:     cfg.API.Retry.InitialBackoff,
		Max:         cfg.API.Retry.MaxBackoff,
	})

	login, err := fetcher.ValidateCredentials(ctx)
	if err != nil {
		return setupError(errors.Wrap(err, "failed to authenticate"))
	}
	log.Infof("Authenticated as %s", login)

	var journal sync.Journal
	if path := cfg.JournalPath(); path != "" {
		database, err := db.New(path)
		if err != nil {
			return setupError(err)
		}
		defer database.Close()

		if err := database.Initialize(); err != nil {
			return setupError(errors.Wrap(err, "failed to initialize journal"))
		}
		journal = database
	}

	syncer := sync.New(fetcher, st, gitmirror.New(tokenUser, token, log), journal, log, sync.Options{
		Collections:   collections,
		SkipUnchanged: cfg.Sync.SkipUnchanged,
		Workers:       cfg.Sync.Workers,
	})

	log.Infof("Archiving into %s (collections: %s)", st.Root(), collections)
	startTime := time.Now()
	defer func() {
		log.Infof("Sync completed in %v (%d requests)", time.Since(startTime).Round(time.Millisecond), budget.Requests())
	}()

	if target != nil {
		if _, err := syncer.SyncRepository(ctx, *target); err != nil {
			return syncFailed(errors.Wrapf(err, "failed to sync %s", target.FullName()))
		}
		return nil
	}

	results, err := syncer.SyncOwner(ctx, owner, login)
	if err != nil {
		return syncFailed(errors.Wrapf(err, "failed to list repositories of %s", owner))
	}

	var failed []string
	for _, res := range results {
		if res.Err != nil {
			failed = append(failed, res.Target.FullName())
		}
	}
	if len(failed) > 0 {
		return syncFailed(errors.Errorf("failed to sync %d of %d repositories: %s",
			len(failed), len(results), strings.Join(failed, ", ")))
	}
	return nil
}
