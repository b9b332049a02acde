// Package gitmirror keeps bare mirrors of remote git repositories up to
// date by driving the git binary.
package gitmirror

import (
	"bytes"
	"context"
	"encoding/base64"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"emperror.dev/errors"
	"github.com/sirupsen/logrus"
)

// PullRefspec makes pull request head and merge commits reachable locally.
const PullRefspec = "+refs/pull/*:refs/pull/*"

// Git mirrors repositories with the git command line tool
type Git struct {
	binary string
	user   string
	token  string
	log    logrus.FieldLogger
}

// New creates a mirrorer authenticating as user with token. An empty token
// means anonymous access.
func New(user, token string, log logrus.FieldLogger) *Git {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Git{binary: "git", user: user, token: token, log: log}
}

// Mirror clones cloneURL into dest as a bare mirror, or updates the mirror
// if dest already holds one, and then fetches the pull request refs.
func (g *Git) Mirror(ctx context.Context, cloneURL, dest string) error {
	log := g.log.WithField("dest", dest)

	if g.isBare(ctx, dest) {
		log.Debug("Updating mirror")
		if err := g.run(ctx, dest, "remote", "update", "--prune"); err != nil {
			return err
		}
	} else {
		log.Debug("Cloning mirror")
		if err := g.clone(ctx, cloneURL, dest); err != nil {
			return err
		}
	}

	return g.run(ctx, dest, "fetch", "--quiet", "origin", PullRefspec)
}

// clone stages the mirror next to dest so an interrupted clone never
// leaves a half-populated dest behind.
func (g *Git) clone(ctx context.Context, cloneURL, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create parent of %s", dest)
	}
	staging := dest + ".partial"
	if err := os.RemoveAll(staging); err != nil {
		return errors.Wrapf(err, "failed to remove stale %s", staging)
	}

	if err := g.run(ctx, "", "clone", "--quiet", "--mirror", cloneURL, staging); err != nil {
		_ = os.RemoveAll(staging)
		return err
	}

	// dest may hold leftovers that are not a repository.
	if err := os.RemoveAll(dest); err != nil {
		return errors.Wrapf(err, "failed to clear %s", dest)
	}
	if err := os.Rename(staging, dest); err != nil {
		return errors.Wrapf(err, "failed to move mirror into %s", dest)
	}
	return nil
}

func (g *Git) isBare(ctx context.Context, dir string) bool {
	if _, err := os.Stat(dir); err != nil {
		return false
	}
	out, err := g.output(ctx, dir, "rev-parse", "--is-bare-repository")
	return err == nil && strings.TrimSpace(out) == "true"
}

func (g *Git) run(ctx context.Context, dir string, args ...string) error {
	_, err := g.output(ctx, dir, args...)
	return err
}

func (g *Git) output(ctx context.Context, dir string, args ...string) (string, error) {
	full := make([]string, 0, len(args)+4)
	if g.token != "" {
		// Passed per invocation so the credential never lands in the
		// mirror's config or in a remote URL.
		cred := base64.StdEncoding.EncodeToString([]byte(g.user + ":" + g.token))
		full = append(full, "-c", "http.extraHeader=Authorization: Basic "+cred)
	}
	if dir != "" {
		full = append(full, "-C", dir)
	}
	full = append(full, args...)

	cmd := exec.CommandContext(ctx, g.binary, full...)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", errors.Wrapf(err, "git %s failed: %s", args[0], strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
