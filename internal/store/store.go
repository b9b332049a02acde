// Package store maps archived entities onto the filesystem. The directory
// tree is the only record of what has been archived: an entity is present
// exactly when its file exists, and files only ever appear complete.
package store

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"emperror.dev/errors"
	"github.com/google/renameio/v2"

	"github.com/wesm/github-mirror/internal/models"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// Error is a local storage failure. It is fatal for the repository being
// archived, unlike fetch errors which only skip an entity.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store: failed to %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsStorageError reports whether err is a local storage failure
func IsStorageError(err error) bool {
	var storeErr *Error
	return errors.As(err, &storeErr)
}

// Store is rooted at the download directory
type Store struct {
	root string
}

// New creates the root directory if needed and checks that it is writable
func New(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, &Error{Op: "resolve", Path: root, Err: err}
	}
	if err := os.MkdirAll(abs, dirPerm); err != nil {
		return nil, &Error{Op: "create", Path: abs, Err: err}
	}

	probe, err := os.CreateTemp(abs, ".probe-*")
	if err != nil {
		return nil, &Error{Op: "write to", Path: abs, Err: err}
	}
	probe.Close()
	_ = os.Remove(probe.Name())

	return &Store{root: abs}, nil
}

// Root returns the absolute download directory
func (s *Store) Root() string {
	return s.root
}

// RepoDir returns the directory holding everything archived for target
func (s *Store) RepoDir(target models.RepoTarget) string {
	return filepath.Join(s.root, target.Owner, target.Name)
}

// MirrorDir returns the location of the bare git mirror
func (s *Store) MirrorDir(target models.RepoTarget) string {
	return filepath.Join(s.RepoDir(target), "repo")
}

// WikiDir returns the location of the bare wiki mirror
func (s *Store) WikiDir(target models.RepoTarget) string {
	return filepath.Join(s.RepoDir(target), "wiki")
}

// Path maps an entity to its file. The result depends only on the target
// and the entity's identifiers.
func (s *Store) Path(target models.RepoTarget, e models.Entity) (string, error) {
	if err := checkElement(e.ID); err != nil {
		return "", errors.Wrapf(err, "invalid id for %s", e.Kind)
	}
	switch e.Kind {
	case models.KindIssueComment, models.KindPullComment, models.KindPullReviewComment, models.KindReleaseAsset:
		if err := checkElement(e.Parent); err != nil {
			return "", errors.Wrapf(err, "invalid parent for %s", e.Kind)
		}
	}

	dir := s.RepoDir(target)
	var rel string
	switch e.Kind {
	case models.KindRepoInfo:
		rel = "info"
	case models.KindIssue:
		rel = filepath.Join("issues", e.ID, "item")
	case models.KindIssueComment:
		rel = filepath.Join("issues", e.Parent, e.ID)
	case models.KindLabel:
		rel = filepath.Join("issues", "labels", e.ID)
	case models.KindMilestone:
		rel = filepath.Join("issues", "milestones", e.ID)
	case models.KindPullRequest:
		rel = filepath.Join("pulls", e.ID, "item")
	case models.KindPullComment:
		rel = filepath.Join("pulls", e.Parent, e.ID)
	case models.KindPullReviewComment:
		rel = filepath.Join("pulls", e.Parent, "review-"+e.ID)
	case models.KindRelease:
		rel = filepath.Join("releases", e.ID, "item")
	case models.KindReleaseAsset:
		rel = filepath.Join("releases", e.Parent, e.ID+"-"+SanitizeName(e.Name))
	default:
		return "", errors.Errorf("no path for %s", e.Kind)
	}
	return filepath.Join(dir, rel), nil
}

func checkElement(s string) error {
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`) {
		return errors.Errorf("%q is not a single path element", s)
	}
	return nil
}

// MaxNameBytes bounds a sanitized name, leaving room in the 255 byte element
// limit for the ID prefix and the staging file's prefix and suffix.
const MaxNameBytes = 200

// SanitizeName turns an upstream file name into a single path element of at
// most MaxNameBytes bytes, cut on a rune boundary.
func SanitizeName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, name)
	if len(name) > MaxNameBytes {
		n := MaxNameBytes
		for n > 0 && !utf8.RuneStart(name[n]) {
			n--
		}
		name = name[:n]
	}
	if name == "" || name == "." || name == ".." {
		return "asset"
	}
	return name
}

// Exists reports whether a file is present at path
func (s *Store) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, &Error{Op: "stat", Path: path, Err: err}
	}
}

// Read returns the stored content at path. A missing file yields an error
// matching fs.ErrNotExist.
func (s *Store) Read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Op: "read", Path: path, Err: err}
	}
	return data, nil
}

// Write atomically replaces the file at path with data
func (s *Store) Write(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return &Error{Op: "create directory for", Path: path, Err: err}
	}
	if err := renameio.WriteFile(path, data, filePerm); err != nil {
		return &Error{Op: "write", Path: path, Err: err}
	}
	return nil
}

// WriteFrom streams r into path. Nothing appears at path unless the whole
// stream was copied. A read error from r is returned unwrapped so callers
// can tell a failed download from a failed disk.
func (s *Store) WriteFrom(path string, r io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return 0, &Error{Op: "create directory for", Path: path, Err: err}
	}

	t, err := renameio.NewPendingFile(path, renameio.WithPermissions(filePerm))
	if err != nil {
		return 0, &Error{Op: "stage", Path: path, Err: err}
	}
	defer t.Cleanup()

	n, err := io.Copy(t, &sourceReader{r: r})
	if err != nil {
		var srcErr *sourceError
		if errors.As(err, &srcErr) {
			return n, errors.Wrapf(srcErr.err, "failed to read content for %s", path)
		}
		return n, &Error{Op: "write", Path: path, Err: err}
	}

	if err := t.CloseAtomicallyReplace(); err != nil {
		return n, &Error{Op: "commit", Path: path, Err: err}
	}
	return n, nil
}

// sourceReader tags read errors so they are not mistaken for write errors.
type sourceReader struct {
	r io.Reader
}

type sourceError struct {
	err error
}

func (e *sourceError) Error() string { return e.err.Error() }

func (r *sourceReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if err != nil && err != io.EOF {
		return n, &sourceError{err: err}
	}
	return n, err
}
