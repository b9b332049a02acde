package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"emperror.dev/errors"
)

// RepoTarget identifies a repository to archive
type RepoTarget struct {
	Owner string
	Name  string
}

// FullName returns the "owner/name" form of the target
func (t RepoTarget) FullName() string {
	return t.Owner + "/" + t.Name
}

func (t RepoTarget) String() string {
	return t.FullName()
}

// ParseRepositoryString parses a repository string in the format "owner/name"
func ParseRepositoryString(repoStr string) (RepoTarget, error) {
	parts := strings.Split(repoStr, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return RepoTarget{}, errors.Errorf("invalid repository format, expected 'owner/name', got '%s'", repoStr)
	}
	return RepoTarget{Owner: parts[0], Name: parts[1]}, nil
}

// Kind tags the variant of an archived entity
type Kind int

const (
	KindRepoInfo Kind = iota
	KindIssue
	KindIssueComment
	KindPullRequest
	KindPullComment
	KindPullReviewComment
	KindLabel
	KindMilestone
	KindRelease
	KindReleaseAsset
)

var kindNames = map[Kind]string{
	KindRepoInfo:          "info",
	KindIssue:             "issue",
	KindIssueComment:      "issue comment",
	KindPullRequest:       "pull request",
	KindPullComment:       "pull comment",
	KindPullReviewComment: "pull review comment",
	KindLabel:             "label",
	KindMilestone:         "milestone",
	KindRelease:           "release",
	KindReleaseAsset:      "release asset",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Entity is a single archived resource. Payload holds the upstream JSON
// record exactly as received; ReleaseAsset entities carry no payload, their
// content is streamed straight to disk.
type Entity struct {
	Kind    Kind
	ID      string
	Parent  string
	Name    string
	Payload json.RawMessage
}

func (e Entity) String() string {
	if e.Parent != "" {
		return fmt.Sprintf("%s %s of %s", e.Kind, e.ID, e.Parent)
	}
	return fmt.Sprintf("%s %s", e.Kind, e.ID)
}

// Document renders the payload the way it is persisted: indented with four
// spaces and terminated by a newline. Field order and unknown fields are kept.
func (e Entity) Document() ([]byte, error) {
	if len(e.Payload) == 0 {
		return nil, errors.Errorf("%s has no payload", e)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, e.Payload, "", "    "); err != nil {
		return nil, errors.Wrapf(err, "failed to format %s", e)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// AssetHeader is the part of a release asset record the engine needs
type AssetHeader struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}

// Header holds the fields of an upstream record that drive synchronization.
// Everything else in the payload is opaque.
type Header struct {
	ID                int64           `json:"id"`
	Number            int             `json:"number"`
	Name              string          `json:"name"`
	Type              string          `json:"type"`
	UpdatedAt         string          `json:"updated_at"`
	Comments          *int            `json:"comments"`
	CommentsURL       string          `json:"comments_url"`
	ReviewCommentsURL string          `json:"review_comments_url"`
	PullRequest       json.RawMessage `json:"pull_request"`
	HasIssues         bool            `json:"has_issues"`
	HasWiki           bool            `json:"has_wiki"`
	CloneURL          string          `json:"clone_url"`
	DefaultBranch     string          `json:"default_branch"`
	Owner             *struct {
		Login string `json:"login"`
	} `json:"owner"`
	Assets []AssetHeader `json:"assets"`
}

// DecodeHeader extracts the header fields from a raw record
func DecodeHeader(raw json.RawMessage) (Header, error) {
	var h Header
	if err := json.Unmarshal(raw, &h); err != nil {
		return Header{}, errors.Wrap(err, "failed to decode record header")
	}
	return h, nil
}

// IsPullRequest reports whether an issue listing entry is really a pull request
func (h Header) IsPullRequest() bool {
	return len(h.PullRequest) > 0 && !bytes.Equal(h.PullRequest, []byte("null"))
}

// OwnerLogin returns the login of the record's owner, if any
func (h Header) OwnerLogin() string {
	if h.Owner == nil {
		return ""
	}
	return h.Owner.Login
}

// UpdatedTime parses updated_at; the zero time is returned when absent
func (h Header) UpdatedTime() time.Time {
	t, err := time.Parse(time.RFC3339, h.UpdatedAt)
	if err != nil {
		return time.Time{}
	}
	return t
}

// NewEntity builds an entity of the given kind from a raw record. Issues and
// pull requests are identified by number, everything else by id.
func NewEntity(kind Kind, parent string, raw json.RawMessage) (Entity, Header, error) {
	h, err := DecodeHeader(raw)
	if err != nil {
		return Entity{}, Header{}, errors.Wrapf(err, "failed to read %s", kind)
	}

	e := Entity{Kind: kind, Parent: parent, Payload: raw}
	switch kind {
	case KindRepoInfo:
		e.ID = "info"
	case KindIssue, KindPullRequest:
		if h.Number <= 0 {
			return Entity{}, Header{}, errors.Errorf("%s record has no number", kind)
		}
		e.ID = strconv.Itoa(h.Number)
	default:
		if h.ID <= 0 {
			return Entity{}, Header{}, errors.Errorf("%s record has no id", kind)
		}
		e.ID = strconv.FormatInt(h.ID, 10)
	}
	return e, h, nil
}

// NewAsset builds the entity for a release asset
func NewAsset(releaseID string, asset AssetHeader) Entity {
	return Entity{
		Kind:   KindReleaseAsset,
		ID:     strconv.FormatInt(asset.ID, 10),
		Parent: releaseID,
		Name:   asset.Name,
	}
}

// SyncRun records one synchronization of a repository
type SyncRun struct {
	ID         string     `db:"id"`
	Repository string     `db:"repository"`
	StartedAt  time.Time  `db:"started_at"`
	FinishedAt *time.Time `db:"finished_at"`
	Status     string     `db:"status"`
	Requests   int64      `db:"requests"`
	Written    int        `db:"written"`
	Unchanged  int        `db:"unchanged"`
	Skipped    int        `db:"skipped"`
	Failed     int        `db:"failed"`
	Error      string     `db:"error"`
}

// Run statuses
const (
	RunRunning = "running"
	RunOK      = "ok"
	RunPartial = "partial"
	RunFailed  = "failed"
)
