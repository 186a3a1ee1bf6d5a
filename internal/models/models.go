package models

import (
	"strings"
	"time"
)

// SHA1 is a 40-character hex Git object name.
type SHA1 string

func (s SHA1) Short() string {
	if len(s) > 8 {
		return string(s[:8])
	}
	return string(s)
}

// IsValidSHA1 reports whether s is a full 40-char hex object name.
func IsValidSHA1(s string) bool {
	if len(s) != 40 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}

type User struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	FullName  string    `json:"fullname"`
	Email     string    `json:"email"`
	IsAdmin   bool      `json:"is_admin"`
	CreatedAt time.Time `json:"created_at"`
}

// GitEmail links a user to an author/committer email used in commits.
type GitEmail struct {
	UserID int64  `json:"user_id"`
	Email  string `json:"email"`
}

type Repository struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	Path          string    `json:"path"` // relative to paths.repositories
	DefaultBranch string    `json:"default_branch"`
	CreatedAt     time.Time `json:"created_at"`
}

// Signature is a Git author or committer stamp.
type Signature struct {
	Name  string    `json:"name"`
	Email string    `json:"email"`
	Time  time.Time `json:"time"`
}

// Commit is an immutable Git commit, identified by repository + SHA-1.
type Commit struct {
	ID        int64     `json:"id"`
	RepoID    int64     `json:"repo_id"`
	SHA1      SHA1      `json:"sha1"`
	Tree      SHA1      `json:"tree"`
	Parents   []SHA1    `json:"parents"`
	Author    Signature `json:"author"`
	Committer Signature `json:"committer"`
	Message   string    `json:"message"`
}

func (c *Commit) IsMerge() bool { return len(c.Parents) > 1 }

// Summary is the first message line that is not a fixup!/squash! marker.
// When the message carries such a marker, the tag is kept as a prefix.
func (c *Commit) Summary() string {
	var tag string
	for _, line := range strings.Split(c.Message, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "fixup! "):
			tag = "[fixup] "
			line = strings.TrimPrefix(line, "fixup! ")
		case strings.HasPrefix(line, "squash! "):
			tag = "[squash] "
			line = strings.TrimPrefix(line, "squash! ")
		}
		if line == "" {
			continue
		}
		return tag + line
	}
	return ""
}

// Branch is a named head in a repository with its associated commits.
type Branch struct {
	ID           int64  `json:"id"`
	RepoID       int64  `json:"repo_id"`
	Name         string `json:"name"`
	Head         SHA1   `json:"head"`
	BaseBranchID *int64 `json:"base_branch_id,omitempty"`
	Archived     bool   `json:"archived"`
	Type         string `json:"type"` // "normal", "review"
}

// BranchUpdate records one atomic ref change on a branch.
type BranchUpdate struct {
	ID            int64     `json:"id"`
	BranchID      int64     `json:"branch_id"`
	UpdaterID     *int64    `json:"updater_id,omitempty"`
	FromHead      SHA1      `json:"from_head"` // empty on branch creation
	ToHead        SHA1      `json:"to_head"`
	Associated    []SHA1    `json:"associated"`
	Disassociated []SHA1    `json:"disassociated"`
	OutputText    string    `json:"output,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ReviewState is the lifecycle state of a review.
type ReviewState string

const (
	ReviewDraft   ReviewState = "draft"
	ReviewOpen    ReviewState = "open"
	ReviewClosed  ReviewState = "closed"
	ReviewDropped ReviewState = "dropped"
)

type Review struct {
	ID             int64       `json:"id"`
	RepoID         int64       `json:"repo_id"`
	BranchID       *int64      `json:"branch_id,omitempty"`
	OwnerID        int64       `json:"owner_id"`
	State          ReviewState `json:"state"`
	Summary        string      `json:"summary"`
	Description    string      `json:"description"`
	TargetBranchID *int64      `json:"target_branch_id,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// ReviewUserRole relates a user to a review.
type ReviewUserRole string

const (
	RoleOwner    ReviewUserRole = "owner"
	RoleAssigned ReviewUserRole = "assigned"
	RoleActive   ReviewUserRole = "active"
	RoleWatcher  ReviewUserRole = "watcher"
)

type ReviewUser struct {
	ReviewID int64          `json:"review_id"`
	UserID   int64          `json:"user_id"`
	Role     ReviewUserRole `json:"role"`
}

// RebaseKind distinguishes the two rebase variants.
type RebaseKind string

const (
	RebaseHistoryRewrite RebaseKind = "history_rewrite"
	RebaseMove           RebaseKind = "move"
)

// Rebase is attached to the branch update that performed it. Move rebases
// carry the upstream pair and, when available, a commit usable for content
// equivalence comparison across the rebase.
type Rebase struct {
	ID              int64      `json:"id"`
	ReviewID        int64      `json:"review_id"`
	BranchUpdateID  *int64     `json:"branchupdate_id,omitempty"`
	Kind            RebaseKind `json:"kind"`
	OldHead         SHA1       `json:"old_head"`
	NewHead         SHA1       `json:"new_head"`
	OldUpstream     SHA1       `json:"old_upstream,omitempty"`
	NewUpstream     SHA1       `json:"new_upstream,omitempty"`
	EquivalentMerge *SHA1      `json:"equivalent_merge,omitempty"`
	ReplayedRebase  *SHA1      `json:"replayed_rebase,omitempty"`
	CreatorID       *int64     `json:"creator_id,omitempty"`
}

// ComparisonCommit returns the commit usable for content equivalence across a
// move rebase. When both exist the equivalent merge wins.
func (r *Rebase) ComparisonCommit() (SHA1, bool) {
	if r.EquivalentMerge != nil {
		return *r.EquivalentMerge, true
	}
	if r.ReplayedRebase != nil {
		return *r.ReplayedRebase, true
	}
	return "", false
}

// CompletionLevel names a changeset computation stage.
type CompletionLevel string

const (
	LevelStructure       CompletionLevel = "structure"
	LevelChangedLines    CompletionLevel = "changedlines"
	LevelSyntaxHighlight CompletionLevel = "syntaxhighlight"
)

// Changeset is a cached diff between two commits, keyed by
// (repository, from, to, is_replay, for_merge).
type Changeset struct {
	ID        int64                    `json:"id"`
	RepoID    int64                    `json:"repo_id"`
	FromSHA1  SHA1                     `json:"from_sha1,omitempty"` // empty for root commits
	ToSHA1    SHA1                     `json:"to_sha1"`
	ForMerge  *SHA1                    `json:"for_merge,omitempty"`
	IsReplay  bool                     `json:"is_replay"`
	Completed map[CompletionLevel]bool `json:"completed"`
}

// ChangesetFile is one structural entry of a changeset. A nil mode/sha1 side
// means the file does not exist on that side.
type ChangesetFile struct {
	ChangesetID int64  `json:"changeset_id"`
	FileID      int64  `json:"file_id"`
	Path        string `json:"path"`
	OldMode     *int   `json:"old_mode,omitempty"`
	OldSHA1     *SHA1  `json:"old_sha1,omitempty"`
	NewMode     *int   `json:"new_mode,omitempty"`
	NewSHA1     *SHA1  `json:"new_sha1,omitempty"`
}

// FileDifference is the per-file content comparison result.
type FileDifference struct {
	ChangesetID      int64  `json:"changeset_id"`
	FileID           int64  `json:"file_id"`
	ComparisonDone   bool   `json:"comparison_done"`
	IsBinary         bool   `json:"is_binary"`
	OldLength        int    `json:"old_length"`
	NewLength        int    `json:"new_length"`
	OldLinebreak     bool   `json:"old_linebreak"` // file ends with a line break
	NewLinebreak     bool   `json:"new_linebreak"`
	OldHighlightFile *int64 `json:"old_highlightfile,omitempty"`
	NewHighlightFile *int64 `json:"new_highlightfile,omitempty"`
}

// ChangedLines is one block of changed lines within a file comparison. The
// analysis string encodes intra-block line mappings; see the diff package.
type ChangedLines struct {
	ChangesetID  int64  `json:"changeset_id"`
	FileID       int64  `json:"file_id"`
	Index        int    `json:"index"`
	Offset       int    `json:"offset"` // unchanged lines since the previous block
	DeleteCount  int    `json:"delete_count"`
	DeleteLength int    `json:"delete_length"`
	InsertCount  int    `json:"insert_count"`
	InsertLength int    `json:"insert_length"`
	Analysis     string `json:"analysis"`
}

// FilterType is the effect a path filter has on its owner.
type FilterType string

const (
	FilterReviewer FilterType = "reviewer"
	FilterWatcher  FilterType = "watcher"
	FilterIgnored  FilterType = "ignored"
)

// Filter maps (user, path pattern) to an effect, owned either by a user
// (repository filter) or by a review (review filter).
type Filter struct {
	ID        int64      `json:"id"`
	UserID    int64      `json:"uid"`
	RepoID    int64      `json:"repo_id"`
	ReviewID  *int64     `json:"review_id,omitempty"`
	Path      string     `json:"path"`
	Type      FilterType `json:"type"`
	Delegates []int64    `json:"delegates,omitempty"`
	Scopes    []string   `json:"scopes,omitempty"`
}

// ReviewFile is one reviewable file unit of a changeset within a review.
type ReviewFile struct {
	ID          int64 `json:"id"`
	ReviewID    int64 `json:"review_id"`
	ChangesetID int64 `json:"changeset_id"`
	FileID      int64 `json:"file_id"`
	Inserted    int   `json:"inserted"`
	Deleted     int   `json:"deleted"`
	Reviewed    bool  `json:"reviewed"`
}

// ReviewUserFile assigns a review file to a user for reviewing.
type ReviewUserFile struct {
	ReviewFileID int64     `json:"review_file_id"`
	UserID       int64     `json:"user_id"`
	Scopes       []string  `json:"scopes,omitempty"`
	AssignedAt   time.Time `json:"assigned_at"`
}

// ReviewFileChange records a reviewer marking a file reviewed or unreviewed.
type ReviewFileChange struct {
	ReviewFileID int64     `json:"review_file_id"`
	UserID       int64     `json:"user_id"`
	FromReviewed bool      `json:"from_reviewed"`
	ToReviewed   bool      `json:"to_reviewed"`
	ChangedAt    time.Time `json:"changed_at"`
}

// CommentKind separates actionable issues from plain notes.
type CommentKind string

const (
	CommentIssue CommentKind = "issue"
	CommentNote  CommentKind = "note"
)

// IssueState is the lifecycle of an issue comment.
type IssueState string

const (
	IssueOpen      IssueState = "open"
	IssueAddressed IssueState = "addressed"
	IssueResolved  IssueState = "resolved"
)

// CommentSide selects the old or new side of a changeset location.
type CommentSide string

const (
	SideOld CommentSide = "old"
	SideNew CommentSide = "new"
)

// LocationKind tags the two comment location variants.
type LocationKind string

const (
	LocationCommit      LocationKind = "commit"
	LocationFileVersion LocationKind = "file_version"
)

// Location anchors a comment to lines of a file version. Commit locations
// carry the commented commit and side; file-version locations carry the blob
// sha1 directly.
type Location struct {
	Kind      LocationKind `json:"kind"`
	FileID    int64        `json:"file_id"`
	CommitSHA SHA1         `json:"commit,omitempty"` // commit locations
	BlobSHA   SHA1         `json:"sha1,omitempty"`   // file-version locations
	Side      CommentSide  `json:"side,omitempty"`
	FirstLine int          `json:"first_line"`
	LastLine  int          `json:"last_line"`
}

// Comment is an inline or general remark on a review.
type Comment struct {
	ID          int64       `json:"id"`
	ReviewID    int64       `json:"review_id"`
	AuthorID    int64       `json:"author_id"`
	Kind        CommentKind `json:"kind"`
	State       IssueState  `json:"state,omitempty"` // issues only
	Text        string      `json:"text"`
	Draft       bool        `json:"draft"`
	Location    *Location   `json:"location,omitempty"`
	AddressedBy *SHA1       `json:"addressed_by,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// CommentLocationVersion is one propagated anchor of a comment.
type CommentLocationVersion struct {
	CommentID int64 `json:"comment_id"`
	SHA1      SHA1  `json:"sha1"` // commit or blob version the lines exist at
	FirstLine int   `json:"first_line"`
	LastLine  int   `json:"last_line"`
}

// IntegrationStrategy is one way of landing a review on its target branch.
type IntegrationStrategy string

const (
	StrategyFastForward IntegrationStrategy = "fast-forward"
	StrategyCherryPick  IntegrationStrategy = "cherry-pick"
	StrategyRebase      IntegrationStrategy = "rebase"
	StrategyMerge       IntegrationStrategy = "merge"
)

// IntegrationState tracks an integration request's progress.
type IntegrationState string

const (
	IntegrationPlanned    IntegrationState = "planned"
	IntegrationInProgress IntegrationState = "in-progress"
	IntegrationPerformed  IntegrationState = "performed"
	IntegrationFailed     IntegrationState = "failed"
)

// IntegrationRequest is one attempt to land a review onto a target branch.
type IntegrationRequest struct {
	ID             int64                 `json:"id"`
	ReviewID       int64                 `json:"review_id"`
	TargetBranchID int64                 `json:"target_branch_id"`
	DoSquash       bool                  `json:"squash"`
	SquashMessage  string                `json:"squash_message,omitempty"`
	DoAutosquash   bool                  `json:"autosquash"`
	DoIntegrate    bool                  `json:"integrate"`
	Strategy       []IntegrationStrategy `json:"strategy,omitempty"`
	State          IntegrationState      `json:"state"`
	SquashedAt     *time.Time            `json:"squashed,omitempty"`
	AutosquashedAt *time.Time            `json:"autosquashed,omitempty"`
	StrategyUsed   IntegrationStrategy   `json:"strategy_used,omitempty"`
	Successful     *bool                 `json:"successful,omitempty"`
	ErrorMessage   string                `json:"error_message,omitempty"`
	Conflicts      []string              `json:"conflicts,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
}

// ChangesetError records a failed job bound to (changeset, job key).
type ChangesetError struct {
	ChangesetID int64     `json:"changeset_id"`
	JobKey      string    `json:"job_key"`
	Fatal       bool      `json:"fatal"`
	Message     string    `json:"message"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// HighlightFile is one stored highlighted file version.
type HighlightFile struct {
	ID          int64 `json:"id"`
	RepoID      int64 `json:"repo_id"`
	SHA1        SHA1  `json:"sha1"`
	LanguageID  int64 `json:"language_id"`
	Conflicts   bool  `json:"conflicts"`
	Highlighted bool  `json:"highlighted"`
}

// JobStatus is the queue state of a background job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is one background work item. Key is the canonical JSON array form of
// the job, for example ["AnalyzeChangedLines",17,3], and doubles as the
// dedupe key.
type Job struct {
	ID            int64     `json:"id"`
	ChangesetID   *int64    `json:"changeset_id,omitempty"`
	Key           string    `json:"key"`
	Status        JobStatus `json:"status"`
	AttemptCount  int       `json:"attempt_count"`
	MaxAttempts   int       `json:"max_attempts"`
	LastError     string    `json:"last_error,omitempty"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// ReviewTag is a per-(user, review) derived marker such as "assigned".
type ReviewTag struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ReviewEvent is one entry of a review's event log.
type ReviewEvent struct {
	ID        int64     `json:"id"`
	ReviewID  int64     `json:"review_id"`
	UserID    *int64    `json:"user_id,omitempty"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}
