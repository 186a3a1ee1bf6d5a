package database

import (
	"context"
	"fmt"
	"time"

	"github.com/critic-scm/critic/internal/models"
)

// DB defines the data access interface. Implemented by SQLite and PostgreSQL
// backends.
type DB interface {
	Close() error
	Migrate(ctx context.Context) error

	// Users
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	GetUserByName(ctx context.Context, name string) (*models.User, error)
	AddGitEmail(ctx context.Context, userID int64, email string) error
	ListGitEmails(ctx context.Context, userID int64) ([]string, error)
	LookupUserByGitEmail(ctx context.Context, email string) (*models.User, error)

	// Repositories
	CreateRepository(ctx context.Context, repo *models.Repository) error
	GetRepositoryByID(ctx context.Context, id int64) (*models.Repository, error)
	GetRepositoryByName(ctx context.Context, name string) (*models.Repository, error)
	ListRepositories(ctx context.Context) ([]models.Repository, error)

	// Branches
	CreateBranch(ctx context.Context, branch *models.Branch) error
	GetBranch(ctx context.Context, repoID int64, name string) (*models.Branch, error)
	GetBranchByID(ctx context.Context, id int64) (*models.Branch, error)
	ListBranches(ctx context.Context, repoID int64) ([]models.Branch, error)
	SetBranchArchived(ctx context.Context, branchID int64, archived bool) error
	// RecordBranchUpdate moves the branch head and records the update and its
	// association changes in one transaction. The head move is conditional on
	// update.FromHead still being the current head.
	RecordBranchUpdate(ctx context.Context, update *models.BranchUpdate) error
	ListBranchUpdates(ctx context.Context, branchID int64) ([]models.BranchUpdate, error)
	GetBranchUpdate(ctx context.Context, id int64) (*models.BranchUpdate, error)
	AssociatedCommits(ctx context.Context, branchID int64) ([]models.SHA1, error)

	// Commits
	StoreCommit(ctx context.Context, commit *models.Commit) error
	GetCommit(ctx context.Context, repoID int64, sha1 models.SHA1) (*models.Commit, error)

	// Files
	LookupOrCreateFileID(ctx context.Context, path string) (int64, error)
	GetFilePath(ctx context.Context, fileID int64) (string, error)

	// Changesets
	RequestChangeset(ctx context.Context, changeset *models.Changeset) (created bool, err error)
	GetChangesetByID(ctx context.Context, id int64) (*models.Changeset, error)
	GetChangeset(ctx context.Context, repoID int64, from, to models.SHA1, isReplay bool, forMerge *models.SHA1) (*models.Changeset, error)
	MarkChangesetCompleted(ctx context.Context, changesetID int64, level models.CompletionLevel) error
	InsertChangesetFiles(ctx context.Context, files []models.ChangesetFile) error
	ListChangesetFiles(ctx context.Context, changesetID int64) ([]models.ChangesetFile, error)
	UpsertFileDifference(ctx context.Context, diff *models.FileDifference) error
	GetFileDifference(ctx context.Context, changesetID, fileID int64) (*models.FileDifference, error)
	ListFileDifferences(ctx context.Context, changesetID int64) ([]models.FileDifference, error)
	InsertChangedLines(ctx context.Context, blocks []models.ChangedLines) error
	ListChangedLines(ctx context.Context, changesetID, fileID int64) ([]models.ChangedLines, error)
	RecordChangesetError(ctx context.Context, cerr *models.ChangesetError) error
	ListChangesetErrors(ctx context.Context, changesetID int64) ([]models.ChangesetError, error)

	// Highlighting
	LookupOrCreateLanguage(ctx context.Context, label string) (int64, error)
	RequestHighlightFile(ctx context.Context, hf *models.HighlightFile) (created bool, err error)
	MarkHighlightFileDone(ctx context.Context, id int64) error
	GetHighlightFile(ctx context.Context, repoID int64, sha1 models.SHA1, languageID int64, conflicts bool) (*models.HighlightFile, error)

	// Filters
	CreateFilter(ctx context.Context, filter *models.Filter) error
	DeleteFilter(ctx context.Context, id int64) error
	ListRepositoryFilters(ctx context.Context, repoID int64) ([]models.Filter, error)
	ListReviewFilters(ctx context.Context, reviewID int64) ([]models.Filter, error)

	// Reviews
	CreateReview(ctx context.Context, review *models.Review) error
	GetReview(ctx context.Context, id int64) (*models.Review, error)
	GetReviewByBranch(ctx context.Context, branchID int64) (*models.Review, error)
	UpdateReviewState(ctx context.Context, reviewID int64, state models.ReviewState) error
	UpdateReviewSummary(ctx context.Context, reviewID int64, summary, description string) error
	SetReviewTargetBranch(ctx context.Context, reviewID, targetBranchID int64) error
	ListReviews(ctx context.Context, repoID int64, state models.ReviewState) ([]models.Review, error)
	SetReviewUser(ctx context.Context, ru *models.ReviewUser) error
	RemoveReviewUser(ctx context.Context, reviewID, userID int64) error
	ListReviewUsers(ctx context.Context, reviewID int64) ([]models.ReviewUser, error)
	AddReviewCommits(ctx context.Context, reviewID, branchupdateID int64, commits []models.SHA1) error
	ListReviewCommits(ctx context.Context, reviewID int64) ([]models.SHA1, error)
	AddReviewChangeset(ctx context.Context, reviewID, changesetID, branchupdateID int64) error
	ListReviewChangesets(ctx context.Context, reviewID int64) ([]int64, error)
	ListReviewsByChangeset(ctx context.Context, changesetID int64) ([]int64, error)

	// Rebases
	CreateRebase(ctx context.Context, rebase *models.Rebase) error
	GetPendingRebase(ctx context.Context, reviewID int64) (*models.Rebase, error)
	AttachRebase(ctx context.Context, rebaseID, branchupdateID int64) error
	UpdateRebase(ctx context.Context, rebase *models.Rebase) error
	ListRebases(ctx context.Context, reviewID int64) ([]models.Rebase, error)

	// Review files
	CreateReviewFiles(ctx context.Context, files []models.ReviewFile) error
	ListReviewFiles(ctx context.Context, reviewID int64) ([]models.ReviewFile, error)
	SetReviewFileReviewed(ctx context.Context, reviewFileID, userID int64, reviewed bool) error
	AssignReviewUserFiles(ctx context.Context, assignments []models.ReviewUserFile) error
	DeleteReviewUserFile(ctx context.Context, reviewFileID, userID int64) error
	ListReviewUserFiles(ctx context.Context, reviewID int64) ([]models.ReviewUserFile, error)
	ListReviewFileChanges(ctx context.Context, reviewID int64) ([]models.ReviewFileChange, error)

	// Review events and tags
	AddReviewEvent(ctx context.Context, event *models.ReviewEvent) error
	ListReviewEvents(ctx context.Context, reviewID int64) ([]models.ReviewEvent, error)
	SetReviewUserTags(ctx context.Context, reviewID, userID int64, tags []string) error
	ListReviewUserTags(ctx context.Context, reviewID, userID int64) ([]string, error)

	// Comments
	CreateComment(ctx context.Context, comment *models.Comment) error
	GetComment(ctx context.Context, id int64) (*models.Comment, error)
	UpdateCommentState(ctx context.Context, commentID int64, state models.IssueState, addressedBy *models.SHA1) error
	PublishComment(ctx context.Context, commentID int64) error
	ListComments(ctx context.Context, reviewID int64) ([]models.Comment, error)
	InsertCommentLocations(ctx context.Context, locations []models.CommentLocationVersion) error
	ListCommentLocations(ctx context.Context, commentID int64) ([]models.CommentLocationVersion, error)
	GetCommentLocation(ctx context.Context, commentID int64, sha1 models.SHA1) (*models.CommentLocationVersion, error)

	// Integration requests
	CreateIntegrationRequest(ctx context.Context, req *models.IntegrationRequest) error
	GetIntegrationRequest(ctx context.Context, id int64) (*models.IntegrationRequest, error)
	UpdateIntegrationRequest(ctx context.Context, req *models.IntegrationRequest) error
	ClaimPlannedIntegration(ctx context.Context) (*models.IntegrationRequest, error)
	ListIntegrationRequests(ctx context.Context, reviewID int64) ([]models.IntegrationRequest, error)

	// Job queue
	EnqueueJob(ctx context.Context, job *models.Job) error
	ClaimJob(ctx context.Context) (*models.Job, error)
	CompleteJob(ctx context.Context, jobID int64, status models.JobStatus, lastError string) error
	RequeueJob(ctx context.Context, jobID int64, lastError string, nextAttemptAt time.Time) error
	GetJobByKey(ctx context.Context, key string) (*models.Job, error)
	JobQueueStats(ctx context.Context) (JobQueueStats, error)
}

// JobQueueStats summarizes job queue status for health and observability
// endpoints.
type JobQueueStats struct {
	Queued         int64
	Running        int64
	Failed         int64
	OldestQueuedAt *time.Time
}

// Open connects to the configured backend. Supported drivers are "sqlite"
// and "postgres".
func Open(driver, dsn string) (DB, error) {
	switch driver {
	case "sqlite", "sqlite3":
		return OpenSQLite(dsn)
	case "postgres", "pgx":
		return OpenPostgres(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}
