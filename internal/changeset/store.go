// Package changeset maintains cached diffs between commits: structural file
// lists, per-file content comparisons with changed-lines blocks, and syntax
// highlight bookkeeping. Computation runs through the job queue; this package
// provides both the request side and the job processors.
package changeset

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/critic-scm/critic/internal/criterrors"
	"github.com/critic-scm/critic/internal/database"
	"github.com/critic-scm/critic/internal/gitaccess"
	"github.com/critic-scm/critic/internal/models"
	"github.com/critic-scm/critic/internal/pubsub"
)

// Publisher delivers event payloads on a named channel. Satisfied by
// pubsub.Bus; nil disables publishing.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Store requests, computes, and reports on changesets.
type Store struct {
	db       database.DB
	bus      Publisher
	reposDir string
	cacheDir string
	logger   *slog.Logger
}

func NewStore(db database.DB, bus Publisher, reposDir, cacheDir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, bus: bus, reposDir: reposDir, cacheDir: cacheDir, logger: logger}
}

func (s *Store) openRepository(ctx context.Context, repoID int64) (*gitaccess.Repository, error) {
	repo, err := s.db.GetRepositoryByID(ctx, repoID)
	if err != nil {
		return nil, err
	}
	return gitaccess.Open(filepath.Join(s.reposDir, repo.Path)), nil
}

// Event is the payload published on the changesets channel.
type Event struct {
	Version     int                    `json:"version"`
	Action      string                 `json:"action"` // "requested", "completed"
	ChangesetID int64                  `json:"changeset_id"`
	RepoID      int64                  `json:"repo_id"`
	Level       models.CompletionLevel `json:"level,omitempty"`
}

func (s *Store) publish(ctx context.Context, event Event) {
	if s.bus == nil {
		return
	}
	event.Version = 1
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, pubsub.ChannelChangesets, payload); err != nil {
		s.logger.Warn("publish changeset event failed", "changeset_id", event.ChangesetID, "error", err)
	}
}

// Request ensures the changeset row identified by cs's key fields exists and
// that a structure job is queued when structure is still pending. Content
// comparison follows structure automatically; level syntaxhighlight
// additionally requests highlighting once the file list is known. The call
// is idempotent: repeating it returns the same changeset and queues nothing
// new. cs is filled with the stored row.
func (s *Store) Request(ctx context.Context, cs *models.Changeset, level models.CompletionLevel) (created bool, err error) {
	created, err = s.db.RequestChangeset(ctx, cs)
	if err != nil {
		return false, fmt.Errorf("request changeset: %w", err)
	}
	if !cs.Completed[models.LevelStructure] {
		job := &models.Job{ChangesetID: &cs.ID, Key: StructureKey(cs.ID), MaxAttempts: 3}
		if err := s.db.EnqueueJob(ctx, job); err != nil {
			return created, fmt.Errorf("enqueue structure job: %w", err)
		}
	}
	if level == models.LevelSyntaxHighlight && cs.Completed[models.LevelStructure] {
		if err := s.RequestHighlights(ctx, cs.ID); err != nil {
			return created, err
		}
	}
	if created {
		s.publish(ctx, Event{Action: "requested", ChangesetID: cs.ID, RepoID: cs.RepoID, Level: level})
	}
	return created, nil
}

// RequestForMerge creates the changeset pair for a merge commit: the primary
// (parent→merge) and a reference relating the merge base to the parent. The
// pair lets a consumer tell the merge's own contribution apart from lines
// that changed on the merged-in branch. Returns the primary changeset.
func (s *Store) RequestForMerge(ctx context.Context, repoID int64, merge *models.Commit, parent models.SHA1, level models.CompletionLevel) (*models.Changeset, error) {
	if !merge.IsMerge() {
		return nil, criterrors.InvalidInput("not a merge commit", string(merge.SHA1))
	}
	git, err := s.openRepository(ctx, repoID)
	if err != nil {
		return nil, err
	}
	base := merge.Parents[0]
	for _, p := range merge.Parents[1:] {
		base, err = git.MergeBase(ctx, base, p)
		if err != nil {
			return nil, fmt.Errorf("merge base of %s: %w", merge.SHA1, err)
		}
	}

	forMerge := merge.SHA1
	primary := &models.Changeset{RepoID: repoID, FromSHA1: parent, ToSHA1: merge.SHA1, ForMerge: &forMerge}
	if _, err := s.Request(ctx, primary, level); err != nil {
		return nil, err
	}
	reference := &models.Changeset{RepoID: repoID, FromSHA1: base, ToSHA1: parent, ForMerge: &forMerge}
	if _, err := s.Request(ctx, reference, level); err != nil {
		return nil, err
	}
	return primary, nil
}

// RequestHighlights queues a highlight job for every file version of the
// changeset. Requires a complete structure; returns a delayed error before
// that, since the file versions are not known yet.
func (s *Store) RequestHighlights(ctx context.Context, changesetID int64) error {
	cs, err := s.db.GetChangesetByID(ctx, changesetID)
	if err != nil {
		return err
	}
	if !cs.Completed[models.LevelStructure] {
		return &criterrors.DelayedError{Reason: "changeset structure not computed yet"}
	}
	files, err := s.db.ListChangesetFiles(ctx, changesetID)
	if err != nil {
		return err
	}
	queued := false
	for _, file := range files {
		label := languageOf(file.Path)
		if label == "" {
			continue
		}
		languageID, err := s.db.LookupOrCreateLanguage(ctx, label)
		if err != nil {
			return err
		}
		for _, sha := range []*models.SHA1{file.OldSHA1, file.NewSHA1} {
			if sha == nil {
				continue
			}
			hf := &models.HighlightFile{RepoID: cs.RepoID, SHA1: *sha, LanguageID: languageID}
			created, err := s.db.RequestHighlightFile(ctx, hf)
			if err != nil {
				return err
			}
			if !created && hf.Highlighted {
				continue
			}
			job := &models.Job{ChangesetID: &cs.ID, Key: HighlightKey(cs.ID, *sha, languageID), MaxAttempts: 3}
			if err := s.db.EnqueueJob(ctx, job); err != nil {
				return fmt.Errorf("enqueue highlight job: %w", err)
			}
			queued = true
		}
	}
	if !queued {
		if err := s.db.MarkChangesetCompleted(ctx, changesetID, models.LevelSyntaxHighlight); err != nil {
			return err
		}
	}
	return nil
}

// RecordError stores a per-(changeset, job key) failure. Recorded errors show
// up in progress reports but do not block other stages: a fatal error counts
// as that job's final outcome, so the stage's completion is re-checked here.
func (s *Store) RecordError(ctx context.Context, changesetID int64, jobKey string, fatal bool, message string) error {
	if err := s.db.RecordChangesetError(ctx, &models.ChangesetError{
		ChangesetID: changesetID,
		JobKey:      jobKey,
		Fatal:       fatal,
		Message:     message,
	}); err != nil {
		return err
	}
	if !fatal {
		return nil
	}
	decoded, err := DecodeKey(jobKey)
	if err != nil {
		return nil
	}
	switch decoded.Name {
	case JobAnalyzeChangedLines:
		cs, err := s.db.GetChangesetByID(ctx, changesetID)
		if err != nil {
			return err
		}
		files, err := s.db.ListChangesetFiles(ctx, changesetID)
		if err != nil {
			return err
		}
		return s.finishContentIfDone(ctx, cs, files)
	case JobSyntaxHighlightFile:
		cs, err := s.db.GetChangesetByID(ctx, changesetID)
		if err != nil {
			return err
		}
		return s.finishHighlightIfDone(ctx, cs)
	}
	return nil
}

// fatalErrorKeys returns the job keys whose recorded errors are fatal. A
// fatal error is the job's final outcome; transient errors are retried and
// keep their stage pending.
func (s *Store) fatalErrorKeys(ctx context.Context, changesetID int64) (map[string]bool, error) {
	errs, err := s.db.ListChangesetErrors(ctx, changesetID)
	if err != nil {
		return nil, err
	}
	keys := make(map[string]bool, len(errs))
	for _, e := range errs {
		if e.Fatal {
			keys[e.JobKey] = true
		}
	}
	return keys, nil
}

// ContentProgress reports the content comparison stage of a changeset.
type ContentProgress struct {
	Complete         bool `json:"complete"`
	Usable           bool `json:"usable"`
	Examined         int  `json:"examined"`
	Errored          int  `json:"errored"`
	Unexamined       int  `json:"unexamined"`
	Uncompared       int  `json:"uncompared"`
	BlocksTotal      int  `json:"blocks_total"`
	BlocksUnanalyzed int  `json:"blocks_unanalyzed"`
}

// HighlightProgress reports the highlight stage of a changeset.
type HighlightProgress struct {
	Complete           bool `json:"complete"`
	TotalVersions      int  `json:"total_versions"`
	UnfinishedVersions int  `json:"unfinished_versions"`
	ErroredVersions    int  `json:"errored_versions"`
}

// Progress is the per-changeset progress report.
type Progress struct {
	ChangesetID       int64                   `json:"changeset_id"`
	StructureComplete bool                    `json:"structure_complete"`
	Content           ContentProgress         `json:"content"`
	Highlight         HighlightProgress       `json:"highlight"`
	Errors            []models.ChangesetError `json:"errors,omitempty"`
}

// Usable reports whether the changeset can serve content queries: structure
// known and no comparison pending. A file whose comparison failed for good
// counts as examined-with-error and does not hold the changeset back.
func (p *Progress) Usable() bool {
	return p.StructureComplete && p.Content.Unexamined == 0 && p.Content.Uncompared == 0
}

// Report assembles the progress report for one changeset.
func (s *Store) Report(ctx context.Context, changesetID int64) (*Progress, error) {
	cs, err := s.db.GetChangesetByID(ctx, changesetID)
	if err != nil {
		return nil, err
	}
	progress := &Progress{
		ChangesetID:       changesetID,
		StructureComplete: cs.Completed[models.LevelStructure],
	}
	progress.Content.Complete = cs.Completed[models.LevelChangedLines]
	progress.Highlight.Complete = cs.Completed[models.LevelSyntaxHighlight]

	files, err := s.db.ListChangesetFiles(ctx, changesetID)
	if err != nil {
		return nil, err
	}
	diffs, err := s.db.ListFileDifferences(ctx, changesetID)
	if err != nil {
		return nil, err
	}
	fatalKeys, err := s.fatalErrorKeys(ctx, changesetID)
	if err != nil {
		return nil, err
	}
	examined := make(map[int64]bool, len(diffs))
	pending := make(map[int64]bool)
	for _, d := range diffs {
		if d.ComparisonDone {
			examined[d.FileID] = true
		} else {
			pending[d.FileID] = true
		}
	}
	for block, file := range files {
		switch {
		case examined[file.FileID]:
			progress.Content.Examined++
			blocks, err := s.db.ListChangedLines(ctx, changesetID, file.FileID)
			if err != nil {
				return nil, err
			}
			progress.Content.BlocksTotal += len(blocks)
			for _, b := range blocks {
				if b.Analysis == "" && b.DeleteCount > 0 && b.InsertCount > 0 {
					progress.Content.BlocksUnanalyzed++
				}
			}
		case fatalKeys[AnalyzeKey(changesetID, block)]:
			progress.Content.Errored++
		case pending[file.FileID]:
			progress.Content.Uncompared++
		default:
			progress.Content.Unexamined++
		}
	}
	progress.Content.Usable = progress.Usable()

	for _, file := range files {
		label := languageOf(file.Path)
		if label == "" {
			continue
		}
		languageID, err := s.db.LookupOrCreateLanguage(ctx, label)
		if err != nil {
			return nil, err
		}
		for _, sha := range []*models.SHA1{file.OldSHA1, file.NewSHA1} {
			if sha == nil {
				continue
			}
			hf, err := s.db.GetHighlightFile(ctx, cs.RepoID, *sha, languageID, false)
			if err != nil {
				if criterrors.IsKind(err, criterrors.KindNotFound) {
					continue
				}
				return nil, err
			}
			progress.Highlight.TotalVersions++
			if !hf.Highlighted {
				if fatalKeys[HighlightKey(changesetID, *sha, languageID)] {
					progress.Highlight.ErroredVersions++
				} else {
					progress.Highlight.UnfinishedVersions++
				}
			}
		}
	}

	progress.Errors, err = s.db.ListChangesetErrors(ctx, changesetID)
	if err != nil {
		return nil, err
	}
	return progress, nil
}
