package changeset

import (
	"context"
	"fmt"

	"github.com/critic-scm/critic/internal/criterrors"
	"github.com/critic-scm/critic/internal/diff"
	"github.com/critic-scm/critic/internal/gitaccess"
	"github.com/critic-scm/critic/internal/models"
)

// Run executes the job identified by key. Called by the worker pipeline; all
// processors are idempotent so a retried job never corrupts state.
func (s *Store) Run(ctx context.Context, key string) error {
	decoded, err := DecodeKey(key)
	if err != nil {
		return err
	}
	switch decoded.Name {
	case JobComputeStructure:
		return s.computeStructure(ctx, decoded.ChangesetID)
	case JobAnalyzeChangedLines:
		return s.analyzeBlock(ctx, decoded.ChangesetID, decoded.Block)
	case JobSyntaxHighlightFile:
		return s.highlightFile(ctx, decoded.ChangesetID, decoded.SHA1, decoded.LanguageID)
	}
	return criterrors.InvalidInput("unknown job", decoded.Name)
}

func (s *Store) computeStructure(ctx context.Context, changesetID int64) error {
	cs, err := s.db.GetChangesetByID(ctx, changesetID)
	if err != nil {
		return err
	}
	if cs.Completed[models.LevelStructure] {
		return nil
	}
	git, err := s.openRepository(ctx, cs.RepoID)
	if err != nil {
		return err
	}

	var oldTree models.SHA1
	if cs.FromSHA1 != "" {
		from, err := git.FetchCommit(ctx, cs.FromSHA1)
		if err != nil {
			return fmt.Errorf("fetch from commit: %w", err)
		}
		oldTree = from.Tree
	}
	to, err := git.FetchCommit(ctx, cs.ToSHA1)
	if err != nil {
		return fmt.Errorf("fetch to commit: %w", err)
	}

	entries, err := diff.NewTreeDiffer(git).Compare(ctx, oldTree, to.Tree, nil)
	if err != nil {
		return fmt.Errorf("compare trees %s..%s: %w", oldTree, to.Tree, err)
	}

	files := make([]models.ChangesetFile, 0, len(entries))
	for _, entry := range entries {
		fileID, err := s.db.LookupOrCreateFileID(ctx, entry.Path)
		if err != nil {
			return err
		}
		file := models.ChangesetFile{ChangesetID: changesetID, FileID: fileID, Path: entry.Path}
		if entry.Old != nil {
			mode := entry.Old.Mode
			sha := entry.Old.SHA1
			file.OldMode, file.OldSHA1 = &mode, &sha
		}
		if entry.New != nil {
			mode := entry.New.Mode
			sha := entry.New.SHA1
			file.NewMode, file.NewSHA1 = &mode, &sha
		}
		files = append(files, file)
	}
	if err := s.db.InsertChangesetFiles(ctx, files); err != nil {
		return err
	}
	if err := s.db.MarkChangesetCompleted(ctx, changesetID, models.LevelStructure); err != nil {
		return err
	}
	s.publish(ctx, Event{Action: "completed", ChangesetID: changesetID, RepoID: cs.RepoID, Level: models.LevelStructure})

	if len(files) == 0 {
		if err := s.db.MarkChangesetCompleted(ctx, changesetID, models.LevelChangedLines); err != nil {
			return err
		}
		s.publish(ctx, Event{Action: "completed", ChangesetID: changesetID, RepoID: cs.RepoID, Level: models.LevelChangedLines})
		return nil
	}
	for block := range files {
		job := &models.Job{ChangesetID: &changesetID, Key: AnalyzeKey(changesetID, block), MaxAttempts: 3}
		if err := s.db.EnqueueJob(ctx, job); err != nil {
			return fmt.Errorf("enqueue analyze job: %w", err)
		}
	}
	return nil
}

func (s *Store) analyzeBlock(ctx context.Context, changesetID int64, block int) error {
	cs, err := s.db.GetChangesetByID(ctx, changesetID)
	if err != nil {
		return err
	}
	files, err := s.db.ListChangesetFiles(ctx, changesetID)
	if err != nil {
		return err
	}
	if block < 0 || block >= len(files) {
		return criterrors.InvalidInput("block index out of range", fmt.Sprintf("%d", block))
	}
	file := files[block]
	if existing, err := s.db.GetFileDifference(ctx, changesetID, file.FileID); err == nil && existing.ComparisonDone {
		return s.finishContentIfDone(ctx, cs, files)
	}

	git, err := s.openRepository(ctx, cs.RepoID)
	if err != nil {
		return err
	}
	var oldData, newData []byte
	if file.OldSHA1 != nil {
		oldData, err = git.FetchObject(ctx, *file.OldSHA1, gitaccess.TypeBlob)
		if err != nil {
			return fmt.Errorf("fetch old blob %s: %w", *file.OldSHA1, err)
		}
	}
	if file.NewSHA1 != nil {
		newData, err = git.FetchObject(ctx, *file.NewSHA1, gitaccess.TypeBlob)
		if err != nil {
			return fmt.Errorf("fetch new blob %s: %w", *file.NewSHA1, err)
		}
	}

	cmp := diff.CompareContent(oldData, newData)
	difference := &models.FileDifference{
		ChangesetID:    changesetID,
		FileID:         file.FileID,
		ComparisonDone: true,
		IsBinary:       cmp.IsBinary,
		OldLength:      len(cmp.Old.Lines),
		NewLength:      len(cmp.New.Lines),
		OldLinebreak:   cmp.Old.Linebreak,
		NewLinebreak:   cmp.New.Linebreak,
	}
	if err := s.db.UpsertFileDifference(ctx, difference); err != nil {
		return err
	}

	blocks := make([]models.ChangedLines, 0, len(cmp.Blocks))
	for _, b := range cmp.Blocks {
		blocks = append(blocks, models.ChangedLines{
			ChangesetID:  changesetID,
			FileID:       file.FileID,
			Index:        b.Index,
			Offset:       b.Offset,
			DeleteCount:  b.DeleteCount(),
			DeleteLength: b.DeleteLength(),
			InsertCount:  b.InsertCount(),
			InsertLength: b.InsertLength(),
			Analysis:     b.Analysis,
		})
	}
	if err := s.db.InsertChangedLines(ctx, blocks); err != nil {
		return err
	}
	return s.finishContentIfDone(ctx, cs, files)
}

func (s *Store) finishContentIfDone(ctx context.Context, cs *models.Changeset, files []models.ChangesetFile) error {
	if cs.Completed[models.LevelChangedLines] {
		return nil
	}
	diffs, err := s.db.ListFileDifferences(ctx, cs.ID)
	if err != nil {
		return err
	}
	fatalKeys, err := s.fatalErrorKeys(ctx, cs.ID)
	if err != nil {
		return err
	}
	compared := make(map[int64]bool, len(diffs))
	for _, d := range diffs {
		if d.ComparisonDone {
			compared[d.FileID] = true
		}
	}
	// A file is settled once its comparison is stored or its analyze job
	// failed for good. Completion with errors still counts as completion.
	settled := 0
	for block, file := range files {
		if compared[file.FileID] || fatalKeys[AnalyzeKey(cs.ID, block)] {
			settled++
		}
	}
	if settled < len(files) {
		return nil
	}
	if err := s.db.MarkChangesetCompleted(ctx, cs.ID, models.LevelChangedLines); err != nil {
		return err
	}
	s.publish(ctx, Event{Action: "completed", ChangesetID: cs.ID, RepoID: cs.RepoID, Level: models.LevelChangedLines})
	return nil
}

func (s *Store) highlightFile(ctx context.Context, changesetID int64, sha1 models.SHA1, languageID int64) error {
	cs, err := s.db.GetChangesetByID(ctx, changesetID)
	if err != nil {
		return err
	}
	hf, err := s.db.GetHighlightFile(ctx, cs.RepoID, sha1, languageID, false)
	if err != nil {
		return err
	}
	if !hf.Highlighted {
		git, err := s.openRepository(ctx, cs.RepoID)
		if err != nil {
			return err
		}
		data, err := git.FetchObject(ctx, sha1, gitaccess.TypeBlob)
		if err != nil {
			return fmt.Errorf("fetch blob %s: %w", sha1, err)
		}
		if err := s.writeHighlight(cs.RepoID, sha1, languageID, data); err != nil {
			return err
		}
		if err := s.db.MarkHighlightFileDone(ctx, hf.ID); err != nil {
			return err
		}
	}
	return s.finishHighlightIfDone(ctx, cs)
}

func (s *Store) finishHighlightIfDone(ctx context.Context, cs *models.Changeset) error {
	if cs.Completed[models.LevelSyntaxHighlight] {
		return nil
	}
	progress, err := s.Report(ctx, cs.ID)
	if err != nil {
		return err
	}
	if progress.Highlight.UnfinishedVersions > 0 {
		return nil
	}
	if err := s.db.MarkChangesetCompleted(ctx, cs.ID, models.LevelSyntaxHighlight); err != nil {
		return err
	}
	s.publish(ctx, Event{Action: "completed", ChangesetID: cs.ID, RepoID: cs.RepoID, Level: models.LevelSyntaxHighlight})
	return nil
}
