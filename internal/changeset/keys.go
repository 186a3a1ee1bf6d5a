package changeset

import (
	"encoding/json"
	"fmt"

	"github.com/critic-scm/critic/internal/models"
)

// Job names carried as the first element of a JSON-array job key. The key
// doubles as the queue's dedupe key, so encoding must be canonical: encode
// with encodeKey only.
const (
	JobComputeStructure    = "ComputeChangesetStructure"
	JobAnalyzeChangedLines = "AnalyzeChangedLines"
	JobSyntaxHighlightFile = "SyntaxHighlightFile"
)

func encodeKey(parts ...any) string {
	data, err := json.Marshal(parts)
	if err != nil {
		// Parts are strings and integers only.
		panic(fmt.Sprintf("encode job key: %v", err))
	}
	return string(data)
}

// StructureKey is the job key for computing a changeset's structural diff.
func StructureKey(changesetID int64) string {
	return encodeKey(JobComputeStructure, changesetID)
}

// AnalyzeKey is the job key for the content comparison of one file of a
// changeset. The block index is the file's position in the changeset's
// path-ordered file list.
func AnalyzeKey(changesetID int64, block int) string {
	return encodeKey(JobAnalyzeChangedLines, changesetID, block)
}

// HighlightKey is the job key for highlighting one file version.
func HighlightKey(changesetID int64, sha1 models.SHA1, languageID int64) string {
	return encodeKey(JobSyntaxHighlightFile, changesetID, string(sha1), languageID)
}

// JobKey is a decoded job key.
type JobKey struct {
	Name        string
	ChangesetID int64
	Block       int           // AnalyzeChangedLines
	SHA1        models.SHA1   // SyntaxHighlightFile
	LanguageID  int64         // SyntaxHighlightFile
}

// DecodeKey parses a job key back into its parts.
func DecodeKey(key string) (JobKey, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(key), &raw); err != nil {
		return JobKey{}, fmt.Errorf("decode job key %q: %w", key, err)
	}
	if len(raw) < 2 {
		return JobKey{}, fmt.Errorf("decode job key %q: too few elements", key)
	}
	var decoded JobKey
	if err := json.Unmarshal(raw[0], &decoded.Name); err != nil {
		return JobKey{}, fmt.Errorf("decode job key %q: %w", key, err)
	}
	if err := json.Unmarshal(raw[1], &decoded.ChangesetID); err != nil {
		return JobKey{}, fmt.Errorf("decode job key %q: %w", key, err)
	}
	switch decoded.Name {
	case JobComputeStructure:
		if len(raw) != 2 {
			return JobKey{}, fmt.Errorf("decode job key %q: want 2 elements", key)
		}
	case JobAnalyzeChangedLines:
		if len(raw) != 3 {
			return JobKey{}, fmt.Errorf("decode job key %q: want 3 elements", key)
		}
		if err := json.Unmarshal(raw[2], &decoded.Block); err != nil {
			return JobKey{}, fmt.Errorf("decode job key %q: %w", key, err)
		}
	case JobSyntaxHighlightFile:
		if len(raw) != 4 {
			return JobKey{}, fmt.Errorf("decode job key %q: want 4 elements", key)
		}
		var sha string
		if err := json.Unmarshal(raw[2], &sha); err != nil {
			return JobKey{}, fmt.Errorf("decode job key %q: %w", key, err)
		}
		decoded.SHA1 = models.SHA1(sha)
		if err := json.Unmarshal(raw[3], &decoded.LanguageID); err != nil {
			return JobKey{}, fmt.Errorf("decode job key %q: %w", key, err)
		}
	default:
		return JobKey{}, fmt.Errorf("decode job key %q: unknown job %q", key, decoded.Name)
	}
	return decoded, nil
}
