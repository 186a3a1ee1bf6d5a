package gitaccess

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/critic-scm/critic/internal/criterrors"
	"github.com/critic-scm/critic/internal/models"
)

// TreeEntry is one row of ls-tree output.
type TreeEntry struct {
	Mode int
	Type ObjectType
	SHA1 models.SHA1
	Size int64 // -1 for trees, set only with long format
	Name string
}

func (e TreeEntry) IsDir() bool { return e.Type == TypeTree }

// LsTree lists the entries of a tree, optionally descending into path and
// optionally including object sizes.
func (r *Repository) LsTree(ctx context.Context, tree models.SHA1, path string, longFormat bool) ([]TreeEntry, error) {
	args := []string{"ls-tree"}
	if longFormat {
		args = append(args, "--long")
	}
	args = append(args, string(tree))
	if path != "" {
		args = append(args, "--", path)
	}
	out, err := r.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	var entries []TreeEntry
	for _, line := range strings.Split(string(out), "\n") {
		if line == "" {
			continue
		}
		entry, err := parseTreeLine(line, longFormat)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func parseTreeLine(line string, longFormat bool) (TreeEntry, error) {
	// <mode> SP <type> SP <sha1> [SP <size>] TAB <name>
	meta, name, ok := strings.Cut(line, "\t")
	if !ok {
		return TreeEntry{}, fmt.Errorf("malformed ls-tree line: %q", line)
	}
	fields := strings.Fields(meta)
	want := 3
	if longFormat {
		want = 4
	}
	if len(fields) < want {
		return TreeEntry{}, fmt.Errorf("malformed ls-tree line: %q", line)
	}
	mode, err := strconv.ParseInt(fields[0], 8, 32)
	if err != nil {
		return TreeEntry{}, fmt.Errorf("malformed tree entry mode %q: %w", fields[0], err)
	}
	entry := TreeEntry{
		Mode: int(mode),
		Type: ObjectType(fields[1]),
		SHA1: models.SHA1(fields[2]),
		Size: -1,
		Name: name,
	}
	if longFormat && fields[3] != "-" {
		if size, err := strconv.ParseInt(fields[3], 10, 64); err == nil {
			entry.Size = size
		}
	}
	return entry, nil
}

// FetchObject reads an object's raw content, verifying its type.
func (r *Repository) FetchObject(ctx context.Context, sha models.SHA1, wanted ObjectType) ([]byte, error) {
	out, err := r.run(ctx, "cat-file", string(wanted), string(sha))
	if err != nil {
		if isProcessFailure(err) {
			return nil, criterrors.NotFoundf("no %s object %s", wanted, sha.Short()).WithValue(string(sha))
		}
		return nil, err
	}
	return out, nil
}

// FetchCommit reads and parses a commit object.
func (r *Repository) FetchCommit(ctx context.Context, sha models.SHA1) (*models.Commit, error) {
	raw, err := r.FetchObject(ctx, sha, TypeCommit)
	if err != nil {
		return nil, err
	}
	return parseCommit(sha, raw)
}

func parseCommit(sha models.SHA1, raw []byte) (*models.Commit, error) {
	commit := &models.Commit{SHA1: sha}
	header, message, _ := strings.Cut(string(raw), "\n\n")
	commit.Message = message
	for _, line := range strings.Split(header, "\n") {
		key, value, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		switch key {
		case "tree":
			commit.Tree = models.SHA1(value)
		case "parent":
			commit.Parents = append(commit.Parents, models.SHA1(value))
		case "author":
			sig, err := parseSignature(value)
			if err != nil {
				return nil, fmt.Errorf("commit %s: %w", sha.Short(), err)
			}
			commit.Author = sig
		case "committer":
			sig, err := parseSignature(value)
			if err != nil {
				return nil, fmt.Errorf("commit %s: %w", sha.Short(), err)
			}
			commit.Committer = sig
		}
	}
	if commit.Tree == "" {
		return nil, fmt.Errorf("commit %s has no tree", sha.Short())
	}
	return commit, nil
}

func parseSignature(value string) (models.Signature, error) {
	// "Name <email> timestamp zone"
	open := strings.LastIndex(value, "<")
	close_ := strings.LastIndex(value, ">")
	if open < 0 || close_ < open {
		return models.Signature{}, fmt.Errorf("malformed signature: %q", value)
	}
	sig := models.Signature{
		Name:  strings.TrimSpace(value[:open]),
		Email: value[open+1 : close_],
	}
	rest := strings.Fields(value[close_+1:])
	if len(rest) >= 1 {
		unix, err := strconv.ParseInt(rest[0], 10, 64)
		if err != nil {
			return models.Signature{}, fmt.Errorf("malformed signature timestamp: %q", value)
		}
		sig.Time = time.Unix(unix, 0).UTC()
	}
	return sig, nil
}

// CommitTree writes a commit object for tree with the given parents and
// message. Author/committer overrides go through env ("GIT_AUTHOR_NAME"...).
func (r *Repository) CommitTree(ctx context.Context, tree models.SHA1, parents []models.SHA1, message string, env []string) (models.SHA1, error) {
	repo := r
	if len(env) > 0 {
		repo = r.WithEnv(env)
	}
	args := []string{"commit-tree", string(tree)}
	for _, parent := range parents {
		args = append(args, "-p", string(parent))
	}
	out, err := repo.runStdin(ctx, []byte(message), args...)
	if err != nil {
		return "", err
	}
	return models.SHA1(strings.TrimSpace(string(out))), nil
}
