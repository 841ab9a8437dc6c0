package git

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/revlist"
)

// WriteBlob stores content as a blob and returns its hash.
func (r *Repository) WriteBlob(content []byte) (string, error) {
	obj := r.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(content)))

	writer, err := obj.Writer()
	if err != nil {
		return "", fmt.Errorf("failed to create object writer: %w", err)
	}

	if _, err := writer.Write(content); err != nil {
		writer.Close()
		return "", fmt.Errorf("failed to write blob content: %w", err)
	}
	writer.Close()

	hash, err := r.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return "", fmt.Errorf("failed to store blob: %w", err)
	}

	return hash.String(), nil
}

// GetBlob returns the content of a blob.
func (r *Repository) GetBlob(hash string) ([]byte, error) {
	blob, err := r.repo.BlobObject(plumbing.NewHash(hash))
	if err != nil {
		return nil, fmt.Errorf("failed to find blob %s: %w", hash, err)
	}

	reader, err := blob.Reader()
	if err != nil {
		return nil, fmt.Errorf("failed to open blob reader: %w", err)
	}
	defer reader.Close()

	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, reader); err != nil {
		return nil, fmt.Errorf("failed to read blob content: %w", err)
	}

	return buf.Bytes(), nil
}

// HasCommit reports whether the commit object is present in the local object database.
func (r *Repository) HasCommit(hash string) bool {
	if hash == "" {
		return false
	}
	_, err := r.repo.CommitObject(plumbing.NewHash(hash))
	return err == nil
}

// TreeEntry is one file or subtree of a tree object.
type TreeEntry struct {
	Name string
	Mode filemode.FileMode
	Hash string
}

// WriteTree stores a single tree object and returns its hash. Entries may be
// passed in any order.
func (r *Repository) WriteTree(entries []TreeEntry) (string, error) {
	treeEntries := make([]object.TreeEntry, 0, len(entries))
	for _, e := range entries {
		mode := e.Mode
		if mode == filemode.Empty {
			mode = filemode.Regular
		}
		treeEntries = append(treeEntries, object.TreeEntry{Name: e.Name, Mode: mode, Hash: plumbing.NewHash(e.Hash)})
	}

	// git compares directory names as if they had a trailing slash
	sortName := func(e object.TreeEntry) string {
		if e.Mode == filemode.Dir {
			return e.Name + "/"
		}
		return e.Name
	}
	sort.Slice(treeEntries, func(i, j int) bool {
		return sortName(treeEntries[i]) < sortName(treeEntries[j])
	})

	tree := object.Tree{
		Entries: treeEntries,
	}

	obj := r.repo.Storer.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return "", fmt.Errorf("failed to encode tree: %w", err)
	}

	hash, err := r.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return "", fmt.Errorf("failed to store tree: %w", err)
	}

	return hash.String(), nil
}

// Signature identifies the author or committer of a commit.
type Signature struct {
	Name  string
	Email string
}

// CommitTree creates a commit object pointing to a tree and its parents.
// The committer is the author unless committer is non-empty.
func (r *Repository) CommitTree(treeHash string, parents []string, message string, author, committer Signature) (string, error) {
	parentHashes := make([]plumbing.Hash, 0, len(parents))
	for _, p := range parents {
		if p != "" {
			parentHashes = append(parentHashes, plumbing.NewHash(p))
		}
	}

	if committer.Name == "" {
		committer = author
	}

	now := time.Now()
	commit := object.Commit{
		Author: object.Signature{
			Name:  author.Name,
			Email: author.Email,
			When:  now,
		},
		Committer: object.Signature{
			Name:  committer.Name,
			Email: committer.Email,
			When:  now,
		},
		Message:      message,
		TreeHash:     plumbing.NewHash(treeHash),
		ParentHashes: parentHashes,
	}

	obj := r.repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return "", fmt.Errorf("failed to encode commit: %w", err)
	}

	hash, err := r.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return "", fmt.Errorf("failed to store commit: %w", err)
	}

	return hash.String(), nil
}

// UpdateRef updates a git reference to point to a specific commit hash.
// If oldHash is provided, it performs a compare-and-swap (optimistic locking).
// Pass "" as oldHash to force update.
func (r *Repository) UpdateRef(refName, newHash, oldHash string) error {
	ref := plumbing.ReferenceName(refName)
	newRef := plumbing.NewHashReference(ref, plumbing.NewHash(newHash))

	if oldHash == "" {
		return r.repo.Storer.SetReference(newRef)
	}

	return r.repo.Storer.CheckAndSetReference(newRef, plumbing.NewHashReference(ref, plumbing.NewHash(oldHash)))
}

// RemoveRef deletes a reference. Removing a missing reference is not an error.
func (r *Repository) RemoveRef(refName string) error {
	return r.repo.Storer.RemoveReference(plumbing.ReferenceName(refName))
}

// GetRef returns the current hash of a reference, or "" if it does not exist.
func (r *Repository) GetRef(refName string) (string, error) {
	ref, err := r.repo.Reference(plumbing.ReferenceName(refName), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", nil
	} else if err != nil {
		return "", err
	}
	return ref.Hash().String(), nil
}

// ResolveRevision resolves a revision (like "HEAD", "branchname") to a hash.
func (r *Repository) ResolveRevision(revision string) (string, error) {
	h, err := r.repo.ResolveRevision(plumbing.Revision(revision))
	if err != nil {
		return "", err
	}
	return h.String(), nil
}

// TreeOfCommit returns the root tree hash of a commit, or "" for an empty commit hash.
func (r *Repository) TreeOfCommit(commitHash string) (string, error) {
	if commitHash == "" {
		return "", nil
	}

	commit, err := r.repo.CommitObject(plumbing.NewHash(commitHash))
	if err != nil {
		return "", fmt.Errorf("failed to find commit %s: %w", commitHash, err)
	}

	return commit.TreeHash.String(), nil
}

// Tree loads a tree object. An empty hash yields a nil tree, which diffs as empty.
func (r *Repository) Tree(treeHash string) (*object.Tree, error) {
	if treeHash == "" {
		return nil, nil
	}

	tree, err := r.repo.TreeObject(plumbing.NewHash(treeHash))
	if err != nil {
		return nil, fmt.Errorf("failed to find tree %s: %w", treeHash, err)
	}

	return tree, nil
}

// ListFiles returns every file of a tree keyed by slash separated path with its blob hash.
func (r *Repository) ListFiles(treeHash string) (map[string]string, error) {
	files := map[string]string{}

	tree, err := r.Tree(treeHash)
	if err != nil || tree == nil {
		return files, err
	}

	iter := tree.Files()
	defer iter.Close()

	err = iter.ForEach(func(f *object.File) error {
		files[f.Name] = f.Hash.String()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk tree %s: %w", treeHash, err)
	}

	return files, nil
}

// CopyObjects copies every object reachable from commit in src into r.
// Objects r already has are skipped.
func (r *Repository) CopyObjects(src *Repository, commit string) error {
	hashes, err := revlist.Objects(src.repo.Storer, []plumbing.Hash{plumbing.NewHash(commit)}, nil)
	if err != nil {
		return fmt.Errorf("git: list objects of %s: %w", commit, err)
	}

	for _, h := range hashes {
		if r.repo.Storer.HasEncodedObject(h) == nil {
			continue
		}
		obj, err := src.repo.Storer.EncodedObject(plumbing.AnyObject, h)
		if err != nil {
			return fmt.Errorf("git: read object %s: %w", h, err)
		}
		if _, err := r.repo.Storer.SetEncodedObject(obj); err != nil {
			return fmt.Errorf("git: write object %s: %w", h, err)
		}
	}

	return nil
}
