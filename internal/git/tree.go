package git

import (
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/filemode"
)

// BuildTree writes nested tree objects for a flat map of path to blob hash
// and returns the root tree hash. An empty map yields the empty tree.
func (r *Repository) BuildTree(files map[string]string) (string, error) {
	root := newDirNode()
	for p, hash := range files {
		if err := root.insert(p, hash); err != nil {
			return "", err
		}
	}
	return r.writeDirNode(root)
}

type dirNode struct {
	children map[string]*dirNode
	blobHash string // if set, this is a file
}

func newDirNode() *dirNode {
	return &dirNode{children: make(map[string]*dirNode)}
}

func (d *dirNode) insert(pathStr string, hash string) error {
	parts := strings.Split(pathStr, "/")
	current := d
	for i, part := range parts {
		if part == "" {
			return fmt.Errorf("invalid tree path %q", pathStr)
		}

		child, exists := current.children[part]
		if i == len(parts)-1 {
			if exists && child.blobHash == "" {
				return fmt.Errorf("path %q is both a file and a directory", pathStr)
			}
			current.children[part] = &dirNode{blobHash: hash}
			return nil
		}

		if !exists {
			child = newDirNode()
			current.children[part] = child
		} else if child.blobHash != "" {
			return fmt.Errorf("path %q is both a file and a directory", pathStr)
		}
		current = child
	}
	return nil
}

func (r *Repository) writeDirNode(d *dirNode) (string, error) {
	entries := make([]TreeEntry, 0, len(d.children))

	for name, node := range d.children {
		if node.blobHash != "" {
			entries = append(entries, TreeEntry{
				Name: name,
				Mode: filemode.Regular,
				Hash: node.blobHash,
			})
			continue
		}

		hash, err := r.writeDirNode(node)
		if err != nil {
			return "", err
		}
		entries = append(entries, TreeEntry{
			Name: name,
			Mode: filemode.Dir,
			Hash: hash,
		})
	}

	return r.WriteTree(entries)
}
