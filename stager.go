package vfsindex

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Stager materializes virtual files back onto disk by extracting their
// containing archives into scratch directories. Grounded on tinyrange-cc's
// fslayer.WriteLayer (scratch allocation + guaranteed cleanup via defer),
// adapted from a single temp file per layer to one scratch directory per
// distinct parent archive (spec §4.5).
type Stager struct {
	ctx *Context

	scratchMu sync.Mutex
	refCounts map[*VirtualFile]int // parent archive -> outstanding handles referencing it
	dirs      map[*VirtualFile]string
	groups    map[*VirtualFile][]*VirtualFile // parent archive -> nodes staged into its dir
}

// StagerOption configures a Stager at construction time. No tunables are
// defined yet; the type exists so future options (e.g. a dedicated staging
// scratch root distinct from the Analyzer's) slot in without an API break.
type StagerOption func(*Stager)

// NewStager creates a Stager bound to ctx.
func NewStager(ctx *Context, opts ...StagerOption) *Stager {
	s := &Stager{
		ctx:       ctx,
		refCounts: make(map[*VirtualFile]int),
		dirs:      make(map[*VirtualFile]string),
		groups:    make(map[*VirtualFile][]*VirtualFile),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StageHandle is a scoped reference to a set of materialized scratch
// directories. Release must be called exactly once; it is safe to call from
// any goroutine. While any handle referencing a given parent archive is
// still live, that archive's scratch directory stays on disk — only the
// last released handle referencing it deletes the directory and clears
// StagedPath on every node extracted into it (spec §9's refcounted
// extension of spec §4.5/§8's "no partial state leaks").
type StageHandle struct {
	stager  *Stager
	parents []*VirtualFile
	files   []*VirtualFile
}

// Release tears down every scratch directory this handle is the last
// reference to, and clears StagedPath on every node it staged.
func (h *StageHandle) Release() {
	h.stager.release(h.parents)
}

// Files returns every node this handle staged (leaf files and ancestors),
// each with StagedPath populated for as long as the handle is held.
func (h *StageHandle) Files() []*VirtualFile { return h.files }

// Stage expands the requested leaf files to their full ancestor chains,
// dedupes, drops roots (already on disk, no staging needed), groups the
// remainder by containing parent archive, and extracts each group's parent
// ascending by NestingFactor so a shallower archive is always available
// before a deeper one nested inside it is extracted (spec §4.5 invariant).
// On any extraction failure, everything already allocated in this call is
// torn down before the error is returned.
func (s *Stager) Stage(files []*VirtualFile) (*StageHandle, error) {
	needed := make(map[*VirtualFile]bool)
	var all []*VirtualFile
	for _, f := range files {
		for _, node := range f.FilesInFullPath() {
			if node.parent == nil {
				continue // roots live on disk already
			}
			if !needed[node] {
				needed[node] = true
				all = append(all, node)
			}
		}
	}

	groups := make(map[*VirtualFile][]*VirtualFile)
	var parents []*VirtualFile
	for _, node := range all {
		p := node.parent
		if _, seen := groups[p]; !seen {
			parents = append(parents, p)
		}
		groups[p] = append(groups[p], node)
	}

	sort.Slice(parents, func(i, j int) bool {
		return parents[i].NestingFactor() < parents[j].NestingFactor()
	})

	allocated := make([]*VirtualFile, 0, len(parents))
	for _, parent := range parents {
		if err := s.acquire(parent, groups[parent]); err != nil {
			s.release(allocated)
			return nil, err
		}
		allocated = append(allocated, parent)
	}

	return &StageHandle{stager: s, parents: parents, files: all}, nil
}

// acquire extracts parent's scratch directory if this is the first
// outstanding reference to it, otherwise it reuses the existing directory
// and increments the refcount. Either way, staged_path is set on every node
// in group.
func (s *Stager) acquire(parent *VirtualFile, group []*VirtualFile) error {
	s.scratchMu.Lock()

	dir, exists := s.dirs[parent]
	if !exists {
		s.scratchMu.Unlock()

		parentPath := parent.StagedPath()
		if parentPath == "" {
			// Parent is itself a root, living at its on-disk name directly.
			parentPath = parent.name
		}

		scratchDir, err := s.ctx.newScratchDir("stage")
		if err != nil {
			return newErr(KindIoError, "Stage", parent.name, err)
		}

		if err := s.ctx.archiveExtractor.Extract(parentPath, scratchDir); err != nil {
			os.RemoveAll(scratchDir)
			return newErr(KindExtractionFailed, "Stage", parentPath, err)
		}

		s.scratchMu.Lock()
		// Another goroutine may have raced us to extract the same parent
		// while we held no lock. Defer to whichever extraction landed
		// first and discard ours, so s.dirs never loses a directory that
		// release would then be unable to find and clean up.
		if existingDir, raced := s.dirs[parent]; raced {
			s.scratchMu.Unlock()
			os.RemoveAll(scratchDir)
			s.scratchMu.Lock()
			dir = existingDir
		} else {
			dir = scratchDir
			s.dirs[parent] = dir
		}
	}

	s.refCounts[parent]++
	s.groups[parent] = append(s.groups[parent], group...)
	s.scratchMu.Unlock()

	for _, node := range group {
		node.setStagedPath(filepath.Join(dir, filepath.FromSlash(node.name)))
	}

	s.ctx.metrics.stagings.Inc()
	return nil
}

// release decrements the refcount for every parent in parents, deleting the
// scratch directory and clearing StagedPath on its group once the refcount
// reaches zero.
func (s *Stager) release(parents []*VirtualFile) {
	s.scratchMu.Lock()
	var toDelete []string
	var toClear []*VirtualFile
	for _, parent := range parents {
		s.refCounts[parent]--
		if s.refCounts[parent] > 0 {
			continue
		}
		delete(s.refCounts, parent)
		if dir, ok := s.dirs[parent]; ok {
			toDelete = append(toDelete, dir)
			delete(s.dirs, parent)
		}
		toClear = append(toClear, s.groups[parent]...)
		delete(s.groups, parent)
	}
	s.scratchMu.Unlock()

	for _, node := range toClear {
		node.clearStagedPath()
	}
	for _, dir := range toDelete {
		os.RemoveAll(dir)
	}
}
