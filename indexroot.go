package vfsindex

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// IndexRoot is an immutable snapshot of the file forest: the ordered list of
// root VirtualFiles plus four derived lookup tables. Every integration
// produces a fresh instance; old instances remain valid for readers that
// hold a reference to them (spec §4.3).
type IndexRoot struct {
	allFiles   []*VirtualFile
	byFullPath map[string]*VirtualFile
	byRootPath map[string]*VirtualFile
	byHash     map[string][]*VirtualFile
	byName     map[string][]*VirtualFile
}

// AllFiles returns the ordered list of root VirtualFiles.
func (ix *IndexRoot) AllFiles() []*VirtualFile { return ix.allFiles }

// ByFullPath looks up a node by its composed full path.
func (ix *IndexRoot) ByFullPath(fullPath string) (*VirtualFile, bool) {
	v, ok := ix.byFullPath[fullPath]
	return v, ok
}

// ByRootPath looks up a root node by its on-disk path.
func (ix *IndexRoot) ByRootPath(rootPath string) (*VirtualFile, bool) {
	v, ok := ix.byRootPath[rootPath]
	return v, ok
}

// ByHash returns every forest node sharing the given content hash.
func (ix *IndexRoot) ByHash(hash string) []*VirtualFile { return ix.byHash[hash] }

// ByName returns every forest node sharing the given basename.
func (ix *IndexRoot) ByName(name string) []*VirtualFile { return ix.byName[name] }

// emptyIndexRoot returns the IndexRoot for an empty forest.
func emptyIndexRoot() *IndexRoot {
	return &IndexRoot{
		byFullPath: map[string]*VirtualFile{},
		byRootPath: map[string]*VirtualFile{},
		byHash:     map[string][]*VirtualFile{},
		byName:     map[string][]*VirtualFile{},
	}
}

// Integrate merges newRoots into this IndexRoot's root list and returns a
// fresh IndexRoot. On a name collision between an existing root and a new
// one, the later entry (from newRoots, or the later of two newRoots) wins
// (spec §4.3 step 1). The four derived tables are recomputed together by a
// full pre-order traversal so they never drift from all_files.
func (ix *IndexRoot) Integrate(newRoots []*VirtualFile) *IndexRoot {
	merged := make([]*VirtualFile, 0, len(ix.allFiles)+len(newRoots))
	merged = append(merged, ix.allFiles...)
	merged = append(merged, newRoots...)

	byName := make(map[string]int, len(merged)) // name -> index of last occurrence
	order := make([]string, 0, len(merged))
	for i, f := range merged {
		if _, seen := byName[f.name]; !seen {
			order = append(order, f.name)
		}
		byName[f.name] = i
	}

	dedup := make([]*VirtualFile, 0, len(order))
	for _, name := range order {
		dedup = append(dedup, merged[byName[name]])
	}

	return buildIndexRoot(dedup)
}

// buildIndexRoot builds a fresh IndexRoot from a de-duplicated root list,
// traversing the forest in parallel across a bounded worker pool (spec §5).
func buildIndexRoot(roots []*VirtualFile) *IndexRoot {
	ix := &IndexRoot{
		allFiles:   roots,
		byFullPath: make(map[string]*VirtualFile),
		byRootPath: make(map[string]*VirtualFile),
		byHash:     make(map[string][]*VirtualFile),
		byName:     make(map[string][]*VirtualFile),
	}

	workers := runtime.GOMAXPROCS(0)
	if workers > len(roots) {
		workers = len(roots)
	}
	if workers < 1 {
		return ix
	}

	type partial struct {
		byFullPath map[string]*VirtualFile
		byRootPath map[string]*VirtualFile
		byHash     map[string][]*VirtualFile
		byName     map[string][]*VirtualFile
	}

	partials := make([]partial, workers)
	g, _ := errgroup.WithContext(context.Background())

	chunk := (len(roots) + workers - 1) / workers
	for w := 0; w < workers; w++ {
		w := w
		start := w * chunk
		end := start + chunk
		if start > len(roots) {
			start = len(roots)
		}
		if end > len(roots) {
			end = len(roots)
		}
		g.Go(func() error {
			p := partial{
				byFullPath: make(map[string]*VirtualFile),
				byRootPath: make(map[string]*VirtualFile),
				byHash:     make(map[string][]*VirtualFile),
				byName:     make(map[string][]*VirtualFile),
			}
			for _, root := range roots[start:end] {
				p.byRootPath[root.name] = root
				for _, node := range root.ThisAndAllChildren() {
					p.byFullPath[node.FullPath()] = node
					if hash, ok := node.Hash(); ok {
						p.byHash[hash] = append(p.byHash[hash], node)
					}
					base := node.name
					if idx := lastSlash(base); idx >= 0 {
						base = base[idx+1:]
					}
					p.byName[base] = append(p.byName[base], node)
				}
			}
			partials[w] = p
			return nil
		})
	}
	_ = g.Wait()

	for _, p := range partials {
		for k, v := range p.byFullPath {
			ix.byFullPath[k] = v
		}
		for k, v := range p.byRootPath {
			ix.byRootPath[k] = v
		}
		for k, vs := range p.byHash {
			ix.byHash[k] = append(ix.byHash[k], vs...)
		}
		for k, vs := range p.byName {
			ix.byName[k] = append(ix.byName[k], vs...)
		}
	}

	return ix
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' || s[i] == '\\' {
			return i
		}
	}
	return -1
}

// FileForArchiveHashPath resolves an archive hash path: segments[0] is a
// root archive's hash, each subsequent segment is a basename of the next
// child down. Fails with ErrLookupMissing if any segment has no match.
func (ix *IndexRoot) FileForArchiveHashPath(segments []string) (*VirtualFile, error) {
	if len(segments) == 0 {
		return nil, newErr(KindLookupMissing, "FileForArchiveHashPath", "", nil)
	}

	candidates := ix.byHash[segments[0]]
	var current *VirtualFile
	for _, c := range candidates {
		if c.parent == nil {
			current = c
			break
		}
	}
	if current == nil {
		return nil, newErr(KindLookupMissing, "FileForArchiveHashPath", segments[0], nil)
	}

	for _, seg := range segments[1:] {
		named := ix.byName[seg]
		var next *VirtualFile
		for _, c := range named {
			if c.parent == current {
				next = c
				break
			}
		}
		if next == nil {
			return nil, newErr(KindLookupMissing, "FileForArchiveHashPath", seg, nil)
		}
		current = next
	}

	return current, nil
}
