package vfsindex

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// fullPathDelimiter separates the root path from archive-internal names, and
// archive-internal names from each other, when composing FullPath. It must
// not collide with legitimate filesystem path separators.
const fullPathDelimiter = "|"

// VirtualFile is one node in the file forest: either a real file on disk
// (parent == nil) or a file produced by extracting a parent archive.
//
// Once Hash() returns a value it never changes (invariant 4). StagedPath is
// the only field that mutates after construction, and only while a Stager
// handle referencing this node is alive.
type VirtualFile struct {
	name     string
	parent   *VirtualFile
	children []*VirtualFile
	ctx      *Context

	hash    string
	hasHash bool
	size    int64

	lastModified    time.Time
	hasLastModified bool

	stageMu    sync.Mutex
	stagedPath string
}

// Name returns the node's name: an absolute path for a root, or the
// archive-internal path for a child.
func (v *VirtualFile) Name() string { return v.name }

// Parent returns the containing archive's VirtualFile, or nil for a root.
func (v *VirtualFile) Parent() *VirtualFile { return v.parent }

// Children returns the ordered child list. Non-empty only if this node is an archive.
func (v *VirtualFile) Children() []*VirtualFile { return v.children }

// IsArchive reports whether this node has any children.
func (v *VirtualFile) IsArchive() bool { return len(v.children) > 0 }

// Hash returns the node's content hash and whether one has been set.
func (v *VirtualFile) Hash() (string, bool) { return v.hash, v.hasHash }

// Size returns the logical size in bytes.
func (v *VirtualFile) Size() int64 { return v.size }

// LastModified returns the on-disk modification time. Only defined for roots.
func (v *VirtualFile) LastModified() (time.Time, bool) {
	return v.lastModified, v.hasLastModified
}

// Context returns the owning Context.
func (v *VirtualFile) Context() *Context { return v.ctx }

// StagedPath returns the on-disk path this node is currently materialized
// at, set only while a Stager handle covering this node is live.
func (v *VirtualFile) StagedPath() string {
	v.stageMu.Lock()
	defer v.stageMu.Unlock()
	return v.stagedPath
}

func (v *VirtualFile) setStagedPath(p string) {
	v.stageMu.Lock()
	v.stagedPath = p
	v.stageMu.Unlock()
}

func (v *VirtualFile) clearStagedPath() {
	v.setStagedPath("")
}

// NestingFactor is the number of ancestors; a root has nesting factor 0.
func (v *VirtualFile) NestingFactor() int {
	n := 0
	for p := v.parent; p != nil; p = p.parent {
		n++
	}
	return n
}

// FilesInFullPath returns the ancestor chain from the root down to this
// node, inclusive.
func (v *VirtualFile) FilesInFullPath() []*VirtualFile {
	chain := make([]*VirtualFile, 0, v.NestingFactor()+1)
	for n := v; n != nil; n = n.parent {
		chain = append(chain, n)
	}
	// reverse into root->leaf order
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// FullPath composes a path from the ancestor chain: the root path, then
// archive-internal names joined by fullPathDelimiter.
func (v *VirtualFile) FullPath() string {
	chain := v.FilesInFullPath()
	full := chain[0].name
	for _, n := range chain[1:] {
		full += fullPathDelimiter + n.name
	}
	return full
}

// ThisAndAllChildren returns the pre-order traversal of the subtree rooted
// at this node, including this node itself.
func (v *VirtualFile) ThisAndAllChildren() []*VirtualFile {
	out := make([]*VirtualFile, 0, 1+len(v.children))
	var walk func(n *VirtualFile)
	walk = func(n *VirtualFile) {
		out = append(out, n)
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(v)
	return out
}

// Analyze converts a disk path into a VirtualFile: it hashes the content,
// probes for archive-ness, and — if the file is a descendable container —
// extracts it into a scratch directory and recursively analyzes every
// extracted file with this node as parent. The scratch directory is removed
// before Analyze returns, regardless of outcome (spec §4.1).
func Analyze(ctx *Context, parent *VirtualFile, onDiskPath, logicalName string) (*VirtualFile, error) {
	f, err := os.Open(onDiskPath)
	if err != nil {
		return nil, newErr(KindIoError, "Analyze", onDiskPath, err)
	}

	info, statErr := f.Stat()
	if statErr != nil {
		f.Close()
		return nil, newErr(KindIoError, "Analyze", onDiskPath, statErr)
	}

	hash, err := ctx.hashFileMemoized(onDiskPath, info, f)
	f.Close()
	if err != nil {
		return nil, newErr(KindHashFailed, "Analyze", onDiskPath, err)
	}

	node := &VirtualFile{
		name:    logicalName,
		parent:  parent,
		ctx:     ctx,
		hash:    hash,
		hasHash: true,
		size:    info.Size(),
	}
	if parent == nil {
		node.lastModified = info.ModTime()
		node.hasLastModified = true
	}

	if !ctx.archiveDetector.IsArchive(onDiskPath) {
		return node, nil
	}

	scratchDir, err := ctx.newScratchDir("analyze")
	if err != nil {
		ctx.logger.Warn("failed to allocate scratch dir for analysis", zap.String("path", onDiskPath), zap.Error(err))
		return node, nil
	}
	defer os.RemoveAll(scratchDir)

	if err := ctx.archiveExtractor.Extract(onDiskPath, scratchDir); err != nil {
		ctx.logger.Debug("extraction failed, treating as leaf", zap.String("path", onDiskPath), zap.Error(err))
		ctx.metrics.extractFailures.Inc()
		return node, nil
	}
	ctx.metrics.archivesDescended.Inc()

	var childPaths []string
	walkErr := filepath.WalkDir(scratchDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		childPaths = append(childPaths, p)
		return nil
	})
	if walkErr != nil {
		ctx.logger.Warn("failed to enumerate extracted archive", zap.String("path", onDiskPath), zap.Error(walkErr))
		return node, nil
	}

	for _, cp := range childPaths {
		rel, relErr := filepath.Rel(scratchDir, cp)
		if relErr != nil {
			continue
		}
		rel = filepath.ToSlash(rel)
		child, err := Analyze(ctx, node, cp, rel)
		if err != nil {
			return nil, err
		}
		node.children = append(node.children, child)
	}

	return node, nil
}

// CreateFromPortable constructs a node from a PortableFile record. If the
// record's hash has entries in byParentHash, the node is an archive and each
// entry is recursively materialized as a child (spec §4.1).
func CreateFromPortable(ctx *Context, byParentHash map[string][]*PortableFile, linkMap map[string]string, record *PortableFile) *VirtualFile {
	name := record.Name
	if record.ParentHash == rootSentinel {
		if linked, ok := linkMap[record.Hash]; ok {
			name = linked
		}
	}

	node := &VirtualFile{
		name:    name,
		ctx:     ctx,
		hash:    record.Hash,
		hasHash: record.Hash != "",
		size:    record.Size,
	}

	for _, childRecord := range byParentHash[record.Hash] {
		child := CreateFromPortable(ctx, byParentHash, linkMap, childRecord)
		child.parent = node
		node.children = append(node.children, child)
	}

	return node
}
