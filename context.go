// Package vfsindex builds a content-addressed index over files on disk and
// the virtual files nested inside their archives, and stages virtual files
// back onto a concrete filesystem path on demand.
package vfsindex

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/maypok86/otter"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// hashCacheEntry memoizes a content hash against the (size, mtime) pair that
// justified it, so a rescan can validate the memo is still applicable.
type hashCacheEntry struct {
	size    int64
	modTime time.Time
	hash    string
}

// Context owns the current IndexRoot, the staging scratch root, and the
// known-file backfill list. It coordinates scan, stage, persist, and load
// (spec §4.4). Index reads take the shared read lock for the pointer load
// only, so reads are not lock-free; writes take the exclusive lock only
// around the final swap, matching the teacher's VFS.mutex discipline.
type Context struct {
	mu    sync.RWMutex
	index *IndexRoot

	scratchRoot string

	knownMu    sync.Mutex // AddKnown/BackfillMissing run on a single thread (spec §5)
	knownFiles []KnownFile

	hasher           Hasher
	archiveDetector  ArchiveDetector
	archiveExtractor ArchiveExtractor

	logger   *zap.Logger
	metrics  *indexMetrics
	registry *prometheus.Registry

	hashCache otter.Cache[string, hashCacheEntry]

	analyzer     *Analyzer
	analyzerOpts []AnalyzerOption
}

// ContextOption configures a Context at construction time.
type ContextOption func(*Context)

// WithHasher overrides the default xxhash-based Hasher.
func WithHasher(h Hasher) ContextOption { return func(c *Context) { c.hasher = h } }

// WithArchiveDetector overrides the default magic-byte ArchiveDetector.
func WithArchiveDetector(d ArchiveDetector) ContextOption {
	return func(c *Context) { c.archiveDetector = d }
}

// WithArchiveExtractor overrides the default zip ArchiveExtractor.
func WithArchiveExtractor(e ArchiveExtractor) ContextOption {
	return func(c *Context) { c.archiveExtractor = e }
}

// WithLogger sets a *zap.Logger. Defaults to zap.NewNop() if unset, matching
// the teacher's WithLogger(*log.Logger) option shape.
func WithLogger(logger *zap.Logger) ContextOption { return func(c *Context) { c.logger = logger } }

// WithAnalyzerOptions forwards AnalyzerOptions to the Analyzer this Context
// builds internally (analysis_parallelism, analysis_queue_depth).
func WithAnalyzerOptions(opts ...AnalyzerOption) ContextOption {
	return func(c *Context) { c.analyzerOpts = append(c.analyzerOpts, opts...) }
}

// NewContext creates a Context rooted at scratchRoot (default name
// "vfs_staging" if the caller passes one, per spec §6). scratchRoot is
// created if it doesn't already exist.
func NewContext(scratchRoot string, opts ...ContextOption) (*Context, error) {
	if err := os.MkdirAll(scratchRoot, 0o755); err != nil {
		return nil, newErr(KindIoError, "NewContext", scratchRoot, err)
	}

	cache, err := otter.MustBuilder[string, hashCacheEntry](16_384).Build()
	if err != nil {
		return nil, fmt.Errorf("build hash cache: %w", err)
	}

	metrics, registry := newIndexMetrics()

	c := &Context{
		index:            emptyIndexRoot(),
		scratchRoot:      scratchRoot,
		hasher:           NewXXHasher(),
		archiveDetector:  NewMagicArchiveDetector(),
		archiveExtractor: NewZipExtractor(),
		logger:           zap.NewNop(),
		metrics:          metrics,
		registry:         registry,
		hashCache:        cache,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.analyzer = NewAnalyzer(c, c.analyzerOpts...)

	return c, nil
}

// Index returns the current IndexRoot. Safe to call concurrently with AddRoot.
func (c *Context) Index() *IndexRoot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.index
}

// Registry exposes the Prometheus registry backing this Context's metrics.
func (c *Context) Registry() *prometheus.Registry { return c.registry }

func (c *Context) swapIndex(newIndex *IndexRoot) {
	c.mu.Lock()
	c.index = newIndex
	c.mu.Unlock()
}

// newScratchDir allocates a fresh, uniquely named subdirectory under the
// scratch root. Directories are never reused across invocations (spec §6).
func (c *Context) newScratchDir(prefix string) (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	dir := filepath.Join(c.scratchRoot, prefix+"-"+hex.EncodeToString(raw[:]))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// hashStream runs the configured Hasher over r, tracking bytes hashed.
func (c *Context) hashStream(r io.Reader) (string, error) {
	counter := &countingReader{r: r}
	hash, err := c.hasher.Hash(counter)
	if err != nil {
		return "", err
	}
	c.metrics.bytesHashed.Add(float64(counter.n))
	c.metrics.filesAnalyzed.Inc()
	return hash, nil
}

// hashFileMemoized hashes r (the already-open file at path), reusing a
// cached hash if path's (size, mtime) still matches what produced it.
// Grounded on tinyrange-cc's content-addressed layer writer and otter's LRU
// cache, adapted to memoize Analyze's per-file hash computation across the
// bounded worker pool instead of recomputing for every concurrent analysis.
// Most useful for root-level paths; archive-internal paths live in a fresh
// scratch directory each call and so never hit.
func (c *Context) hashFileMemoized(path string, info fs.FileInfo, r io.Reader) (string, error) {
	if cached, ok := c.hashCache.Get(path); ok {
		if cached.size == info.Size() && cached.modTime.Equal(info.ModTime()) {
			c.metrics.hashCacheHits.Inc()
			return cached.hash, nil
		}
	}
	c.metrics.hashCacheMisses.Inc()

	hash, err := c.hashStream(r)
	if err != nil {
		return "", err
	}

	c.hashCache.Set(path, hashCacheEntry{size: info.Size(), modTime: info.ModTime(), hash: hash})
	return hash, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// AddRoot enumerates every file under root, reusing entries from the
// current Index whose (path, size, mtime) still match, analyzing the rest
// concurrently across a bounded worker pool, and integrating the result
// into a fresh IndexRoot under the Context lock (spec §4.2, §4.4).
func (c *Context) AddRoot(root string) error {
	if !filepath.IsAbs(root) {
		return newErr(KindNotAbsolutePath, "AddRoot", root, nil)
	}

	start := time.Now()
	defer func() { c.metrics.scanDuration.Observe(time.Since(start).Seconds()) }()

	current := c.Index()

	surviving := make(map[string]*VirtualFile, len(current.allFiles))
	for _, f := range current.allFiles {
		if _, err := os.Stat(f.name); err == nil {
			surviving[f.name] = f
		}
	}

	var toAnalyze []string
	reused := make([]*VirtualFile, 0, len(surviving))
	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		if stored, ok := surviving[p]; ok {
			info, statErr := d.Info()
			if statErr == nil {
				storedMod, hasMod := stored.LastModified()
				if hasMod && info.Size() == stored.Size() && info.ModTime().Equal(storedMod) {
					reused = append(reused, stored)
					return nil
				}
			}
		}
		toAnalyze = append(toAnalyze, p)
		return nil
	})
	if walkErr != nil {
		return newErr(KindIoError, "AddRoot", root, walkErr)
	}

	analyzed, err := c.analyzer.AnalyzeAll(toAnalyze)
	if err != nil {
		return err
	}

	newRoots := make([]*VirtualFile, 0, len(reused)+len(analyzed))
	newRoots = append(newRoots, reused...)
	newRoots = append(newRoots, analyzed...)

	newIndex := current.Integrate(newRoots)
	c.metrics.integrations.Inc()
	c.swapIndex(newIndex)

	c.logger.Info("scan complete",
		zap.String("root", root),
		zap.Int("reused", len(reused)),
		zap.Int("analyzed", len(analyzed)),
	)

	return nil
}

// WriteToFile serializes the current Index to a cache file at path (spec §6).
func (c *Context) WriteToFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return newErr(KindIoError, "WriteToFile", path, err)
	}
	defer f.Close()

	return writeCache(f, c.Index())
}

// IntegrateFromFile loads a cache file and integrates its roots into this
// Context's Index. On failure, Index is left unchanged (spec §7).
func (c *Context) IntegrateFromFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return newErr(KindIoError, "IntegrateFromFile", path, err)
	}
	defer f.Close()

	roots, err := readCache(c, f)
	if err != nil {
		return err
	}

	newIndex := c.Index().Integrate(roots)
	c.metrics.integrations.Inc()
	c.swapIndex(newIndex)
	return nil
}

// AddKnown appends records to the known-file backfill list. Rejects a batch
// containing a single-component (root) record whose hash differs from another
// root record for the same path, in this batch or an earlier one (spec §9
// open question). Multi-component records are never rejected.
func (c *Context) AddKnown(records []KnownFile) error {
	c.knownMu.Lock()
	defer c.knownMu.Unlock()

	// Only records that directly assert a root's own hash (a single path
	// component) participate in collision detection. Longer records assert
	// a leaf's hash, not the root's — distinct leaves under the same
	// archive legitimately carry distinct hashes.
	rootHash := make(map[string]string)
	for _, f := range c.knownFiles {
		if len(f.PathParts) == 1 {
			rootHash[f.PathParts[0]] = f.Hash
		}
	}
	for _, r := range records {
		if len(r.PathParts) != 1 {
			continue
		}
		root := r.PathParts[0]
		if existing, ok := rootHash[root]; ok && existing != r.Hash {
			return newErr(KindKnownFileCollision, "AddKnown", root, nil)
		}
		rootHash[root] = r.Hash
	}

	c.knownFiles = append(c.knownFiles, records...)
	return nil
}

// BackfillMissing reconstructs virtual parent->child relationships from the
// known-file list without extraction: every single-component record becomes
// a synthesized root; longer records walk/create children under it. Synthesized
// non-leaf nodes have no hash — they attest topology only, not content (spec §4.4, §9).
func (c *Context) BackfillMissing() error {
	c.knownMu.Lock()
	records := c.knownFiles
	c.knownFiles = nil
	c.knownMu.Unlock()

	roots := make(map[string]*VirtualFile)
	order := []string{}

	rootOf := func(first string) *VirtualFile {
		if r, ok := roots[first]; ok {
			return r
		}
		r := &VirtualFile{name: first, ctx: c}
		roots[first] = r
		order = append(order, first)
		return r
	}

	for _, rec := range records {
		if len(rec.PathParts) == 0 {
			continue
		}
		root := rootOf(rec.PathParts[0])
		if len(rec.PathParts) == 1 {
			root.hash = rec.Hash
			root.hasHash = rec.Hash != ""
			continue
		}

		current := root
		for _, part := range rec.PathParts[1 : len(rec.PathParts)-1] {
			current = findOrCreateChild(current, part, "")
		}
		leafName := rec.PathParts[len(rec.PathParts)-1]
		leaf := findOrCreateChild(current, leafName, rec.Hash)
		leaf.hash = rec.Hash
		leaf.hasHash = rec.Hash != ""
	}

	synthesized := make([]*VirtualFile, 0, len(order))
	for _, name := range order {
		synthesized = append(synthesized, roots[name])
	}

	newIndex := c.Index().Integrate(synthesized)
	c.metrics.integrations.Inc()
	c.swapIndex(newIndex)
	return nil
}

func findOrCreateChild(parent *VirtualFile, name, hash string) *VirtualFile {
	for _, c := range parent.children {
		if c.name == name {
			return c
		}
	}
	child := &VirtualFile{name: name, parent: parent, ctx: parent.ctx, hash: hash, hasHash: hash != ""}
	parent.children = append(parent.children, child)
	return child
}

// GetPortableState flattens the ancestor chain of each input file into
// PortableFile records: Name is the basename for non-roots, and "" for
// roots (whose real path is local and not portable) (spec §4.4).
func (c *Context) GetPortableState(files []*VirtualFile) []PortableFile {
	seen := make(map[*VirtualFile]bool)
	var out []PortableFile

	for _, f := range files {
		for _, node := range f.FilesInFullPath() {
			if seen[node] {
				continue
			}
			seen[node] = true

			name := ""
			parentHash := rootSentinel
			if node.parent != nil {
				parentHash, _ = node.parent.Hash()
				name = node.name
				if idx := lastSlash(name); idx >= 0 {
					name = name[idx+1:]
				}
			}

			hash, _ := node.Hash()
			out = append(out, PortableFile{
				Name:       name,
				Hash:       hash,
				ParentHash: parentHash,
				Size:       node.size,
			})
		}
	}
	return out
}

// IntegrateFromPortable groups state by ParentHash, reconstructs every root
// tree (records whose ParentHash is the sentinel), resolving children by
// hash, and integrates the resulting roots (spec §4.4).
func (c *Context) IntegrateFromPortable(state []PortableFile, linkMap map[string]string) error {
	byParentHash := make(map[string][]*PortableFile)
	var rootRecords []*PortableFile

	for i := range state {
		rec := &state[i]
		if rec.ParentHash == rootSentinel {
			rootRecords = append(rootRecords, rec)
		} else {
			byParentHash[rec.ParentHash] = append(byParentHash[rec.ParentHash], rec)
		}
	}

	roots := make([]*VirtualFile, 0, len(rootRecords))
	for _, rec := range rootRecords {
		roots = append(roots, CreateFromPortable(c, byParentHash, linkMap, rec))
	}

	newIndex := c.Index().Integrate(roots)
	c.metrics.integrations.Inc()
	c.swapIndex(newIndex)
	return nil
}
