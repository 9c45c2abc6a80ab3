package vfsindex

// KnownFile is a backfill hint: a list of path components (ordered
// root->leaf) paired with the leaf's content hash. It lets the index learn
// about archive contents attested externally, without running extraction.
type KnownFile struct {
	PathParts []string
	Hash      string
}

// PortableFile is the serialization-only record used to exchange forest
// state across machines (spec §3). Parent is identified by hash rather than
// by pointer so the record is self-contained.
type PortableFile struct {
	Name       string // basename if ParentHash != "", "" if this is a root
	Hash       string
	ParentHash string // "" (sentinel) marks a root
	Size       int64
}

// rootSentinel is the ParentHash value marking a root PortableFile,
// matching spec §4.4's "absent/null treated as the sentinel ''".
const rootSentinel = ""
