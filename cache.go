package vfsindex

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"

	"golang.org/x/sync/errgroup"
)

func unixNano(nanos int64) time.Time {
	return time.Unix(0, nanos)
}

// cacheMagic is the literal 18-byte signature every cache file must begin
// with. Grounded on go-git's plumbing/format/index signature constants
// (indexSignature = []byte{'D','I','R','C'}) — a fixed byte string compared
// literally, never against itself (spec §9 open question).
var cacheMagic = []byte("WABBAJACK VFS FILE")

// cacheVersion is the only version this codec writes or accepts.
const cacheVersion uint64 = 2

// writeCache serializes every root in index to w in the format spec §6
// mandates: magic, version, file count, then length-prefixed records, one
// per root, each a recursively encoded VirtualFile subtree. Grounded on
// tinyrange-cc's ArchiveWriter.WriteEntry (index entry + length-prefixed
// payload, hashing while writing is not needed here since the hash is
// already part of the node).
func writeCache(w io.Writer, index *IndexRoot) error {
	if _, err := w.Write(cacheMagic); err != nil {
		return newErr(KindIoError, "writeCache", "", err)
	}
	if err := writeUint64(w, cacheVersion); err != nil {
		return newErr(KindIoError, "writeCache", "", err)
	}
	if err := writeUint64(w, uint64(len(index.allFiles))); err != nil {
		return newErr(KindIoError, "writeCache", "", err)
	}

	for _, root := range index.allFiles {
		var buf bytes.Buffer
		if err := encodeNode(&buf, root); err != nil {
			return newErr(KindIoError, "writeCache", root.name, err)
		}
		if err := writeUint64(w, uint64(buf.Len())); err != nil {
			return newErr(KindIoError, "writeCache", root.name, err)
		}
		if _, err := w.Write(buf.Bytes()); err != nil {
			return newErr(KindIoError, "writeCache", root.name, err)
		}
	}

	return nil
}

// encodeNode writes one VirtualFile record: name, hash presence + hash,
// size, last-modified presence + unix nanos, then a child-count prefix
// followed by every child encoded inline by the same function.
func encodeNode(buf *bytes.Buffer, v *VirtualFile) error {
	if err := writeString(buf, v.name); err != nil {
		return err
	}
	if err := writeBool(buf, v.hasHash); err != nil {
		return err
	}
	if v.hasHash {
		if err := writeString(buf, v.hash); err != nil {
			return err
		}
	}
	if err := writeUint64(buf, uint64(v.size)); err != nil {
		return err
	}
	if err := writeBool(buf, v.hasLastModified); err != nil {
		return err
	}
	if v.hasLastModified {
		if err := writeUint64(buf, uint64(v.lastModified.UnixNano())); err != nil {
			return err
		}
	}
	if err := writeUint64(buf, uint64(len(v.children))); err != nil {
		return err
	}
	for _, child := range v.children {
		if err := encodeNode(buf, child); err != nil {
			return err
		}
	}
	return nil
}

// readCache validates the header and decodes every record into a root
// VirtualFile, bound to ctx. Records are decoded across a bounded worker
// pool (spec §4.6/§5) since their order does not matter to the caller.
func readCache(ctx *Context, r io.Reader) ([]*VirtualFile, error) {
	magic := make([]byte, len(cacheMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, newErr(KindBadCacheFormat, "readCache", "", err)
	}
	if !bytes.Equal(magic, cacheMagic) {
		return nil, newErr(KindBadCacheFormat, "readCache", "", nil)
	}

	version, err := readUint64(r)
	if err != nil {
		return nil, newErr(KindBadCacheFormat, "readCache", "", err)
	}
	if version != cacheVersion {
		return nil, newErr(KindBadCacheFormat, "readCache", "", nil)
	}

	count, err := readUint64(r)
	if err != nil {
		return nil, newErr(KindBadCacheFormat, "readCache", "", err)
	}

	payloads := make([][]byte, count)
	for i := uint64(0); i < count; i++ {
		length, err := readUint64(r)
		if err != nil {
			return nil, newErr(KindBadCacheFormat, "readCache", "", err)
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, newErr(KindBadCacheFormat, "readCache", "", err)
		}
		payloads[i] = payload
	}

	roots := make([]*VirtualFile, count)
	g := new(errgroup.Group)
	g.SetLimit(8)
	for i := range payloads {
		i := i
		g.Go(func() error {
			buf := bytes.NewReader(payloads[i])
			node, err := decodeNode(ctx, nil, buf)
			if err != nil {
				return err
			}
			roots[i] = node
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return roots, nil
}

func decodeNode(ctx *Context, parent *VirtualFile, r *bytes.Reader) (*VirtualFile, error) {
	name, err := readString(r)
	if err != nil {
		return nil, newErr(KindBadCacheFormat, "decodeNode", "", err)
	}

	hasHash, err := readBool(r)
	if err != nil {
		return nil, newErr(KindBadCacheFormat, "decodeNode", name, err)
	}
	var hash string
	if hasHash {
		hash, err = readString(r)
		if err != nil {
			return nil, newErr(KindBadCacheFormat, "decodeNode", name, err)
		}
	}

	size, err := readUint64(r)
	if err != nil {
		return nil, newErr(KindBadCacheFormat, "decodeNode", name, err)
	}

	hasModified, err := readBool(r)
	if err != nil {
		return nil, newErr(KindBadCacheFormat, "decodeNode", name, err)
	}
	node := &VirtualFile{
		name:    name,
		parent:  parent,
		ctx:     ctx,
		hash:    hash,
		hasHash: hasHash,
		size:    int64(size),
	}
	if hasModified {
		nanos, err := readUint64(r)
		if err != nil {
			return nil, newErr(KindBadCacheFormat, "decodeNode", name, err)
		}
		node.lastModified = unixNano(int64(nanos))
		node.hasLastModified = true
	}

	childCount, err := readUint64(r)
	if err != nil {
		return nil, newErr(KindBadCacheFormat, "decodeNode", name, err)
	}
	node.children = make([]*VirtualFile, 0, childCount)
	for i := uint64(0); i < childCount; i++ {
		child, err := decodeNode(ctx, node, r)
		if err != nil {
			return nil, err
		}
		node.children = append(node.children, child)
	}

	return node, nil
}

func writeUint64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func writeBool(w io.Writer, v bool) error {
	b := byte(0)
	if v {
		b = 1
	}
	_, err := w.Write([]byte{b})
	return err
}

func readBool(r io.Reader) (bool, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

func writeString(w io.Writer, s string) error {
	if err := writeUint64(w, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	length, err := readUint64(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
