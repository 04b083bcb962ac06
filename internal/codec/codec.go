// Package codec implements the fixed, byte-exact binary wire format used to
// serialize messages between the server and its clients. The layout is not
// negotiated or self-describing: every argument type has one encoding, and
// both ends of a connection must agree on it ahead of time.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/cosmicboots/phoenix/pkg/constants"
)

// InvalidEncoding is returned whenever a byte slice cannot be decoded into
// the argument type it is claimed to hold: truncated input, an impossible
// length prefix, or a path that isn't valid UTF-8.
var InvalidEncoding = errors.New("codec: invalid encoding")

// HashSize is the width in bytes of every FileId.Hash and ChunkId value.
const HashSize = 32

// ChunkId identifies a chunk's contents by hash.
type ChunkId [HashSize]byte

func (c ChunkId) String() string {
	return fmt.Sprintf("%x", c[:])
}

// FileId identifies a file by its path relative to the watched root and the
// hash of its full contents.
type FileId struct {
	Path string
	Hash [HashSize]byte
}

func (f FileId) Encode() []byte {
	buf := make([]byte, len(f.Path)+HashSize)
	copy(buf, f.Path)
	copy(buf[len(f.Path):], f.Hash[:])
	return buf
}

func DecodeFileId(data []byte) (FileId, error) {
	if len(data) < HashSize {
		return FileId{}, fmt.Errorf("%w: file id shorter than hash", InvalidEncoding)
	}
	pathLen := len(data) - HashSize
	if !utf8.Valid(data[:pathLen]) {
		return FileId{}, fmt.Errorf("%w: path is not valid UTF-8", InvalidEncoding)
	}
	var f FileId
	f.Path = string(data[:pathLen])
	copy(f.Hash[:], data[pathLen:])
	return f, nil
}

// QualifiedChunkId locates a specific chunk within a specific file.
type QualifiedChunkId struct {
	Path   FileId
	Offset uint32
	Id     ChunkId
}

func (q QualifiedChunkId) Encode() []byte {
	pathBytes := q.Path.Encode()
	buf := make([]byte, 4+len(pathBytes)+4+HashSize)
	off := 0
	binary.BigEndian.PutUint32(buf[off:], uint32(len(pathBytes)))
	off += 4
	copy(buf[off:], pathBytes)
	off += len(pathBytes)
	binary.BigEndian.PutUint32(buf[off:], q.Offset)
	off += 4
	copy(buf[off:], q.Id[:])
	return buf
}

func DecodeQualifiedChunkId(data []byte) (QualifiedChunkId, int, error) {
	if len(data) < 4 {
		return QualifiedChunkId{}, 0, fmt.Errorf("%w: truncated qualified chunk id", InvalidEncoding)
	}
	pathLen := int(binary.BigEndian.Uint32(data))
	off := 4
	if len(data) < off+pathLen+4+HashSize {
		return QualifiedChunkId{}, 0, fmt.Errorf("%w: truncated qualified chunk id", InvalidEncoding)
	}
	fid, err := DecodeFileId(data[off : off+pathLen])
	if err != nil {
		return QualifiedChunkId{}, 0, err
	}
	off += pathLen
	offset := binary.BigEndian.Uint32(data[off:])
	off += 4
	var id ChunkId
	copy(id[:], data[off:off+HashSize])
	off += HashSize
	return QualifiedChunkId{Path: fid, Offset: offset, Id: id}, off, nil
}

// FileMetadata describes a tracked file: its identity, permissions,
// timestamps, and the ordered list of chunk hashes that reconstruct it.
// Equality for deduplication purposes intentionally ignores timestamps.
type FileMetadata struct {
	FileId      FileId
	Permissions uint32
	Modified    time.Time
	Created     time.Time
	Chunks      []ChunkId
}

// Equal compares two FileMetadata values the way the storage engine does:
// path, hash, permissions, and chunk list, never timestamps.
func (m FileMetadata) Equal(o FileMetadata) bool {
	if m.FileId != o.FileId || m.Permissions != o.Permissions {
		return false
	}
	if len(m.Chunks) != len(o.Chunks) {
		return false
	}
	for i := range m.Chunks {
		if m.Chunks[i] != o.Chunks[i] {
			return false
		}
	}
	return true
}

func (m FileMetadata) String() string {
	return fmt.Sprintf("FileMetadata{path=%s hash=%x perms=%o chunks=%d}",
		m.FileId.Path, m.FileId.Hash, m.Permissions, len(m.Chunks))
}

func putUint128(buf []byte, t time.Time) {
	ns := t.UnixNano()
	if ns < 0 {
		ns = 0
	}
	binary.BigEndian.PutUint64(buf[:8], 0)
	binary.BigEndian.PutUint64(buf[8:], uint64(ns))
}

func getUint128AsTime(buf []byte) time.Time {
	ns := binary.BigEndian.Uint64(buf[8:16])
	return time.Unix(0, int64(ns)).UTC()
}

func (m FileMetadata) Encode() []byte {
	path := []byte(m.FileId.Path)
	size := 8 + len(path) + 4 + 16 + 16 + HashSize + len(m.Chunks)*HashSize
	buf := make([]byte, size)
	off := 0
	binary.BigEndian.PutUint64(buf[off:], uint64(len(path)))
	off += 8
	copy(buf[off:], path)
	off += len(path)
	binary.BigEndian.PutUint32(buf[off:], m.Permissions)
	off += 4
	putUint128(buf[off:off+16], m.Modified)
	off += 16
	putUint128(buf[off:off+16], m.Created)
	off += 16
	copy(buf[off:], m.FileId.Hash[:])
	off += HashSize
	for _, c := range m.Chunks {
		copy(buf[off:], c[:])
		off += HashSize
	}
	return buf
}

func DecodeFileMetadata(data []byte) (FileMetadata, error) {
	if len(data) < 8 {
		return FileMetadata{}, fmt.Errorf("%w: truncated file metadata", InvalidEncoding)
	}
	rawLen := binary.BigEndian.Uint64(data)
	if rawLen > uint64(len(data)) {
		return FileMetadata{}, fmt.Errorf("%w: truncated file metadata", InvalidEncoding)
	}
	pathLen := int(rawLen)
	off := 8
	if len(data) < off+pathLen+4+16+16+HashSize {
		return FileMetadata{}, fmt.Errorf("%w: truncated file metadata", InvalidEncoding)
	}
	if !utf8.Valid(data[off : off+pathLen]) {
		return FileMetadata{}, fmt.Errorf("%w: path is not valid UTF-8", InvalidEncoding)
	}
	path := string(data[off : off+pathLen])
	off += pathLen
	perms := binary.BigEndian.Uint32(data[off:])
	off += 4
	modified := getUint128AsTime(data[off : off+16])
	off += 16
	created := getUint128AsTime(data[off : off+16])
	off += 16
	var hash [HashSize]byte
	copy(hash[:], data[off:off+HashSize])
	off += HashSize
	rest := data[off:]
	if len(rest)%HashSize != 0 {
		return FileMetadata{}, fmt.Errorf("%w: trailing chunk bytes misaligned", InvalidEncoding)
	}
	chunks := make([]ChunkId, len(rest)/HashSize)
	for i := range chunks {
		copy(chunks[i][:], rest[i*HashSize:(i+1)*HashSize])
	}
	return FileMetadata{
		FileId:      FileId{Path: path, Hash: hash},
		Permissions: perms,
		Modified:    modified,
		Created:     created,
		Chunks:      chunks,
	}, nil
}

// FileList enumerates every file a peer currently knows about.
type FileList struct {
	Files []FileId
}

func (l FileList) Encode() []byte {
	var buf []byte
	for _, f := range l.Files {
		enc := f.Encode()
		prefix := make([]byte, 2)
		binary.BigEndian.PutUint16(prefix, uint16(len(enc)))
		buf = append(buf, prefix...)
		buf = append(buf, enc...)
	}
	return buf
}

func DecodeFileList(data []byte) (FileList, error) {
	var files []FileId
	off := 0
	for off < len(data) {
		if len(data)-off < 2 {
			return FileList{}, fmt.Errorf("%w: truncated file list", InvalidEncoding)
		}
		n := int(binary.BigEndian.Uint16(data[off:]))
		off += 2
		if len(data)-off < n {
			return FileList{}, fmt.Errorf("%w: truncated file list entry", InvalidEncoding)
		}
		fid, err := DecodeFileId(data[off : off+n])
		if err != nil {
			return FileList{}, err
		}
		files = append(files, fid)
		off += n
	}
	return FileList{Files: files}, nil
}

// Chunk is an unqualified chunk of data identified by its content hash.
type Chunk struct {
	Id   ChunkId
	Data []byte
}

func (c Chunk) Encode() []byte {
	buf := make([]byte, HashSize+len(c.Data))
	copy(buf, c.Id[:])
	copy(buf[HashSize:], c.Data)
	return buf
}

func DecodeChunk(data []byte) (Chunk, error) {
	if len(data) < HashSize {
		return Chunk{}, fmt.Errorf("%w: truncated chunk", InvalidEncoding)
	}
	var c Chunk
	copy(c.Id[:], data[:HashSize])
	c.Data = append([]byte(nil), data[HashSize:]...)
	return c, nil
}

// QualifiedChunk is a chunk tied to the file and offset it belongs to, sent
// as the SendQualifiedChunk reply to a RequestChunk.
type QualifiedChunk struct {
	Id   QualifiedChunkId
	Data []byte
}

func (q QualifiedChunk) Encode() []byte {
	idBytes := q.Id.Encode()
	buf := make([]byte, 8+len(idBytes)+len(q.Data))
	off := 0
	binary.BigEndian.PutUint64(buf[off:], uint64(len(idBytes)))
	off += 8
	copy(buf[off:], idBytes)
	off += len(idBytes)
	copy(buf[off:], q.Data)
	return buf
}

func DecodeQualifiedChunk(data []byte) (QualifiedChunk, error) {
	if len(data) < 8 {
		return QualifiedChunk{}, fmt.Errorf("%w: truncated qualified chunk", InvalidEncoding)
	}
	rawLen := binary.BigEndian.Uint64(data)
	if rawLen > uint64(len(data)) {
		return QualifiedChunk{}, fmt.Errorf("%w: truncated qualified chunk id", InvalidEncoding)
	}
	n := int(rawLen)
	if len(data) < 8+n {
		return QualifiedChunk{}, fmt.Errorf("%w: truncated qualified chunk id", InvalidEncoding)
	}
	id, _, err := DecodeQualifiedChunkId(data[8 : 8+n])
	if err != nil {
		return QualifiedChunk{}, err
	}
	return QualifiedChunk{Id: id, Data: append([]byte(nil), data[8+n:]...)}, nil
}

// Message is a decoded directive paired with its raw argument payload.
// Argument decoding is deferred to the caller via the Decode* helpers above,
// keyed off Verb.
type Message struct {
	Id   uint16
	Verb constants.Directive
	Data []byte
}

// Encode serializes a Message to its on-wire RawMessage form: a u16 id, a
// u16 verb, and the raw argument bytes, with no outer length prefix — that
// is the responsibility of the transport framing layer.
func (m Message) Encode() []byte {
	buf := make([]byte, 4+len(m.Data))
	binary.BigEndian.PutUint16(buf[0:2], m.Id)
	binary.BigEndian.PutUint16(buf[2:4], uint16(m.Verb))
	copy(buf[4:], m.Data)
	return buf
}

// Decode parses a RawMessage's id, verb, and argument bytes. It does not
// validate the argument payload; callers dispatch on Verb and call the
// matching Decode* function.
func Decode(data []byte) (Message, error) {
	if len(data) < 4 {
		return Message{}, fmt.Errorf("%w: truncated message header", InvalidEncoding)
	}
	id := binary.BigEndian.Uint16(data[0:2])
	verb := constants.Directive(binary.BigEndian.Uint16(data[2:4]))
	return Message{Id: id, Verb: verb, Data: data[4:]}, nil
}

// Builder assigns sequential message ids for request/response correlation.
type Builder struct {
	counter uint16
}

func (b *Builder) next() uint16 {
	id := b.counter
	b.counter++
	return id
}

// Build wraps an already-encoded argument in a Message with a fresh id.
func (b *Builder) Build(verb constants.Directive, argument []byte) Message {
	return Message{Id: b.next(), Verb: verb, Data: argument}
}
