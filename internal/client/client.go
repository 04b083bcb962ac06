// Package client implements the client sync core: a watched directory is
// kept in lockstep with the server by multiplexing three event sources —
// server frames, filesystem notifications, and an external control
// channel — in a single select loop.
package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cosmicboots/phoenix/internal/chunker"
	"github.com/cosmicboots/phoenix/internal/codec"
	"github.com/cosmicboots/phoenix/internal/observability"
	"github.com/cosmicboots/phoenix/pkg/constants"
	"github.com/fsnotify/fsnotify"
)

// Conn is the subset of transport.Session a Client depends on.
type Conn interface {
	Send([]byte) error
	Recv() ([]byte, error)
}

// Status reports a coarse client health snapshot.
type Status struct {
	FilesTracked int
}

// Client drives one client's sync loop against a connected server.
type Client struct {
	conn      Conn
	root      string
	watcher   *fsnotify.Watcher
	blacklist *Blacklist
	log       observability.Logger
	builder   codec.Builder

	statusCh chan chan Status
	stopCh   chan struct{}
}

// New constructs a Client watching root and talking to the server over
// conn. The caller is responsible for having already completed the
// transport handshake.
func New(conn Conn, root string, log observability.Logger) (*Client, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("client: creating watcher: %w", err)
	}
	if err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return watcher.Add(path)
		}
		return nil
	}); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("client: watching %s: %w", root, err)
	}

	return &Client{
		conn:      conn,
		root:      root,
		watcher:   watcher,
		blacklist: NewBlacklist(),
		log:       log,
		statusCh:  make(chan chan Status),
		stopCh:    make(chan struct{}),
	}, nil
}

// Stop requests the Run loop exit at its next opportunity.
func (c *Client) Stop() {
	close(c.stopCh)
}

// GetStatus requests a Status snapshot from the running loop.
func (c *Client) GetStatus(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	select {
	case c.statusCh <- reply:
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// Run starts the sync loop. It first issues ListFiles to reconcile against
// the server's current state, then multiplexes server frames, filesystem
// events, and control requests until Stop is called, the context is
// cancelled, or the connection fails.
func (c *Client) Run(ctx context.Context) error {
	if err := c.conn.Send(c.builder.Build(constants.ListFiles, nil).Encode()); err != nil {
		return fmt.Errorf("client: requesting file list: %w", err)
	}

	serverMsgs := make(chan []byte)
	serverErrs := make(chan error, 1)
	go func() {
		for {
			raw, err := c.conn.Recv()
			if err != nil {
				serverErrs <- err
				return
			}
			serverMsgs <- raw
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		case err := <-serverErrs:
			return err
		case raw := <-serverMsgs:
			if err := c.handleServerEvent(raw); err != nil {
				return err
			}
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return errors.New("client: watcher closed")
			}
			if err := c.handleFsEvent(ev); err != nil {
				c.log.Error().Err(err).Msg("filesystem event handling failed")
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return errors.New("client: watcher closed")
			}
			c.log.Error().Err(err).Msg("filesystem watcher error")
		case reply := <-c.statusCh:
			reply <- Status{FilesTracked: c.countTrackedFiles()}
		}
	}
}

func (c *Client) countTrackedFiles() int {
	list, err := chunker.GenerateFileList(c.root)
	if err != nil {
		return 0
	}
	return len(list.Files)
}

func (c *Client) relPath(abs string) (string, error) {
	return filepath.Rel(c.root, abs)
}

func (c *Client) handleServerEvent(raw []byte) error {
	msg, err := codec.Decode(raw)
	if err != nil {
		return fmt.Errorf("client: decoding server message: %w", err)
	}

	switch msg.Verb {
	case constants.SendFiles:
		return c.handleSendFiles(msg)
	case constants.RequestChunk:
		return c.handleRequestChunk(msg)
	case constants.SendFile:
		return c.handleSendFile(msg)
	case constants.SendQualifiedChunk:
		return c.handleSendQualifiedChunk(msg)
	case constants.DeleteFile:
		return c.handleDeleteFile(msg)
	case constants.Response:
		return fmt.Errorf("client: unexpected Response frame from server")
	default:
		return fmt.Errorf("client: unknown directive %d from server", msg.Verb)
	}
}

// handleSendFiles reconciles the server's file list against the local
// directory: files only the client has are uploaded, files only the
// server has are requested.
func (c *Client) handleSendFiles(msg codec.Message) error {
	remote, err := codec.DecodeFileList(msg.Data)
	if err != nil {
		return fmt.Errorf("client: decoding SendFiles: %w", err)
	}
	local, err := chunker.GenerateFileList(c.root)
	if err != nil {
		return fmt.Errorf("client: listing local files: %w", err)
	}

	localOnly, remoteOnly := diffFileLists(local, remote)

	for _, fid := range localOnly {
		meta, err := chunker.GetFileInfo(filepath.Join(c.root, fid.Path), fid.Path)
		if err != nil {
			c.log.Error().Err(err).Msg("reading local file for upload")
			continue
		}
		if err := c.conn.Send(c.builder.Build(constants.SendFile, meta.Encode()).Encode()); err != nil {
			return fmt.Errorf("client: sending local file: %w", err)
		}
	}
	for _, fid := range remoteOnly {
		if err := c.conn.Send(c.builder.Build(constants.RequestFile, fid.Encode()).Encode()); err != nil {
			return fmt.Errorf("client: requesting remote file: %w", err)
		}
	}
	return nil
}

// diffFileLists returns the files present only locally and only remotely,
// compared by path only: a file present on both sides with a different hash
// appears in neither result.
func diffFileLists(local, remote codec.FileList) (localOnly, remoteOnly []codec.FileId) {
	remoteByPath := make(map[string]codec.FileId, len(remote.Files))
	for _, f := range remote.Files {
		remoteByPath[f.Path] = f
	}
	localByPath := make(map[string]bool, len(local.Files))
	for _, f := range local.Files {
		localByPath[f.Path] = true
		if _, ok := remoteByPath[f.Path]; !ok {
			localOnly = append(localOnly, f)
		}
	}
	for _, f := range remote.Files {
		if !localByPath[f.Path] {
			remoteOnly = append(remoteOnly, f)
		}
	}
	return localOnly, remoteOnly
}

// handleRequestChunk serves a chunk of a locally-present file back to the
// server, read directly off disk rather than from any cache. The bytes are
// re-hashed before sending; if the file changed under us since the request
// was issued, the recomputed digest won't match qid.Id and the reply is
// dropped rather than shipping the wrong bytes under the old id.
func (c *Client) handleRequestChunk(msg codec.Message) error {
	qid, _, err := codec.DecodeQualifiedChunkId(msg.Data)
	if err != nil {
		return fmt.Errorf("client: decoding RequestChunk: %w", err)
	}
	f, err := os.Open(filepath.Join(c.root, qid.Path.Path))
	if err != nil {
		return fmt.Errorf("client: opening %s: %w", qid.Path.Path, err)
	}
	defer f.Close()

	buf := make([]byte, constants.ChunkSize)
	n, err := f.ReadAt(buf, int64(qid.Offset))
	if err != nil && n == 0 {
		return fmt.Errorf("client: reading chunk at offset %d: %w", qid.Offset, err)
	}
	data := buf[:n]
	if chunker.ChunkHash(data) != qid.Id {
		c.log.Warn().Str("path", qid.Path.Path).Uint32("offset", qid.Offset).Msg("chunk changed under us, dropping reply")
		return nil
	}
	chunk := codec.Chunk{Id: qid.Id, Data: data}
	return c.conn.Send(c.builder.Build(constants.SendChunk, chunk.Encode()).Encode())
}

// handleSendFile begins downloading a file the server pushed: it
// blacklists the path against feedback-loop uploads, truncates (or
// creates) the target file so stale trailing bytes from a shorter new
// version can't survive the download, then issues one RequestChunk per
// index in the file's chunk list (OQ2: per-index, not per distinct
// ChunkId, since a file may repeat a chunk at two offsets).
func (c *Client) handleSendFile(msg codec.Message) error {
	meta, err := codec.DecodeFileMetadata(msg.Data)
	if err != nil {
		return fmt.Errorf("client: decoding SendFile: %w", err)
	}
	c.blacklist.Insert(meta.FileId.Path, meta.FileId.Hash)

	if err := chunker.CreateEmpty(c.root, meta.FileId.Path); err != nil {
		return fmt.Errorf("client: preparing %s for download: %w", meta.FileId.Path, err)
	}

	for i, chunkID := range meta.Chunks {
		qid := codec.QualifiedChunkId{
			Path:   meta.FileId,
			Offset: uint32(i * constants.ChunkSize),
			Id:     chunkID,
		}
		if err := c.conn.Send(c.builder.Build(constants.RequestChunk, qid.Encode()).Encode()); err != nil {
			return fmt.Errorf("client: requesting chunk %d: %w", i, err)
		}
	}
	return nil
}

// handleSendQualifiedChunk writes a downloaded chunk to disk and clears the
// blacklist entry once the file's full hash matches.
func (c *Client) handleSendQualifiedChunk(msg codec.Message) error {
	qc, err := codec.DecodeQualifiedChunk(msg.Data)
	if err != nil {
		return fmt.Errorf("client: decoding SendQualifiedChunk: %w", err)
	}
	completed, err := chunker.WriteChunk(c.root, qc)
	if err != nil {
		return fmt.Errorf("client: writing chunk: %w", err)
	}
	if completed {
		c.log.FileCompleted(qc.Id.Path.Path)
		c.blacklist.Remove(qc.Id.Path.Path)
	}
	return nil
}

// handleDeleteFile removes a file the server reports was deleted elsewhere.
func (c *Client) handleDeleteFile(msg codec.Message) error {
	fid, err := codec.DecodeFileId(msg.Data)
	if err != nil {
		return fmt.Errorf("client: decoding DeleteFile: %w", err)
	}
	path := filepath.Join(c.root, fid.Path)
	c.blacklist.Insert(fid.Path, fid.Hash)
	defer c.blacklist.Remove(fid.Path)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("client: removing %s: %w", path, err)
	}
	return nil
}

// handleFsEvent reacts to a local filesystem change: a blacklisted path is
// ignored (it is the client's own in-flight download), anything else is
// uploaded or reported deleted to the server. handleDeleteFile clears its
// blacklist entry before returning, so the watcher's event for that removal
// is handled after the entry is gone and is reported to the server.
func (c *Client) handleFsEvent(ev fsnotify.Event) error {
	rel, err := c.relPath(ev.Name)
	if err != nil {
		return fmt.Errorf("client: computing relative path for %s: %w", ev.Name, err)
	}
	if c.blacklist.Contains(rel) {
		return nil
	}

	switch {
	case ev.Op&fsnotify.Remove != 0 || ev.Op&fsnotify.Rename != 0:
		fid := codec.FileId{Path: rel}
		return c.conn.Send(c.builder.Build(constants.DeleteFile, fid.Encode()).Encode())

	case ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Chmod) != 0:
		info, err := os.Stat(ev.Name)
		if err != nil {
			return nil
		}
		if info.IsDir() {
			return c.watcher.Add(ev.Name)
		}
		meta, err := chunker.GetFileInfo(ev.Name, rel)
		if err != nil {
			return fmt.Errorf("client: reading %s: %w", ev.Name, err)
		}
		return c.conn.Send(c.builder.Build(constants.SendFile, meta.Encode()).Encode())
	}
	return nil
}
