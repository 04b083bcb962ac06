// Package session implements the server's per-connection dispatch loop: for
// each authenticated transport session it decodes incoming messages,
// applies them to the storage engine, and replies or broadcasts as the
// directive requires.
package session

import (
	"errors"
	"fmt"

	"github.com/cosmicboots/phoenix/internal/broadcast"
	"github.com/cosmicboots/phoenix/internal/codec"
	"github.com/cosmicboots/phoenix/internal/engine"
	"github.com/cosmicboots/phoenix/internal/observability"
	"github.com/cosmicboots/phoenix/pkg/constants"
)

// Conn is the subset of transport.Session a Session depends on, kept as an
// interface here so the dispatch logic can be tested without a real
// network connection.
type Conn interface {
	Send([]byte) error
	Recv() ([]byte, error)
}

// Session drives one client connection against the shared engine and hub.
type Session struct {
	conn    Conn
	engine  *engine.Engine
	hub     *broadcast.Hub
	log     observability.Logger
	builder codec.Builder
}

// New constructs a Session for an already-authenticated connection.
func New(conn Conn, eng *engine.Engine, hub *broadcast.Hub, log observability.Logger) *Session {
	return &Session{conn: conn, engine: eng, hub: hub, log: log}
}

// Serve runs the session's receive loop until the connection closes or a
// fatal protocol error occurs, at which point it returns that error.
// Broadcast pushes for this session are delivered by the caller pumping
// the channel it registered with the hub into the connection concurrently; Serve
// itself only drives the inbound half.
func (s *Session) Serve() error {
	for {
		raw, err := s.conn.Recv()
		if err != nil {
			return err
		}
		if err := s.dispatch(raw); err != nil {
			return err
		}
	}
}

func (s *Session) dispatch(raw []byte) error {
	msg, err := codec.Decode(raw)
	if err != nil {
		return fmt.Errorf("session: decoding message: %w", err)
	}

	switch msg.Verb {
	case constants.AnnounceVersion:
		// No session state depends on the announced version beyond logging
		// it; a real mismatch would be caught by the wire layer refusing to
		// decode further messages.
		s.log.Debug().Msg("version announced")
		return nil

	case constants.SendFile:
		return s.handleSendFile(msg)

	case constants.SendChunk:
		return s.handleSendChunk(msg)

	case constants.ListFiles:
		return s.handleListFiles(msg)

	case constants.RequestFile:
		return s.handleRequestFile(msg)

	case constants.RequestChunk:
		return s.handleRequestChunk(msg)

	case constants.DeleteFile:
		return s.handleDeleteFile(msg)

	case constants.Response:
		return fmt.Errorf("session: unexpected Response frame from peer")

	default:
		return fmt.Errorf("session: unknown directive %d", msg.Verb)
	}
}

func (s *Session) handleSendFile(msg codec.Message) error {
	meta, err := codec.DecodeFileMetadata(msg.Data)
	if err != nil {
		return fmt.Errorf("session: decoding SendFile: %w", err)
	}

	missing, err := s.engine.AddFile(meta)
	if err != nil {
		if errors.Is(err, engine.ErrDuplicateFile) {
			s.log.Debug().Msg("ignoring duplicate file submission")
			return nil
		}
		return fmt.Errorf("session: adding file: %w", err)
	}

	if len(missing) == 0 {
		s.log.FileCompleted(meta.FileId.Path)
		s.hub.Publish(s.builder.Build(constants.SendFile, meta.Encode()).Encode())
		return nil
	}

	for _, qc := range missing {
		if err := s.conn.Send(s.builder.Build(constants.RequestChunk, qc.Encode()).Encode()); err != nil {
			return fmt.Errorf("session: requesting chunk: %w", err)
		}
	}
	return nil
}

func (s *Session) handleSendChunk(msg codec.Message) error {
	chunk, err := codec.DecodeChunk(msg.Data)
	if err != nil {
		return fmt.Errorf("session: decoding SendChunk: %w", err)
	}
	completed, err := s.engine.AddChunk(chunk)
	if err != nil {
		return fmt.Errorf("session: adding chunk: %w", err)
	}
	for _, meta := range completed {
		s.log.FileCompleted(meta.FileId.Path)
		s.hub.Publish(s.builder.Build(constants.SendFile, meta.Encode()).Encode())
	}
	return nil
}

func (s *Session) handleListFiles(msg codec.Message) error {
	ids, err := s.engine.ListFiles()
	if err != nil {
		return fmt.Errorf("session: listing files: %w", err)
	}
	reply := codec.FileList{Files: ids}
	return s.conn.Send(s.builder.Build(constants.SendFiles, reply.Encode()).Encode())
}

func (s *Session) handleRequestFile(msg codec.Message) error {
	fid, err := codec.DecodeFileId(msg.Data)
	if err != nil {
		return fmt.Errorf("session: decoding RequestFile: %w", err)
	}
	meta, err := s.engine.GetFile(fid.Path)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			s.log.Debug().Msg("requested file not found")
			return nil
		}
		return fmt.Errorf("session: getting file: %w", err)
	}
	return s.conn.Send(s.builder.Build(constants.SendFile, meta.Encode()).Encode())
}

func (s *Session) handleRequestChunk(msg codec.Message) error {
	qid, _, err := codec.DecodeQualifiedChunkId(msg.Data)
	if err != nil {
		return fmt.Errorf("session: decoding RequestChunk: %w", err)
	}
	data, err := s.engine.GetChunk(qid.Id)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			s.log.ChunkMissing(qid.Path.Path, qid.Offset)
			return nil
		}
		return fmt.Errorf("session: getting chunk: %w", err)
	}
	reply := codec.QualifiedChunk{Id: qid, Data: data}
	return s.conn.Send(s.builder.Build(constants.SendQualifiedChunk, reply.Encode()).Encode())
}

func (s *Session) handleDeleteFile(msg codec.Message) error {
	fid, err := codec.DecodeFileId(msg.Data)
	if err != nil {
		return fmt.Errorf("session: decoding DeleteFile: %w", err)
	}
	if err := s.engine.RmFile(fid.Path); err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("session: removing file: %w", err)
	}
	return nil
}
