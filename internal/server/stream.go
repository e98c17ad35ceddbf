package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/hirepilot/agentruns/internal/runs"
	"github.com/hirepilot/agentruns/internal/server/middleware"
	"github.com/hirepilot/agentruns/internal/types"
)

// streamBuffer sits between the bus and one connection. push runs on the
// publisher's goroutine and never blocks it: when the buffer is full the
// stream is flagged as lagged and the writer catches up from a snapshot.
type streamBuffer struct {
	events chan types.Event
	lagged chan struct{}
}

func newStreamBuffer(size int) *streamBuffer {
	return &streamBuffer{
		events: make(chan types.Event, size),
		lagged: make(chan struct{}, 1),
	}
}

func (b *streamBuffer) push(e types.Event) {
	select {
	case b.events <- e:
	default:
		select {
		case b.lagged <- struct{}{}:
		default:
		}
	}
}

// drain discards buffered events. Called right before a snapshot read, which
// covers everything drained.
func (b *streamBuffer) drain() int {
	n := 0
	for {
		select {
		case <-b.events:
			n++
		default:
			return n
		}
	}
}

// handleStream serves the progress of one run as Server-Sent Events. The first
// event is always run.snapshot; every event published for the run afterwards
// follows in publish order, with comment heartbeats in between. The stream
// stays open after the run finishes; the client decides when to leave.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sse, err := NewSSEWriter(w)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx := r.Context()

	identity, err := middleware.Authenticate(s.jwt.AsTokenValidator(), r, true)
	if err != nil {
		s.streamError(sse, r, err)
		return
	}
	runID, err := pathRunID(r)
	if err != nil {
		s.streamError(sse, r, err)
		return
	}
	p := runs.Principal{UserID: identity.UserID, WorkspaceIDs: identity.WorkspaceIDs}

	if _, err := s.runs.Get(ctx, p, runID); err != nil {
		s.streamError(sse, r, err)
		return
	}

	// Subscribe before reading the snapshot so nothing published in between is
	// missed. An event that lands in both is merged idempotently by clients.
	buf := newStreamBuffer(s.stream.Buffer)
	sub := s.events.Subscribe(runID, buf.push)
	defer sub.Unsubscribe()

	run, err := s.runs.Get(ctx, p, runID)
	if err != nil {
		s.streamError(sse, r, err)
		return
	}

	log := s.logger.With("run_id", runID, "user_id", p.UserID)
	log.Debug("stream opened")
	defer log.Debug("stream closed")

	if err := sse.WriteRetry(s.stream.Retry); err != nil {
		return
	}
	if err := s.writeStreamEvent(sse, runs.SnapshotEvent(run)); err != nil {
		return
	}

	heartbeat := time.NewTicker(s.stream.Heartbeat)
	defer heartbeat.Stop()

	resync := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			return
		case e := <-buf.events:
			if err := s.writeStreamEvent(sse, e); err != nil {
				return
			}
			if e.Type.IsTerminal() {
				log.Debug("run reached a terminal state", "event_type", e.Type)
			}
		case <-buf.lagged:
			resync = true
		case t := <-heartbeat.C:
			if err := sse.WriteComment("ping " + strconv.FormatInt(t.UnixMilli(), 10)); err != nil {
				return
			}
		}

		if resync {
			dropped := buf.drain()
			run, err := s.runs.Get(ctx, p, runID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				// Retried on the next wakeup.
				log.Warn("stream resync failed", "error", err)
				continue
			}
			resync = false
			log.Info("stream lagged, resent snapshot", "dropped", dropped)
			if err := s.writeStreamEvent(sse, runs.SnapshotEvent(run)); err != nil {
				return
			}
		}
	}
}

// writeStreamEvent writes one event frame. An event that cannot be encoded is
// logged and skipped; any other error means the client is gone.
func (s *Server) writeStreamEvent(sse *SSEWriter, e types.Event) error {
	err := sse.WriteEvent(e.ID.String(), string(e.Type), e)
	if errors.Is(err, errEncode) {
		s.logger.Error("skipping stream event", "run_id", e.RunID, "event_type", e.Type, "error", err)
		return nil
	}
	return err
}

// streamError sends a single error event in place of the stream.
func (s *Server) streamError(sse *SSEWriter, r *http.Request, err error) {
	status := HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("stream failed", "path", r.URL.Path, "error", err)
	} else {
		s.logger.Debug("stream rejected", "path", r.URL.Path, "status", status, "error", err)
	}

	body := errorBody(err)
	code, _ := body["error"].(string)
	msg, _ := body["message"].(string)
	if msg == "" {
		msg = http.StatusText(status)
	}
	sse.WriteError(code, msg)
}
