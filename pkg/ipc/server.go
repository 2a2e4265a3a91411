// Package ipc implements the loopback IPC surface of spec.md §6: a Unix
// domain socket exposing Code/Flush/lock-object-model/GetObjectModel as
// small JSON-over-HTTP endpoints, following the teacher lineage's own
// HTTP-over-unix-socket control server shape (krd/control_server.go's
// http.NewServeMux over a net.Listener, one handler per op, json.Decoder/
// Encoder per request) rather than a bespoke line-protocol.
package ipc

import (
	"encoding/json"
	"net"
	"net/http"
	"os"

	"github.com/op/go-logging"

	"github.com/anthropics/rrf-spi-bridge/pkg/channel"
	"github.com/anthropics/rrf-spi-bridge/pkg/packet"
)

// ChannelAccess is satisfied by *pkg/processor.Processor.
type ChannelAccess interface {
	Channel(id packet.Channel) *channel.State
}

// Server is the loopback socket server (spec.md §6 "loopback socket").
type Server struct {
	log      *logging.Logger
	channels ChannelAccess
	om       *ObjectModel

	listener net.Listener
}

// New builds a Server over channels (for Code/Flush) and om (for the
// object-model operations).
func New(log *logging.Logger, channels ChannelAccess, om *ObjectModel) *Server {
	return &Server{log: log, channels: channels, om: om}
}

// Handler builds the request router, split out from Serve so tests can
// drive it directly with httptest instead of a real socket.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/code", s.handleCode)
	mux.HandleFunc("/flush", s.handleFlush)
	mux.HandleFunc("/objectmodel", s.handleGetObjectModel)
	mux.HandleFunc("/objectmodel/lock", s.handleLockObjectModel)
	mux.HandleFunc("/objectmodel/unlock", s.handleUnlockObjectModel)
	return mux
}

// Serve opens socketPath (removing any stale socket left by an unclean
// shutdown, same as the teacher's AgentListenUnix/DaemonListen) and blocks
// serving HTTP requests until the listener is closed.
func (s *Server) Serve(socketPath string) error {
	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	s.listener = ln
	return http.Serve(ln, s.Handler())
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

type codeRequest struct {
	Channel string `json:"channel"`
	Code    string `json:"code"`
}

type codeResponse struct {
	Reply string `json:"reply"`
}

func (s *Server) handleCode(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	ch, ok := s.resolveChannel(w, req.Channel)
	if !ok {
		return
	}

	handle := ch.Push(req.Code)
	result, err := handle.Waiter.Wait(r.Context())
	if err != nil {
		if s.log != nil {
			s.log.Warningf("code %q on channel %s cancelled: %v", req.Code, req.Channel, err)
		}
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, codeResponse{Reply: result.Content})
}

type flushRequest struct {
	Channel         string `json:"channel"`
	SyncFileStreams bool   `json:"syncFileStreams"`
}

type flushResponse struct {
	Ok bool `json:"ok"`
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	var req flushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	ch, ok := s.resolveChannel(w, req.Channel)
	if !ok {
		return
	}

	handle := ch.Flush(req.SyncFileStreams)
	ok2, err := handle.Waiter.Wait(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, flushResponse{Ok: ok2})
}

// lockChannel is the channel on which LockObjectModel/UnlockObjectModel
// requests the firmware's movement lock. LockObjectModel returns once the
// firmware answers with ResourceLocked; UnlockObjectModel returns once the
// channel's Unlock clears the host-side lock state, which sends no packet
// to the firmware. RepRap Firmware's object
// model lock is requested the same way any channel requests exclusive
// motion access, over LockMovementAndWaitForStandstill/ResourceLocked —
// ChannelSBC is the channel reserved for SBC-initiated, not G-code-
// initiated, requests.
const lockChannel = packet.ChannelSBC

func (s *Server) handleLockObjectModel(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.resolveChannel(w, lockChannel.String())
	if !ok {
		return
	}
	s.om.Lock()
	handle := ch.Lock()
	if _, err := handle.Waiter.Wait(r.Context()); err != nil {
		s.om.Unlock()
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleUnlockObjectModel(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.resolveChannel(w, lockChannel.String())
	if !ok {
		return
	}
	waiter := ch.Unlock()
	if _, err := waiter.Wait(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.om.Unlock()
	w.WriteHeader(http.StatusOK)
}

type objectModelResponse struct {
	Patch json.RawMessage `json:"patch"`
}

func (s *Server) handleGetObjectModel(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	flags := r.URL.Query().Get("flags")

	patch, ok := s.om.Get(key, flags)
	if !ok {
		http.Error(w, "unknown key", http.StatusNotFound)
		return
	}
	writeJSON(w, objectModelResponse{Patch: patch})
}

func (s *Server) resolveChannel(w http.ResponseWriter, name string) (*channel.State, bool) {
	id, ok := packet.ParseChannel(name)
	if !ok {
		http.Error(w, "unknown channel "+name, http.StatusBadRequest)
		return nil, false
	}
	ch := s.channels.Channel(id)
	if ch == nil {
		http.Error(w, "unknown channel "+name, http.StatusBadRequest)
		return nil, false
	}
	return ch, true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
