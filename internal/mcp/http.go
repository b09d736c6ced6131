package mcp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mysqlgate/mysqlgate/internal/catalog"
	"github.com/mysqlgate/mysqlgate/internal/gateway"
	"github.com/mysqlgate/mysqlgate/internal/session"
)

// SessionHeader carries the server-minted session id after initialization.
const SessionHeader = "mcp-session-id"

// Session states. initialize is the only legal request in stateNew; stateClosed
// is terminal.
type sessionState int

const (
	stateNew sessionState = iota
	stateInitializing
	stateReady
	stateClosed
)

type sessionSlot struct {
	mu    sync.Mutex // serializes requests within one session
	state sessionState
}

// HTTPHandler serves the tool surface at a single path: POST for
// request/response, GET for a server-sent event stream, DELETE to close the
// session. Authentication is applied by the surrounding router.
type HTTPHandler struct {
	dispatcher *Dispatcher
	sessions   *session.Manager
	store      *catalog.Store

	mu    sync.Mutex
	slots map[string]*sessionSlot
}

// NewHTTPHandler creates the endpoint handler. It hooks the session manager's
// close notification so slots are released when the idle sweeper drops a
// session, not only on an explicit DELETE.
func NewHTTPHandler(dispatcher *Dispatcher, sessions *session.Manager, store *catalog.Store) *HTTPHandler {
	h := &HTTPHandler{
		dispatcher: dispatcher,
		sessions:   sessions,
		store:      store,
		slots:      make(map[string]*sessionSlot),
	}
	sessions.OnSessionClose(h.releaseSlot)
	return h
}

// releaseSlot marks a session's slot terminal and forgets it.
func (h *HTTPHandler) releaseSlot(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if slot, ok := h.slots[sessionID]; ok {
		slot.state = stateClosed
	}
	delete(h.slots, sessionID)
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// The kill switch short-circuits before any session state is touched.
	if !h.store.BoolSetting(catalog.SettingMCPEnabled, true) {
		writeRPC(w, http.StatusOK, errorResponse(nil, gateway.RPCCodeServer, "MCP service is currently disabled"))
		return
	}

	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleSSE(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *HTTPHandler) handlePost(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPC(w, http.StatusOK, errorResponse(nil, gateway.RPCCodeParse, "parse error"))
		return
	}

	sessionID := r.Header.Get(SessionHeader)

	// First contact: initialize with no session header mints a session.
	if sessionID == "" {
		if req.Method != "initialize" {
			writeRPC(w, http.StatusOK, errorResponse(req.ID, gateway.RPCCodeInvalidRequest,
				"initialize is required before any other request"))
			return
		}
		c := h.sessions.GetOrCreateSession("")
		slot := h.slot(c.ID())
		slot.mu.Lock()
		slot.state = stateInitializing
		resp := h.dispatcher.Handle(r.Context(), c, &req)
		slot.state = stateReady
		slot.mu.Unlock()

		w.Header().Set(SessionHeader, c.ID())
		writeRPC(w, http.StatusOK, resp)
		return
	}

	c, err := h.sessions.GetSession(sessionID)
	if err != nil {
		writeRPC(w, http.StatusOK, errorResponse(req.ID, gateway.RPCCode(err), err.Error()))
		return
	}

	slot := h.slot(sessionID)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.state == stateClosed {
		writeRPC(w, http.StatusOK, errorResponse(req.ID, gateway.RPCCodeServer, gateway.ErrSessionClosed.Error()))
		return
	}
	if slot.state == stateNew && req.Method != "initialize" {
		writeRPC(w, http.StatusOK, errorResponse(req.ID, gateway.RPCCodeInvalidRequest,
			"initialize is required before any other request"))
		return
	}
	if req.Method == "initialize" {
		slot.state = stateReady
	}

	resp := h.dispatcher.Handle(r.Context(), c, &req)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set(SessionHeader, sessionID)
	writeRPC(w, http.StatusOK, resp)
}

// handleSSE holds a notification stream open for the session. The gateway
// currently emits only keepalives; the stream exists so clients that expect
// one can attach.
func (h *HTTPHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" {
		http.Error(w, "missing "+SessionHeader, http.StatusBadRequest)
		return
	}
	if _, err := h.sessions.GetSession(sessionID); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *HTTPHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" {
		http.Error(w, "missing "+SessionHeader, http.StatusBadRequest)
		return
	}

	h.releaseSlot(sessionID)
	h.sessions.CloseSession(sessionID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) slot(sessionID string) *sessionSlot {
	h.mu.Lock()
	defer h.mu.Unlock()
	slot, ok := h.slots[sessionID]
	if !ok {
		slot = &sessionSlot{}
		h.slots[sessionID] = slot
	}
	return slot
}

func writeRPC(w http.ResponseWriter, status int, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if resp != nil {
		json.NewEncoder(w).Encode(resp)
	}
}
