package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/mysqlgate/mysqlgate/internal/catalog"
	"github.com/mysqlgate/mysqlgate/internal/health"
	"github.com/mysqlgate/mysqlgate/internal/pool"
)

type connectionRequest struct {
	Name     string `json:"name"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type connectionResponse struct {
	*catalog.Connection
	Health *health.ConnectionHealth `json:"health,omitempty"`
}

func (s *Server) listConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := s.store.ListConnections()
	if err != nil {
		writeErr(w, err)
		return
	}

	result := make([]connectionResponse, 0, len(conns))
	for _, conn := range conns {
		cr := connectionResponse{Connection: conn}
		if s.healthCheck != nil {
			h := s.healthCheck.GetStatus(conn.ID)
			cr.Health = &h
		}
		result = append(result, cr)
	}
	writeData(w, http.StatusOK, result)
}

func (s *Server) createConnection(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req connectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrMsg(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	conn, err := s.store.CreateConnection(req.Name, req.Host, req.Port, req.User, req.Password)
	if err != nil {
		writeErr(w, err)
		return
	}
	slog.Info("connection registered", "connection", conn.ID, "name", conn.Name, "host", conn.Host, "port", conn.Port)
	writeData(w, http.StatusCreated, conn)
}

func (s *Server) updateConnection(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	id := mux.Vars(r)["id"]

	var req connectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrMsg(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	conn, err := s.store.UpdateConnection(id, req.Name, req.Host, req.Port, req.User, req.Password)
	if err != nil {
		writeErr(w, err)
		return
	}

	// Credentials may have changed; the next use reopens the pool.
	s.pools.ClosePool(id)
	writeData(w, http.StatusOK, conn)
}

func (s *Server) deleteConnection(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := s.store.DeleteConnection(id); err != nil {
		writeErr(w, err)
		return
	}
	s.pools.ClosePool(id)
	if s.metrics != nil {
		s.metrics.RemoveConnection(id)
	}
	slog.Info("connection deleted", "connection", id)
	writeData(w, http.StatusOK, nil)
}

// testConnection runs a live probe, bypassing the cached health status.
func (s *Server) testConnection(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	conn, err := s.store.GetConnection(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	password, err := s.store.ConnectionPassword(id)
	if err != nil {
		writeErr(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	start := time.Now()
	if err := pool.Probe(ctx, conn.Host, conn.Port, conn.User, password); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"ok":        true,
		"latencyMs": time.Since(start).Milliseconds(),
	})
}

// discoverDatabases enumerates the server's schemas and registers the
// non-system ones under fresh aliases.
func (s *Server) discoverDatabases(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	db, err := s.pools.GetPool(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}

	rows, err := db.QueryContext(r.Context(), "SHOW DATABASES")
	if err != nil {
		writeErr(w, err)
		return
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			writeErr(w, err)
			return
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		writeErr(w, err)
		return
	}

	added, err := s.store.AddDiscoveredDatabases(id, names)
	if err != nil {
		writeErr(w, err)
		return
	}

	all, err := s.store.ListDatabasesForConnection(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	slog.Info("discovery completed", "connection", id, "found", len(names), "added", len(added))
	writeData(w, http.StatusOK, map[string]any{"added": added, "databases": all})
}

func (s *Server) listConnectionDatabases(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	// 404 for unknown connections rather than an empty list.
	if _, err := s.store.GetConnection(id); err != nil {
		writeErr(w, err)
		return
	}
	dbs, err := s.store.ListDatabasesForConnection(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, dbs)
}
