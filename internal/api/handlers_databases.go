package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/mysqlgate/mysqlgate/internal/catalog"
	"github.com/mysqlgate/mysqlgate/internal/gateway"
	"github.com/mysqlgate/mysqlgate/internal/policy"
	"github.com/mysqlgate/mysqlgate/internal/session"
)

// findDatabase resolves a connection-scoped real name to its catalog row.
func (s *Server) findDatabase(connID, realName string) (*catalog.Database, error) {
	dbs, err := s.store.ListDatabasesForConnection(connID)
	if err != nil {
		return nil, err
	}
	for _, db := range dbs {
		if db.RealName == realName {
			return db, nil
		}
	}
	return nil, fmt.Errorf("database %q on connection %s: %w", realName, connID, gateway.ErrNotFound)
}

func (s *Server) updatePermissions(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	db, err := s.findDatabase(vars["id"], vars["name"])
	if err != nil {
		writeErr(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var perms policy.Permissions
	if err := json.NewDecoder(r.Body).Decode(&perms); err != nil {
		writeErrMsg(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := s.store.UpdatePermissions(db.Alias, perms); err != nil {
		writeErr(w, err)
		return
	}
	updated, err := s.store.GetDatabaseByAlias(db.Alias)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, updated)
}

func (s *Server) renameAlias(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	db, err := s.findDatabase(vars["id"], vars["name"])
	if err != nil {
		writeErr(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req struct {
		Alias string `json:"alias"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrMsg(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := s.store.RenameAlias(db.Alias, req.Alias); err != nil {
		writeErr(w, err)
		return
	}
	updated, err := s.store.GetDatabaseByAlias(req.Alias)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, updated)
}

func (s *Server) enableDatabase(w http.ResponseWriter, r *http.Request) {
	s.setDatabaseEnabled(w, r, true)
}

func (s *Server) disableDatabase(w http.ResponseWriter, r *http.Request) {
	s.setDatabaseEnabled(w, r, false)
}

func (s *Server) setDatabaseEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	vars := mux.Vars(r)
	db, err := s.findDatabase(vars["id"], vars["name"])
	if err != nil {
		writeErr(w, err)
		return
	}

	if err := s.store.SetDatabaseEnabled(db.Alias, enabled); err != nil {
		writeErr(w, err)
		return
	}
	updated, err := s.store.GetDatabaseByAlias(db.Alias)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, updated)
}

type queryRequest struct {
	SQL      string `json:"sql"`
	Database string `json:"database"`
}

// runQuery is the UI's query console. It goes through the same pipeline as
// the tool surface: classification, policy, single transaction.
func (s *Server) runQuery(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrMsg(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.SQL == "" {
		writeErrMsg(w, http.StatusBadRequest, "sql is required")
		return
	}

	c := s.consoleContext()
	var (
		result any
		err    error
	)
	if req.Database != "" {
		result, err = s.executor.ExecuteOn(r.Context(), c, req.Database, req.SQL)
	} else {
		result, err = s.executor.Execute(r.Context(), c, req.SQL)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, result)
}

// databaseContext resolves an alias for the browse endpoints without touching
// any session's active set.
func (s *Server) databaseContext(alias string) (*session.DatabaseContext, error) {
	db, err := s.store.GetDatabaseByAlias(alias)
	if err != nil {
		return nil, err
	}
	if !db.Enabled {
		return nil, fmt.Errorf("database %q: %w", alias, gateway.ErrNotFound)
	}
	return &session.DatabaseContext{
		Alias:        db.Alias,
		ConnectionID: db.ConnectionID,
		RealName:     db.RealName,
		Permissions:  db.Permissions,
	}, nil
}

func (s *Server) listTables(w http.ResponseWriter, r *http.Request) {
	dbc, err := s.databaseContext(mux.Vars(r)["alias"])
	if err != nil {
		writeErr(w, err)
		return
	}

	tables, err := s.executor.ShowTables(r.Context(), dbc)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"tables": tables})
}

func (s *Server) listColumns(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	dbc, err := s.databaseContext(vars["alias"])
	if err != nil {
		writeErr(w, err)
		return
	}

	result, err := s.executor.DescribeTable(r.Context(), dbc, vars["table"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, result)
}
