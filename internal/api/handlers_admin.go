package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/mysqlgate/mysqlgate/internal/catalog"
)

func (s *Server) listKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.store.ListApiKeys()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, keys)
}

// createKey returns the secret exactly once, in this response.
func (s *Server) createKey(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrMsg(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	key, err := s.store.CreateApiKey(req.Name)
	if err != nil {
		writeErr(w, err)
		return
	}
	slog.Info("api key created", "key", key.ID, "name", key.Name)
	writeData(w, http.StatusCreated, key)
}

func (s *Server) deleteKey(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := s.store.DeleteApiKey(id); err != nil {
		writeErr(w, err)
		return
	}
	slog.Info("api key deleted", "key", id)
	writeData(w, http.StatusOK, nil)
}

func (s *Server) revokeKey(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := s.store.RevokeApiKey(id); err != nil {
		writeErr(w, err)
		return
	}
	slog.Info("api key revoked", "key", id)
	writeData(w, http.StatusOK, nil)
}

func (s *Server) listLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	status, _ := strconv.Atoi(q.Get("status"))

	filter := catalog.LogFilter{
		Endpoint: q.Get("endpoint"),
		APIKeyID: q.Get("apiKeyId"),
		UserID:   q.Get("userId"),
		Status:   status,
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeErrMsg(w, http.StatusBadRequest, "since: expected RFC 3339 timestamp")
			return
		}
		filter.Since = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeErrMsg(w, http.StatusBadRequest, "until: expected RFC 3339 timestamp")
			return
		}
		filter.Until = t
	}

	entries, total, err := s.store.QueryLogs(filter, limit, offset)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"entries": entries, "total": total})
}

func (s *Server) purgeLogs(w http.ResponseWriter, r *http.Request) {
	// olderThanDays=0 clears everything.
	days, _ := strconv.Atoi(r.URL.Query().Get("olderThanDays"))

	removed, err := s.store.PurgeLogsOlderThan(days)
	if err != nil {
		writeErr(w, err)
		return
	}
	slog.Info("request log purged", "removed", removed, "olderThanDays", days)
	writeData(w, http.StatusOK, map[string]int64{"removed": removed})
}

func (s *Server) logStats(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeErrMsg(w, http.StatusBadRequest, "since: expected RFC 3339 timestamp")
			return
		}
		since = t
	}

	stats, err := s.store.LogStatsSince(since)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, stats)
}

// settableKeys are the settings the UI may change; everything else in the
// settings table is service-managed.
var settableKeys = map[string]func(string) bool{
	catalog.SettingMCPEnabled: func(v string) bool {
		return v == "true" || v == "false"
	},
	catalog.SettingMaxActiveDatabases: func(v string) bool {
		n, err := strconv.Atoi(v)
		return err == nil && n >= 1
	},
	catalog.SettingMaxActiveConnections: func(v string) bool {
		n, err := strconv.Atoi(v)
		return err == nil && n >= 1
	},
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	all, err := s.store.AllSettings()
	if err != nil {
		writeErr(w, err)
		return
	}

	// Fill defaults for keys never written.
	if _, ok := all[catalog.SettingMCPEnabled]; !ok {
		all[catalog.SettingMCPEnabled] = "true"
	}
	if _, ok := all[catalog.SettingMaxActiveDatabases]; !ok {
		all[catalog.SettingMaxActiveDatabases] = strconv.Itoa(catalog.DefaultMaxActiveDatabases)
	}
	if _, ok := all[catalog.SettingMaxActiveConnections]; !ok {
		all[catalog.SettingMaxActiveConnections] = strconv.Itoa(catalog.DefaultMaxActiveConnections)
	}
	writeData(w, http.StatusOK, all)
}

func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req map[string]string
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrMsg(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	for key, value := range req {
		valid, ok := settableKeys[key]
		if !ok {
			writeErrMsg(w, http.StatusBadRequest, "unknown or read-only setting: "+key)
			return
		}
		if !valid(value) {
			writeErrMsg(w, http.StatusBadRequest, "invalid value for "+key)
			return
		}
	}
	for key, value := range req {
		if err := s.store.SetSetting(key, value); err != nil {
			writeErr(w, err)
			return
		}
		slog.Info("setting updated", "key", key, "value", value)
	}

	s.getSettings(w, r)
}
