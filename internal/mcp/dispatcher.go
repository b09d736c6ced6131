package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/mysqlgate/mysqlgate/internal/audit"
	"github.com/mysqlgate/mysqlgate/internal/auth"
	"github.com/mysqlgate/mysqlgate/internal/catalog"
	"github.com/mysqlgate/mysqlgate/internal/gateway"
	"github.com/mysqlgate/mysqlgate/internal/query"
	"github.com/mysqlgate/mysqlgate/internal/session"
)

// ProtocolVersion is the protocol revision reported by initialize.
const ProtocolVersion = "2024-11-05"

const (
	metadataCacheSize = 128
	metadataCacheTTL  = time.Minute
)

// Dispatcher routes JSON-RPC methods and tool calls. It is shared by both
// transports; per-session serialization happens in the transport layer.
type Dispatcher struct {
	store    *catalog.Store
	sessions *session.Manager
	executor *query.Executor
	auditor  *audit.Logger

	// Schema metadata is expensive per database, so list_databases results
	// are cached briefly, keyed by alias.
	metaCache *expirable.LRU[string, *query.Metadata]
}

// NewDispatcher wires the tool surface.
func NewDispatcher(store *catalog.Store, sessions *session.Manager, executor *query.Executor, auditor *audit.Logger) *Dispatcher {
	return &Dispatcher{
		store:     store,
		sessions:  sessions,
		executor:  executor,
		auditor:   auditor,
		metaCache: expirable.NewLRU[string, *query.Metadata](metadataCacheSize, nil, metadataCacheTTL),
	}
}

// Handle processes one request on the caller's context. Notifications return
// a nil response.
func (d *Dispatcher) Handle(ctx context.Context, c *session.Context, req *Request) *Response {
	if req.JSONRPC != "2.0" || req.Method == "" {
		return errorResponse(req.ID, gateway.RPCCodeInvalidRequest, "invalid request")
	}

	switch req.Method {
	case "initialize":
		return resultResponse(req.ID, map[string]any{
			"protocolVersion": ProtocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "mysqlgate", "version": "1.0.0"},
		})
	case "notifications/initialized":
		return nil
	case "ping":
		return resultResponse(req.ID, map[string]any{})
	case "tools/list":
		return resultResponse(req.ID, map[string]any{"tools": toolDefinitions()})
	case "tools/call":
		return d.handleToolCall(ctx, c, req)
	default:
		if req.IsNotification() {
			return nil
		}
		return errorResponse(req.ID, gateway.RPCCodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (d *Dispatcher) handleToolCall(ctx context.Context, c *session.Context, req *Request) *Response {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, gateway.RPCCodeInvalidParams, "malformed tool call params")
	}

	start := time.Now()
	result, err := d.callTool(ctx, c, params.Name, params.Arguments)
	d.record(ctx, params.Name, params.Arguments, result, err, time.Since(start))

	if err != nil {
		var rpcErr *RPCError
		if e, ok := err.(*RPCError); ok {
			rpcErr = e
		} else {
			rpcErr = &RPCError{Code: gateway.RPCCode(err), Message: err.Error()}
		}
		slog.Warn("tool call failed", "tool", params.Name, "session", c.ID(), "err", err)
		return &Response{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}
	}
	return resultResponse(req.ID, toolResult(result))
}

func (d *Dispatcher) callTool(ctx context.Context, c *session.Context, name string, args json.RawMessage) (any, error) {
	switch name {
	case "mysql_query":
		return d.toolMySQLQuery(ctx, c, args)
	case "list_databases":
		return d.toolListDatabases(ctx, c, args)
	case "switch_database":
		return d.toolSwitchDatabase(c, args)
	default:
		return nil, &RPCError{Code: gateway.RPCCodeInvalidParams, Message: fmt.Sprintf("unknown tool %q", name)}
	}
}

func (d *Dispatcher) record(ctx context.Context, tool string, args json.RawMessage, result any, err error, dur time.Duration) {
	if d.auditor == nil {
		return
	}
	var request any
	if len(args) > 0 {
		_ = json.Unmarshal(args, &request)
	}
	status := 200
	var response any = result
	if err != nil {
		status = gateway.HTTPStatus(err)
		response = map[string]string{"error": err.Error()}
	}
	d.auditor.Record(auth.FromContext(ctx), tool, "tools/call", request, response, status, dur)
}

type mysqlQueryArgs struct {
	Database string `json:"database"`
	SQL      string `json:"sql"`
}

func (d *Dispatcher) toolMySQLQuery(ctx context.Context, c *session.Context, args json.RawMessage) (any, error) {
	var a mysqlQueryArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, &gateway.BadRequestError{Detail: "malformed arguments"}
	}
	if a.SQL == "" {
		return nil, &gateway.BadRequestError{Field: "sql", Detail: "required"}
	}
	if a.Database != "" {
		return d.executor.ExecuteOn(ctx, c, a.Database, a.SQL)
	}
	return d.executor.Execute(ctx, c, a.SQL)
}

type listDatabasesArgs struct {
	IncludeMetadata bool `json:"include_metadata"`
}

type databaseEntry struct {
	Alias          string          `json:"alias"`
	RealName       string          `json:"realName"`
	ConnectionName string          `json:"connectionName"`
	IsCurrent      bool            `json:"isCurrent"`
	IsActive       bool            `json:"isActive"`
	Permissions    json.RawMessage `json:"permissions"`
	TableCount     *int            `json:"tableCount,omitempty"`
	SizeBytes      *int64          `json:"sizeBytes,omitempty"`
}

type connectionGroup struct {
	ConnectionID   string          `json:"connectionId"`
	ConnectionName string          `json:"connectionName"`
	Databases      []databaseEntry `json:"databases"`
}

func (d *Dispatcher) toolListDatabases(ctx context.Context, c *session.Context, args json.RawMessage) (any, error) {
	var a listDatabasesArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, &gateway.BadRequestError{Detail: "malformed arguments"}
		}
	}

	conns, err := d.store.ListConnections()
	if err != nil {
		return nil, err
	}
	current := d.sessions.CurrentDatabase(c)

	groups := make([]connectionGroup, 0, len(conns))
	for _, conn := range conns {
		dbs, err := d.store.ListDatabasesForConnection(conn.ID)
		if err != nil {
			return nil, err
		}

		group := connectionGroup{ConnectionID: conn.ID, ConnectionName: conn.Name}
		for _, db := range dbs {
			if !db.Enabled {
				continue
			}
			perms, _ := json.Marshal(db.Permissions)
			entry := databaseEntry{
				Alias:          db.Alias,
				RealName:       db.RealName,
				ConnectionName: conn.Name,
				IsCurrent:      current != nil && current.Alias == db.Alias,
				IsActive:       d.sessions.IsActive(c, db.Alias),
				Permissions:    perms,
			}
			if a.IncludeMetadata {
				if md := d.schemaMetadata(ctx, db); md != nil {
					entry.TableCount = &md.TableCount
					entry.SizeBytes = &md.SizeBytes
				}
			}
			group.Databases = append(group.Databases, entry)
		}
		if len(group.Databases) > 0 {
			groups = append(groups, group)
		}
	}
	return map[string]any{"connections": groups}, nil
}

// schemaMetadata serves from the cache when fresh. Metadata is best effort; a
// failed lookup leaves the entry without counts rather than failing the list.
func (d *Dispatcher) schemaMetadata(ctx context.Context, db *catalog.Database) *query.Metadata {
	if md, ok := d.metaCache.Get(db.Alias); ok {
		return md
	}
	md, err := d.executor.SchemaMetadata(ctx, &session.DatabaseContext{
		Alias:        db.Alias,
		ConnectionID: db.ConnectionID,
		RealName:     db.RealName,
	})
	if err != nil {
		slog.Debug("schema metadata unavailable", "alias", db.Alias, "err", err)
		return nil
	}
	d.metaCache.Add(db.Alias, md)
	return md
}

type switchDatabaseArgs struct {
	Alias string `json:"alias"`
}

func (d *Dispatcher) toolSwitchDatabase(c *session.Context, args json.RawMessage) (any, error) {
	var a switchDatabaseArgs
	if err := json.Unmarshal(args, &a); err != nil || a.Alias == "" {
		return nil, &gateway.BadRequestError{Field: "alias", Detail: "required"}
	}

	dbc, err := d.sessions.ActivateDatabase(c, a.Alias)
	if err != nil {
		return nil, err
	}
	if err := d.sessions.SetCurrentDatabase(c, a.Alias); err != nil {
		return nil, err
	}

	conn, err := d.store.GetConnection(dbc.ConnectionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"alias":          dbc.Alias,
		"realName":       dbc.RealName,
		"connectionName": conn.Name,
		"permissions":    dbc.Permissions,
	}, nil
}

// toolResult wraps a tool's payload in the content shape tool-calling clients
// expect: a single text block holding the JSON document.
func toolResult(payload any) map[string]any {
	text, err := json.Marshal(payload)
	if err != nil {
		text = []byte(fmt.Sprintf(`{"marshalError":%q}`, err.Error()))
	}
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": string(text)}},
	}
}

func toolDefinitions() []map[string]any {
	return []map[string]any{
		{
			"name":        "mysql_query",
			"description": "Run a SQL statement against a managed MySQL database. Omit database to use the current one.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"database": map[string]any{"type": "string", "description": "Database alias to run against."},
					"sql":      map[string]any{"type": "string", "description": "SQL statement to execute."},
				},
				"required": []string{"sql"},
			},
		},
		{
			"name":        "list_databases",
			"description": "List enabled databases grouped by connection, with permissions and activity markers.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"include_metadata": map[string]any{"type": "boolean", "description": "Include table count and on-disk size per database."},
				},
			},
		},
		{
			"name":        "switch_database",
			"description": "Make a database the current one for subsequent queries.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"alias": map[string]any{"type": "string", "description": "Database alias to switch to."},
				},
				"required": []string{"alias"},
			},
		},
	}
}
