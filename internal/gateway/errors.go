// Package gateway holds the error vocabulary shared by the catalog, the query
// pipeline, and both caller-facing surfaces. Every failure path in the service
// maps to exactly one of these kinds so transports can translate uniformly.
package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for failure kinds that carry no payload.
var (
	ErrUnauthenticated   = errors.New("authentication required")
	ErrNoCurrentDatabase = errors.New("no current database selected")
	ErrConnectionRefused = errors.New("database connection refused")
	ErrCryptoTamper      = errors.New("ciphertext verification failed")
	ErrTokenInvalid      = errors.New("token is invalid or expired")
	ErrBadCredentials    = errors.New("invalid username or password")
	ErrLastActiveKey     = errors.New("cannot delete the only active API key")
	ErrSessionClosed     = errors.New("session is closed or unknown")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrNotFound          = errors.New("not found")
)

// PermissionError reports a SQL operation denied by a database's permission
// bitmap. Reason is human-readable and names the operation and the database.
type PermissionError struct {
	Operation string
	Alias     string
	Reason    string
}

func (e *PermissionError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return fmt.Sprintf("operation %s is not permitted on database %q", e.Operation, e.Alias)
}

// AliasError reports an alias that fails the grammar or collides with an
// existing one.
type AliasError struct {
	Alias    string
	Conflict bool
}

func (e *AliasError) Error() string {
	if e.Conflict {
		return fmt.Sprintf("alias %q is already in use", e.Alias)
	}
	return fmt.Sprintf("alias %q is invalid: 1-64 chars of [A-Za-z0-9_-], not starting with a digit", e.Alias)
}

// QueryError wraps a SQL error reported by the MySQL driver.
type QueryError struct {
	Message string
}

func (e *QueryError) Error() string {
	return "query failed: " + e.Message
}

// BadRequestError reports a request that failed schema validation, naming the
// offending field.
type BadRequestError struct {
	Field  string
	Detail string
}

func (e *BadRequestError) Error() string {
	if e.Field == "" {
		return "bad request: " + e.Detail
	}
	return fmt.Sprintf("bad request: field %q: %s", e.Field, e.Detail)
}

// HTTPStatus maps an error to the REST surface's status code.
func HTTPStatus(err error) int {
	var permErr *PermissionError
	var aliasErr *AliasError
	var queryErr *QueryError
	var badReq *BadRequestError

	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthenticated), errors.Is(err, ErrTokenInvalid), errors.Is(err, ErrBadCredentials):
		return http.StatusUnauthorized
	case errors.As(err, &permErr),
		errors.Is(err, ErrNoCurrentDatabase),
		errors.As(err, &aliasErr),
		errors.As(err, &queryErr),
		errors.Is(err, ErrLastActiveKey),
		errors.As(err, &badReq):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrConnectionRefused):
		return http.StatusBadGateway
	case errors.Is(err, ErrCryptoTamper):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// JSON-RPC error codes used by the tool surface.
const (
	RPCCodeParse          = -32700
	RPCCodeInvalidRequest = -32600
	RPCCodeMethodNotFound = -32601
	RPCCodeInvalidParams  = -32602
	RPCCodeInternal       = -32603
	RPCCodeServer         = -32000
)

// RPCCode maps an error to the JSON-RPC error code for the tool surface.
func RPCCode(err error) int {
	var badReq *BadRequestError
	switch {
	case errors.Is(err, ErrUnauthenticated),
		errors.Is(err, ErrTokenInvalid),
		errors.Is(err, ErrSessionClosed),
		errors.Is(err, ErrRateLimited):
		return RPCCodeServer
	case errors.As(err, &badReq):
		return RPCCodeInvalidParams
	default:
		return RPCCodeServer
	}
}
