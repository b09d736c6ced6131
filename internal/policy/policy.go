// Package policy classifies SQL statements into operation kinds and checks
// them against a database's permission bitmap. It holds no mutable state.
package policy

import (
	"fmt"
	"strings"

	"github.com/xwb1989/sqlparser"
)

// OperationKind is the classification of a SQL statement.
type OperationKind string

// The eight permissioned operation families plus Unknown.
const (
	OpSelect   OperationKind = "SELECT"
	OpInsert   OperationKind = "INSERT"
	OpUpdate   OperationKind = "UPDATE"
	OpDelete   OperationKind = "DELETE"
	OpCreate   OperationKind = "CREATE"
	OpAlter    OperationKind = "ALTER"
	OpDrop     OperationKind = "DROP"
	OpTruncate OperationKind = "TRUNCATE"
	OpUnknown  OperationKind = "UNKNOWN"
)

// Permissions is the per-database operation bitmap.
type Permissions struct {
	Select   bool `json:"select"`
	Insert   bool `json:"insert"`
	Update   bool `json:"update"`
	Delete   bool `json:"delete"`
	Create   bool `json:"create"`
	Alter    bool `json:"alter"`
	Drop     bool `json:"drop"`
	Truncate bool `json:"truncate"`
}

// DefaultPermissions is what a freshly discovered database gets: select only.
func DefaultPermissions() Permissions {
	return Permissions{Select: true}
}

// Allows reports whether the bitmap permits the given kind. Unknown is never
// permitted.
func (p Permissions) Allows(kind OperationKind) bool {
	switch kind {
	case OpSelect:
		return p.Select
	case OpInsert:
		return p.Insert
	case OpUpdate:
		return p.Update
	case OpDelete:
		return p.Delete
	case OpCreate:
		return p.Create
	case OpAlter:
		return p.Alter
	case OpDrop:
		return p.Drop
	case OpTruncate:
		return p.Truncate
	default:
		return false
	}
}

// Classify determines the operation kind of a SQL statement. The parser gets
// the first word; statements it cannot parse fall back to the first
// significant keyword of the trimmed input. Anything else is Unknown.
func Classify(sql string) OperationKind {
	stmt, err := sqlparser.Parse(sql)
	if err == nil {
		switch stmt.(type) {
		case *sqlparser.Select, *sqlparser.Union:
			return OpSelect
		case *sqlparser.Insert:
			return OpInsert
		case *sqlparser.Update:
			return OpUpdate
		case *sqlparser.Delete:
			return OpDelete
		case *sqlparser.DDL:
			// The DDL node covers CREATE/ALTER/DROP/TRUNCATE; its Action
			// string distinguishes them.
			if ddl, ok := stmt.(*sqlparser.DDL); ok {
				switch ddl.Action {
				case sqlparser.CreateStr:
					return OpCreate
				case sqlparser.AlterStr:
					return OpAlter
				case sqlparser.DropStr:
					return OpDrop
				case sqlparser.TruncateStr:
					return OpTruncate
				}
			}
		}
	}
	return classifyByKeyword(sql)
}

func classifyByKeyword(sql string) OperationKind {
	trimmed := strings.TrimSpace(sql)
	// Skip leading comments so /* hint */ SELECT still classifies.
	for strings.HasPrefix(trimmed, "/*") {
		end := strings.Index(trimmed, "*/")
		if end < 0 {
			return OpUnknown
		}
		trimmed = strings.TrimSpace(trimmed[end+2:])
	}
	fields := strings.Fields(strings.ToUpper(trimmed))
	if len(fields) == 0 {
		return OpUnknown
	}
	switch fields[0] {
	case "SELECT", "WITH", "SHOW", "DESCRIBE", "DESC", "EXPLAIN":
		return OpSelect
	case "INSERT", "REPLACE":
		return OpInsert
	case "UPDATE":
		return OpUpdate
	case "DELETE":
		return OpDelete
	case "CREATE":
		return OpCreate
	case "ALTER":
		return OpAlter
	case "DROP":
		return OpDrop
	case "TRUNCATE":
		return OpTruncate
	}
	return OpUnknown
}

// Allow checks a classified statement against a bitmap. The reason names the
// operation and database so callers can surface it verbatim.
func Allow(kind OperationKind, perms Permissions, alias string) (bool, string) {
	if kind == OpUnknown {
		return false, fmt.Sprintf("statement could not be classified; refusing to run it on database %q", alias)
	}
	if !perms.Allows(kind) {
		return false, fmt.Sprintf("operation %s is not permitted on database %q", kind, alias)
	}
	return true, ""
}
