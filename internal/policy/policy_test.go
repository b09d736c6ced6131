package policy

import (
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		sql  string
		want OperationKind
	}{
		{"SELECT * FROM t", OpSelect},
		{"  select 1", OpSelect},
		{"(SELECT a FROM t1) UNION (SELECT a FROM t2)", OpSelect},
		{"WITH cte AS (SELECT 1) SELECT * FROM cte", OpSelect},
		{"SHOW TABLES", OpSelect},
		{"DESCRIBE users", OpSelect},
		{"EXPLAIN SELECT 1", OpSelect},
		{"INSERT INTO t (a) VALUES (1)", OpInsert},
		{"REPLACE INTO t (a) VALUES (1)", OpInsert},
		{"UPDATE t SET a = 1", OpUpdate},
		{"DELETE FROM t WHERE a = 1", OpDelete},
		{"CREATE TABLE t (a INT)", OpCreate},
		{"ALTER TABLE t ADD COLUMN b INT", OpAlter},
		{"DROP TABLE t", OpDrop},
		{"TRUNCATE TABLE t", OpTruncate},
		{"truncate t", OpTruncate},
		{"/* comment */ SELECT 1", OpSelect},
		{"", OpUnknown},
		{"   ", OpUnknown},
		{"GRANT ALL ON *.* TO x", OpUnknown},
		{"FLUSH PRIVILEGES", OpUnknown},
		{"/* unterminated", OpUnknown},
	}

	for _, tt := range tests {
		if got := Classify(tt.sql); got != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.sql, got, tt.want)
		}
	}
}

func TestAllowDeniesUnknown(t *testing.T) {
	all := Permissions{true, true, true, true, true, true, true, true}
	ok, reason := Allow(OpUnknown, all, "db1")
	if ok {
		t.Error("Unknown must always be denied")
	}
	if !strings.Contains(reason, "db1") {
		t.Errorf("reason should name the database: %q", reason)
	}
}

func TestAllowAgainstBitmap(t *testing.T) {
	perms := DefaultPermissions()

	ok, _ := Allow(OpSelect, perms, "shop")
	if !ok {
		t.Error("default permissions must allow SELECT")
	}

	ok, reason := Allow(OpDelete, perms, "shop")
	if ok {
		t.Error("default permissions must deny DELETE")
	}
	if !strings.Contains(reason, "DELETE") || !strings.Contains(reason, "shop") {
		t.Errorf("denial reason must name operation and database: %q", reason)
	}
}

// Widening a bitmap can only widen what is allowed.
func TestPermissionMonotonicity(t *testing.T) {
	narrow := Permissions{Select: true, Insert: true}
	wide := narrow
	wide.Update = true
	wide.Delete = true

	kinds := []OperationKind{OpSelect, OpInsert, OpUpdate, OpDelete, OpCreate, OpAlter, OpDrop, OpTruncate}
	for _, k := range kinds {
		narrowOK, _ := Allow(k, narrow, "x")
		wideOK, _ := Allow(k, wide, "x")
		if narrowOK && !wideOK {
			t.Errorf("kind %s allowed by narrow bitmap but denied by superset", k)
		}
	}
}
