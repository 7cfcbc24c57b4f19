// Package classify answers the two questions the routing session asks about a
// client buffer: does the command elicit a server response, and is it a
// multi-node (DDL-class) operation that must be replayed to every backend.
// Statement analysis is delegated to the PostgreSQL parser.
package classify

import (
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/pgrouter/pgrouter/internal/pgwire"
)

// WillRespond reports whether a client message elicits a server response.
// Query and Sync complete with ReadyForQuery; PasswordMessage-class messages
// ('p') are answered by the next Authentication message. Parse, Bind,
// Describe, Execute and Close are answered only after a later Sync, Flush
// pushes buffered output without a completion of its own, and CopyData and
// CopyDone belong to a command that is already being tracked.
func WillRespond(buf []byte) bool {
	if len(buf) == 0 {
		return false
	}
	switch buf[0] {
	case pgwire.Query, pgwire.Sync, pgwire.PasswordMessage:
		return true
	}
	return false
}

// IsMultiNode reports whether the buffer carries a DDL-class command that
// must be serialized on the main backend and replayed to the secondaries:
// CREATE, DROP, ALTER, GRANT or REVOKE, excluding CREATE TEMPORARY TABLE.
// Only simple Query messages qualify; anything the parser rejects routes as
// a single-node command and the backend reports its own error.
func IsMultiNode(buf []byte) bool {
	sql, ok := querySQL(buf)
	if !ok {
		return false
	}

	result, err := pg_query.Parse(sql)
	if err != nil {
		return false
	}

	for _, raw := range result.Stmts {
		if raw.Stmt == nil {
			continue
		}
		if stmtIsMultiNode(raw.Stmt) {
			return true
		}
	}
	return false
}

// querySQL extracts the SQL text of a simple Query message.
func querySQL(buf []byte) (string, bool) {
	if len(buf) <= pgwire.HeaderLen || buf[0] != pgwire.Query {
		return "", false
	}
	sql := string(buf[pgwire.HeaderLen:])
	sql = strings.TrimRight(sql, "\x00")
	return sql, true
}

func stmtIsMultiNode(stmt *pg_query.Node) bool {
	switch n := stmt.Node.(type) {
	case *pg_query.Node_CreateStmt:
		// Temporary tables are session-local and never replayed.
		if rel := n.CreateStmt.GetRelation(); rel != nil && rel.GetRelpersistence() == "t" {
			return false
		}
		return true

	case *pg_query.Node_CreateTableAsStmt:
		if into := n.CreateTableAsStmt.GetInto(); into != nil {
			if rel := into.GetRel(); rel != nil && rel.GetRelpersistence() == "t" {
				return false
			}
		}
		return true

	case *pg_query.Node_CreateSchemaStmt,
		*pg_query.Node_CreateSeqStmt,
		*pg_query.Node_CreateDomainStmt,
		*pg_query.Node_CreateEnumStmt,
		*pg_query.Node_CreateExtensionStmt,
		*pg_query.Node_CreateFunctionStmt,
		*pg_query.Node_CreateRoleStmt,
		*pg_query.Node_CreateTrigStmt,
		*pg_query.Node_IndexStmt,
		*pg_query.Node_ViewStmt:
		return true

	case *pg_query.Node_DropStmt,
		*pg_query.Node_DropRoleStmt:
		return true

	case *pg_query.Node_AlterTableStmt,
		*pg_query.Node_AlterDomainStmt,
		*pg_query.Node_AlterSeqStmt,
		*pg_query.Node_AlterRoleStmt,
		*pg_query.Node_RenameStmt:
		return true

	case *pg_query.Node_GrantStmt:
		// GrantStmt covers both GRANT and REVOKE.
		return true

	case *pg_query.Node_GrantRoleStmt:
		return true
	}
	return false
}
