package store

import (
	"database/sql/driver"

	"golang.org/x/text/unicode/norm"
	"modernc.org/sqlite"
)

// FoldText is the compatibility normalization applied to content as it is
// indexed. Query text must go through the same fold to match.
func FoldText(s string) string {
	return norm.NFKC.String(s)
}

func init() {
	// Used by the FTS triggers in schema.sql.
	sqlite.MustRegisterDeterministicScalarFunction("fold_text", 1, func(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
		switch v := args[0].(type) {
		case string:
			return FoldText(v), nil
		case []byte:
			return FoldText(string(v)), nil
		default:
			return v, nil
		}
	})
}
