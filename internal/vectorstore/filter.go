package vectorstore

import "strings"

// Filter is a SQL WHERE-clause fragment evaluated against a table's text
// columns and the synthetic `merged` flag. The only sanitisation applied to
// values embedded in a Filter is EscapeLiteral; callers must apply it to
// every untrusted value before building a Filter (see spec §9 "Filter
// injection" — preserved exactly rather than silently hardened, since the
// store has no parameterised-predicate path of its own).
type Filter string

// EscapeLiteral doubles single quotes so a value can be safely embedded
// into a SQL string literal within a Filter. No other characters are
// sanitised.
func EscapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
