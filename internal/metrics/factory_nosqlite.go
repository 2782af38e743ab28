//go:build !sqlite

package metrics

import "fmt"

func DefaultSinkKind() string {
	return "memory"
}

func newSQLiteSink(_ string) (Sink, error) {
	return nil, fmt.Errorf("sqlite backend unavailable in this build; rebuild with -tags sqlite")
}
