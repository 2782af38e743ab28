package metrics

import "fmt"

func NewSink(kind, sqlitePath string) (Sink, error) {
	switch kind {
	case "", "memory":
		return NewMemorySink(), nil
	case "sqlite":
		return newSQLiteSink(sqlitePath)
	default:
		return nil, fmt.Errorf("unsupported metrics backend: %s", kind)
	}
}
