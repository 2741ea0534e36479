package store

import (
	"fmt"
	"strings"
)

// Kind selects a backend implementation.
type Kind int

const (
	// File keeps one JSON file per record next to an advisory lock file.
	File Kind = iota
	// SQLite keeps all records in one SQLite database file.
	SQLite
	// Memory keeps records in process memory only.
	Memory
)

func (k Kind) String() string {
	switch k {
	case File:
		return "file"
	case SQLite:
		return "sqlite"
	case Memory:
		return "memory"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind maps a backend name to its Kind. The empty string selects File.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "file":
		return File, nil
	case "sqlite":
		return SQLite, nil
	case "memory":
		return Memory, nil
	default:
		return 0, fmt.Errorf("store: unknown backend %q", s)
	}
}

// Open creates a store of the given kind. For File, location is the session
// directory; for SQLite it is the database path; Memory ignores it.
func Open(kind Kind, location string, opts ...Option) (Store, error) {
	switch kind {
	case File:
		return NewFileStore(location, opts...)
	case SQLite:
		return NewSQLiteStore(location, opts...)
	case Memory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("store: unknown backend %s", kind)
	}
}
