//go:build cgo

package registry

import (
	// mattn/go-sqlite3 registers the "sqlite3" driver on cgo builds.
	_ "github.com/mattn/go-sqlite3"
)

const sqliteDriverName = "sqlite3"
