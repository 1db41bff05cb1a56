//go:build !cgo

package store

import (
	// modernc.org/sqlite registers the pure-Go "sqlite" driver, keeping
	// cross-compiled builds working without a C toolchain.
	_ "modernc.org/sqlite"
)

const sqliteDriverName = "sqlite"
