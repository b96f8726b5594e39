package store

import (
	"errors"

	"github.com/offlinesync/tablesync/internal/types"
)

var (
	// ErrNotFound is returned by lookup when no row matches the given id
	// and suppressNotFound was not requested.
	ErrNotFound = errors.New("store: record not found")

	// ErrAlreadyExists names the failure of an insert whose id is already
	// present. No store operation returns it; the Sync Context's local
	// insert reports that case with its own synccontext.ErrAlreadyExists.
	ErrAlreadyExists = errors.New("store: record already exists")

	// ErrInvalidID is re-exported for convenience; see types.ErrInvalidID
	// for the underlying validation rule.
	ErrInvalidID = types.ErrInvalidID

	// ErrColumnLimitExceeded is returned by defineTable when a table's
	// column count exceeds the engine's per-statement parameter bound.
	ErrColumnLimitExceeded = errors.New("store: column limit exceeded")

	// ErrClosed is returned by any operation issued after Close.
	ErrClosed = errors.New("store: closed")

	// ErrEmptyBatch is returned by executeBatch when given no operations at all.
	ErrEmptyBatch = errors.New("store: empty batch")
)
