package synccontext

import "errors"

// ErrNotInitialized is returned by every operation until Init-equivalent
// construction (New) has bound a store and operation log (spec §4.4).
var ErrNotInitialized = errors.New("synccontext: not initialized")

// ErrAlreadyExists is returned by Insert when the target id already
// has a row in the table.
var ErrAlreadyExists = errors.New("synccontext: record already exists")

// ErrRecordNotFound is returned by Update when the target id has no
// row in the table.
var ErrRecordNotFound = errors.New("synccontext: record not found")

// ErrTableNotDefined is returned by Purge when query.Table has never
// been defined.
var ErrTableNotDefined = errors.New("synccontext: table not defined")

// ErrPendingOps is returned by Purge when force is false and the
// target table has pending operation-log entries.
var ErrPendingOps = errors.New("synccontext: table has pending operations, use force")

// ErrUnhandledConflicts is returned by Pull's implicit push-before-pull
// when that push finishes with unhandled conflicts: pull cannot safely
// proceed while local changes for the table remain unreconciled.
var ErrUnhandledConflicts = errors.New("synccontext: implicit push left unhandled conflicts")
