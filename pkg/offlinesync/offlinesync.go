// Package offlinesync is the embeddable client surface for the offline
// table sync engine: one type (Client) wiring the Local Table Store,
// Operation Log, incremental-pull Cursor, and Sync Context behind the
// small set of calls an application actually makes (define a table,
// do local CRUD, push, pull, purge), the same facade role an
// embeddable sync package plays for its own embedding applications.
package offlinesync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/offlinesync/tablesync/internal/config"
	"github.com/offlinesync/tablesync/internal/cursor"
	"github.com/offlinesync/tablesync/internal/oplog"
	"github.com/offlinesync/tablesync/internal/schema"
	"github.com/offlinesync/tablesync/internal/store"
	"github.com/offlinesync/tablesync/internal/synccontext"
	"github.com/offlinesync/tablesync/internal/transport"
	"github.com/offlinesync/tablesync/internal/types"
)

// ErrClosed is returned by any Client call made after Close.
var ErrClosed = errors.New("offlinesync: client is closed")

// Client is the embeddable entry point: a local table store bound to a
// remote table service. The zero value is not usable — construct with
// Open or New.
type Client struct {
	cfg    *config.Config
	store  *store.SQLiteStore
	log    *oplog.Log
	cursor *cursor.Store
	sync   *synccontext.Context

	mu     sync.RWMutex
	closed bool
}

// Open wires a Client from a loaded configuration, building its
// transport.Remote from cfg.Remote. Use New directly when the caller
// already has a transport.Remote (tests, or a non-HTTP remote).
func Open(cfg *config.Config) (*Client, error) {
	remote := transport.NewClient(transport.Config{
		BaseURL:          cfg.Remote.BaseURL,
		APIVersionHeader: cfg.Remote.APIVersionHeader,
		APIVersionValue:  cfg.Remote.APIVersionValue,
		AuthToken:        cfg.Remote.AuthToken,
		RequestTimeout:   cfg.Remote.RequestTimeout.AsDuration(),
	})
	return New(cfg, remote)
}

// New wires a Client from a loaded configuration and an already
// constructed remote (transport.Client, transport/fake.Server in
// tests, or any other transport.Remote implementation).
func New(cfg *config.Config, remote transport.Remote) (*Client, error) {
	st, err := store.Open(cfg.Store.Path, int(cfg.Store.BusyTimeout.AsDuration().Milliseconds()))
	if err != nil {
		return nil, fmt.Errorf("offlinesync: open store: %w", err)
	}

	log := oplog.New(st.DB())
	cur := cursor.New(st.DB())
	return &Client{
		cfg:    cfg,
		store:  st,
		log:    log,
		cursor: cur,
		sync:   synccontext.New(st, log, cur, remote, cfg.Sync.IdempotencyTTL.AsDuration()),
	}, nil
}

// Close releases the underlying database connection and stops every
// task queue the Client owns. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.sync.Close()
	return c.store.Close()
}

func (c *Client) checkOpen() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// DefineTable declares or extends a table's schema (spec.md §4.1/§4.2).
func (c *Client) DefineTable(ctx context.Context, def schema.TableDefinition) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.store.DefineTable(ctx, def)
}

// Insert creates a new local row and logs a pending insert.
func (c *Client) Insert(ctx context.Context, table string, rec types.Record) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.sync.Insert(ctx, table, rec)
}

// Update replaces an existing local row and logs a pending update.
func (c *Client) Update(ctx context.Context, table string, rec types.Record) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.sync.Update(ctx, table, rec)
}

// Del removes a local row and logs a pending delete.
func (c *Client) Del(ctx context.Context, table string, id any) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.sync.Del(ctx, table, id)
}

// Lookup returns a single local row by id.
func (c *Client) Lookup(ctx context.Context, table string, id any, suppressNotFound bool) (types.Record, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.sync.Lookup(ctx, table, id, suppressNotFound)
}

// Read runs a structured local query (the Query Translator's entry
// point), bypassing the Sync Context — reads never touch the
// operation log or need CRUD serialization against it.
func (c *Client) Read(ctx context.Context, q store.Query) (store.ReadResult, error) {
	if err := c.checkOpen(); err != nil {
		return store.ReadResult{}, err
	}
	return c.store.Read(ctx, q)
}

// Push replays pending local mutations to the remote table service.
func (c *Client) Push(ctx context.Context, handler synccontext.PushHandler) (*synccontext.PushReport, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.sync.Push(ctx, handler)
}

// Pull fetches and integrates server records, optionally incrementally
// when queryID is non-empty.
func (c *Client) Pull(ctx context.Context, q store.Query, queryID string, settings synccontext.PullSettings) (*synccontext.PullResult, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.sync.Pull(ctx, q, queryID, settings)
}

// Purge deletes rows matching q, also discarding the table's pending
// ops when force is true. When q has no filter, the table's
// incremental-pull cursors are discarded too, with or without force.
func (c *Client) Purge(ctx context.Context, q store.Query, force bool) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.sync.Purge(ctx, q, force)
}

// Stats summarizes the local store's state for diagnostics.
type Stats struct {
	Tables     []string
	PendingOps map[string]int
}

// Stats reports the defined tables and each one's pending op count.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	if err := c.checkOpen(); err != nil {
		return Stats{}, err
	}
	tables := c.store.Registry().TableNames()
	pending := make(map[string]int, len(tables))
	for _, table := range tables {
		n, err := c.log.Count(ctx, table)
		if err != nil {
			return Stats{}, fmt.Errorf("offlinesync: stats: %w", err)
		}
		pending[table] = n
	}
	return Stats{Tables: tables, PendingOps: pending}, nil
}
