// Package transport is the Sync Context's remote collaborator: the
// HTTP client for the remote table service referenced but not
// specified by spec §1/§6. Only the request/response contract it
// implements is load-bearing for push/pull; everything else here
// (retry, correlation ids) is operational plumbing around that contract.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/offlinesync/tablesync/internal/types"
	"github.com/rs/xid"
	"github.com/sethvargo/go-retry"
	"github.com/tidwall/gjson"
)

// ErrConflict is returned when the server reports a version mismatch:
// HTTP 412, or a 409 insert-collision. See spec §4.4.2/§7.
type ErrConflict struct {
	ServerRecord types.Record // may be nil on a 409 with no body
	StatusCode   int
}

func (e *ErrConflict) Error() string {
	return fmt.Sprintf("transport: conflict (status %d)", e.StatusCode)
}

// ErrTransport wraps a non-2xx, non-conflict HTTP response.
type ErrTransport struct {
	StatusCode int
	Body       string
}

func (e *ErrTransport) Error() string {
	return fmt.Sprintf("transport: request failed with status %d: %s", e.StatusCode, e.Body)
}

// PullQuery is the request shape Pull sends to the remote table
// service — an OData-flavored filter/order/paging tuple. Its
// generation from a structured Query is the OData generator's job
// (out of scope per spec §1); the transport only serializes this shape
// onto the wire.
type PullQuery struct {
	Table        string
	Filter       string // OData $filter expression, empty for none
	OrderBy      string
	Top          int
	Skip         int
	IncludeCount bool

	// CursorAfter is set for incremental pulls (spec §4.4.1): only
	// records with updatedAt strictly after this instant are returned.
	// The HTTP client folds it into Filter when building the request;
	// test doubles may consult it directly instead of parsing Filter.
	CursorAfter *time.Time
}

// PullPage is one page of a pull response.
type PullPage struct {
	Records  []types.Record
	Count    *int64
	NextLink string
}

// Remote is the contract the Sync Context depends on. The default
// implementation is Client (HTTP); transport/fake provides an
// in-memory test double satisfying the same interface.
type Remote interface {
	Pull(ctx context.Context, q PullQuery) (PullPage, error)
	Insert(ctx context.Context, table string, record types.Record) (result types.Record, version string, err error)
	Update(ctx context.Context, table string, id any, record types.Record, ifMatchVersion string) (result types.Record, version string, err error)
	Delete(ctx context.Context, table string, id any, ifMatchVersion string) error
}

// Config configures a Client.
type Config struct {
	BaseURL          string
	APIVersionHeader string
	APIVersionValue  string
	AuthToken        string
	RequestTimeout   time.Duration
	MaxRetries       uint64
}

// Client is the HTTP implementation of Remote.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient returns a Client configured per cfg, applying sane defaults
// for zero-valued fields.
func NewClient(cfg Config) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.APIVersionHeader == "" {
		cfg.APIVersionHeader = "ZUMO-API-VERSION"
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

func (c *Client) url(table string) string {
	return fmt.Sprintf("%s/tables/%s", c.cfg.BaseURL, table)
}

func (c *Client) newRequest(ctx context.Context, method, url string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(c.cfg.APIVersionHeader, c.cfg.APIVersionValue)
	if c.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}
	req.Header.Set("X-Sync-Request-Id", xid.New().String())
	return req, nil
}

// do executes req, retrying connection-level failures only — never a
// 4xx/412 response, which spec §7 requires to surface synchronously.
func (c *Client) do(ctx context.Context, req *http.Request, retryable bool) (*http.Response, error) {
	if !retryable {
		return c.httpClient.Do(req)
	}

	backoff := retry.WithMaxRetries(c.cfg.MaxRetries, retry.NewExponential(100*time.Millisecond))
	var resp *http.Response
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		// A body-bearing request's io.Reader was already drained by any
		// prior attempt; GetBody (set by http.NewRequestWithContext for
		// a bytes.Reader body) gives us a fresh one to resend.
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return fmt.Errorf("transport: rewind request body for retry: %w", err)
			}
			req.Body = body
		}
		r, err := c.httpClient.Do(req)
		if err != nil {
			slog.Warn("transport: connection attempt failed, retrying", "component", "transport", "error", err)
			return retry.RetryableError(err)
		}
		resp = r
		return nil
	})
	return resp, err
}

// Pull issues the GET for a single page of query results.
func (c *Client) Pull(ctx context.Context, q PullQuery) (PullPage, error) {
	url := c.url(q.Table) + buildODataQuery(q)
	req, err := c.newRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return PullPage{}, err
	}

	resp, err := c.do(ctx, req, true)
	if err != nil {
		return PullPage{}, fmt.Errorf("transport: pull %s: %w", q.Table, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return PullPage{}, fmt.Errorf("transport: read pull response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return PullPage{}, &ErrTransport{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	return parsePullResponse(raw, resp.Header.Get("Link"))
}

// parsePullResponse recognizes both wire shapes spec §6 allows: a bare
// JSON array, or {count, results}. gjson lets us branch on shape
// without committing to a struct before we know which one arrived.
func parsePullResponse(raw []byte, linkHeader string) (PullPage, error) {
	parsed := gjson.ParseBytes(raw)
	var page PullPage

	var recordsJSON gjson.Result
	if parsed.IsArray() {
		recordsJSON = parsed
	} else {
		recordsJSON = parsed.Get("results")
		if countResult := parsed.Get("count"); countResult.Exists() {
			n := countResult.Int()
			page.Count = &n
		}
	}

	var records []types.Record
	var decodeErr error
	recordsJSON.ForEach(func(_, value gjson.Result) bool {
		var rec types.Record
		if err := json.Unmarshal([]byte(value.Raw), &rec); err != nil {
			decodeErr = fmt.Errorf("transport: decode pull record: %w", err)
			return false
		}
		records = append(records, rec)
		return true
	})
	if decodeErr != nil {
		return PullPage{}, decodeErr
	}
	page.Records = records
	page.NextLink = extractNextLink(linkHeader)
	return page, nil
}

// extractNextLink parses the "<url>; rel=next" shape of a Link header.
func extractNextLink(linkHeader string) string {
	start := strings.IndexByte(linkHeader, '<')
	end := strings.IndexByte(linkHeader, '>')
	if start < 0 || end < 0 || end <= start {
		return ""
	}
	return linkHeader[start+1 : end]
}

// Insert issues POST /tables/{name}.
func (c *Client) Insert(ctx context.Context, table string, record types.Record) (types.Record, string, error) {
	body, err := json.Marshal(record)
	if err != nil {
		return nil, "", fmt.Errorf("transport: marshal insert body: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, c.url(table), body)
	if err != nil {
		return nil, "", err
	}
	// allowConflict=true: a 409 insert-collision is a Push Error
	// Controller conflict (spec §4.4.2), not a generic transport error.
	return c.writeRequest(ctx, req, true)
}

// Update issues PATCH /tables/{name}/{id} with an optional If-Match.
func (c *Client) Update(ctx context.Context, table string, id any, record types.Record, ifMatchVersion string) (types.Record, string, error) {
	body, err := json.Marshal(record)
	if err != nil {
		return nil, "", fmt.Errorf("transport: marshal update body: %w", err)
	}
	url := fmt.Sprintf("%s/%s", c.url(table), types.IDString(id))
	req, err := c.newRequest(ctx, http.MethodPatch, url, body)
	if err != nil {
		return nil, "", err
	}
	if ifMatchVersion != "" {
		req.Header.Set("If-Match", ETagFromVersion(ifMatchVersion))
	}
	return c.writeRequest(ctx, req, true)
}

// Delete issues DELETE /tables/{name}/{id} with an optional If-Match.
func (c *Client) Delete(ctx context.Context, table string, id any, ifMatchVersion string) error {
	url := fmt.Sprintf("%s/%s", c.url(table), types.IDString(id))
	req, err := c.newRequest(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	if ifMatchVersion != "" {
		req.Header.Set("If-Match", ETagFromVersion(ifMatchVersion))
	}
	_, _, err = c.writeRequest(ctx, req, true)
	return err
}

func (c *Client) writeRequest(ctx context.Context, req *http.Request, allowConflict bool) (types.Record, string, error) {
	// retryable=true: push writes are idempotent-by-construction (insert
	// is id-keyed; update/delete send If-Match whenever a version is
	// supplied) per spec §4.4.2, so a connection-level failure is retried
	// here the same as Pull's GETs. do() retries only transport-level
	// errors: any HTTP response, 4xx/412 included, is returned from the
	// first attempt that receives one and is classified below.
	resp, err := c.do(ctx, req, true)
	if err != nil {
		return nil, "", fmt.Errorf("transport: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("transport: read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil, "", nil
	case resp.StatusCode == http.StatusPreconditionFailed && allowConflict:
		var server types.Record
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &server)
		}
		return nil, "", &ErrConflict{ServerRecord: server, StatusCode: resp.StatusCode}
	case resp.StatusCode == http.StatusConflict && allowConflict:
		var server types.Record
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &server)
		}
		return nil, "", &ErrConflict{ServerRecord: server, StatusCode: resp.StatusCode}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, "", &ErrTransport{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var rec types.Record
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, "", fmt.Errorf("transport: decode response: %w", err)
		}
	}
	version := VersionFromETag(resp.Header.Get("ETag"))
	return rec, version, nil
}

func buildODataQuery(q PullQuery) string {
	filter := q.Filter
	if q.CursorAfter != nil {
		cursorClause := fmt.Sprintf("updatedAt gt datetime'%s'", q.CursorAfter.UTC().Format(time.RFC3339Nano))
		if filter == "" {
			filter = cursorClause
		} else {
			filter = filter + " and " + cursorClause
		}
	}

	if filter == "" && q.OrderBy == "" && q.Top == 0 && q.Skip == 0 && !q.IncludeCount {
		return ""
	}
	v := make([]string, 0, 4)
	if filter != "" {
		v = append(v, "$filter="+filter)
	}
	if q.OrderBy != "" {
		v = append(v, "$orderby="+q.OrderBy)
	}
	if q.Top > 0 {
		v = append(v, fmt.Sprintf("$top=%d", q.Top))
	}
	if q.Skip > 0 {
		v = append(v, fmt.Sprintf("$skip=%d", q.Skip))
	}
	if q.IncludeCount {
		v = append(v, "$inlinecount=allpages")
	}
	out := "?"
	for i, part := range v {
		if i > 0 {
			out += "&"
		}
		out += part
	}
	return out
}
