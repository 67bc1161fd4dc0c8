// Package client is the HTTP transport to a ledger node.
//
// A node exposes two bases: the node API (reads and reveals, port 8088 by
// default) and the commit API (commits, port 8089 by default). Both speak
// JSON with hex-encoded binary fields. Every failure is returned as a
// *ledger.Error whose Kind says what went wrong; nothing is retried here.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jmerrifield20/factomledger/pkg/ledger"
)

const (
	// DefaultNodeURL serves reads and reveals.
	DefaultNodeURL = "http://localhost:8088/v1"

	// DefaultCommitURL serves commits.
	DefaultCommitURL = "http://localhost:8089/v1"

	maxResponseSize = 1 << 20
)

// Client is a node client. It is safe for concurrent use.
type Client struct {
	nodeBase   string
	commitBase string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("nil http client")
		}
		c.httpClient = hc
		return nil
	}
}

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %s", d)
		}
		c.httpClient = &http.Client{Timeout: d}
		return nil
	}
}

// WithLogger attaches a logger. Requests are logged at debug level.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) error {
		if l != nil {
			c.logger = l
		}
		return nil
	}
}

// WithRateLimit caps outgoing requests at rps with the given burst. Each
// request waits for a token, honouring the request context.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) error {
		if rps <= 0 {
			return fmt.Errorf("rate limit must be positive, got %v", rps)
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		return nil
	}
}

// New creates a Client. An empty commitURL uses nodeURL for commits too,
// which suits single-port nodes.
//
//	c, err := client.New("http://localhost:8088/v1", "http://localhost:8089/v1",
//	    client.WithTimeout(5*time.Second),
//	)
func New(nodeURL, commitURL string, opts ...Option) (*Client, error) {
	if nodeURL == "" {
		return nil, fmt.Errorf("node url is required")
	}
	if commitURL == "" {
		commitURL = nodeURL
	}
	c := &Client{
		nodeBase:   strings.TrimRight(nodeURL, "/"),
		commitBase: strings.TrimRight(commitURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     zap.NewNop(),
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(nodeURL, commitURL string, opts ...Option) *Client {
	c, err := New(nodeURL, commitURL, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// CloseIdleConnections closes keep-alive connections held by the underlying
// HTTP client.
func (c *Client) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// ── Reads ───────────────────────────────────────────────────────────────

// GetChainHead returns the key MR of the newest entry block of chainID.
func (c *Client) GetChainHead(ctx context.Context, chainID ledger.Hash) (ledger.Hash, error) {
	const op = "get chain head"
	id := chainID.String()

	var resp ChainHeadResponse
	if err := c.getJSON(ctx, op, id, "/chain-head/"+id, ledger.KindChainNotFound, &resp); err != nil {
		return ledger.ZeroHash, err
	}
	if resp.ChainHead == "" {
		return ledger.ZeroHash, ledger.NewError(ledger.KindChainNotFound, op, id, "node returned no chain head")
	}
	head, err := ledger.ParseHash(resp.ChainHead)
	if err != nil {
		return ledger.ZeroHash, ledger.WrapError(ledger.KindProtocolViolation, op, id, "malformed chain head", err)
	}
	return head, nil
}

// GetEntryBlock fetches the entry block with the given key MR.
func (c *Client) GetEntryBlock(ctx context.Context, keyMR ledger.Hash) (*ledger.EntryBlock, error) {
	const op = "get entry block"
	id := keyMR.String()

	var resp EntryBlockResponse
	if err := c.getJSON(ctx, op, id, "/entry-block-by-keymr/"+id, ledger.KindBlockNotFound, &resp); err != nil {
		return nil, err
	}
	b, err := resp.Block(keyMR)
	if err != nil {
		return nil, ledger.WrapError(ledger.KindProtocolViolation, op, id, "malformed entry block", err)
	}
	return b, nil
}

// GetEntryByHash fetches a revealed entry. The returned entry is not
// verified against hash; see walker.FetchEntries for that.
func (c *Client) GetEntryByHash(ctx context.Context, hash ledger.Hash) (*ledger.Entry, error) {
	const op = "get entry"
	id := hash.String()

	var resp EntryResponse
	if err := c.getJSON(ctx, op, id, "/entry-by-hash/"+id, ledger.KindEntryNotFound, &resp); err != nil {
		return nil, err
	}
	e, err := resp.Entry()
	if err != nil {
		return nil, ledger.WrapError(ledger.KindProtocolViolation, op, id, "malformed entry", err)
	}
	return e, nil
}

// GetECBalance returns the entry credit balance of a named credit source.
func (c *Client) GetECBalance(ctx context.Context, name string) (int64, error) {
	const op = "get balance"

	var resp BalanceResponse
	if err := c.getJSON(ctx, op, name, "/entry-credit-balance/"+url.PathEscape(name), "", &resp); err != nil {
		return 0, err
	}
	return resp.Balance, nil
}

// ── Commit / reveal ─────────────────────────────────────────────────────

// CommitEntry submits a hex-encoded entry commit paid for by the named
// credit source. A failed commit must not be retried: credits may have been
// spent.
func (c *Client) CommitEntry(ctx context.Context, name, payloadHex string) error {
	return c.postJSON(ctx, "commit entry", name, c.commitBase+"/commit-entry/"+url.PathEscape(name),
		ledger.KindCommitFailed, CommitRequest{Message: payloadHex})
}

// CommitChain submits a hex-encoded chain commit.
func (c *Client) CommitChain(ctx context.Context, name, payloadHex string) error {
	return c.postJSON(ctx, "commit chain", name, c.commitBase+"/commit-chain/"+url.PathEscape(name),
		ledger.KindCommitFailed, CommitRequest{Message: payloadHex})
}

// RevealEntry submits the hex-encoded canonical encoding of a committed entry.
func (c *Client) RevealEntry(ctx context.Context, entryHex string) error {
	return c.postJSON(ctx, "reveal entry", revealID(entryHex), c.nodeBase+"/reveal-entry/",
		ledger.KindRevealFailed, RevealRequest{Entry: entryHex})
}

// RevealChain submits the hex-encoded first entry of a committed chain.
func (c *Client) RevealChain(ctx context.Context, entryHex string) error {
	return c.postJSON(ctx, "reveal chain", revealID(entryHex), c.nodeBase+"/reveal-chain/",
		ledger.KindRevealFailed, RevealRequest{Entry: entryHex})
}

// revealID identifies a reveal by its entry hash in errors and logs.
func revealID(entryHex string) string {
	raw, err := ledger.DecodeHex(entryHex)
	if err != nil {
		return ""
	}
	return ledger.HashEncoded(raw).String()
}

// ── HTTP plumbing ───────────────────────────────────────────────────────

// getJSON issues a GET against the node base and decodes the body into out.
// A 404, or an error body saying "not found", is classified as notFound.
func (c *Client) getJSON(ctx context.Context, op, id, path string, notFound ledger.Kind, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.nodeBase+path, nil)
	if err != nil {
		return ledger.WrapError(ledger.KindTransport, op, id, "build request", err)
	}
	req.Header.Set("Accept", "application/json")

	status, body, err := c.do(req, op, id)
	if err != nil {
		return err
	}

	if status < 200 || status >= 300 {
		if notFound != "" && isNotFound(status, body) {
			return ledger.NewError(notFound, op, id, "not found")
		}
		return ledger.NewError(ledger.KindTransport, op, id,
			fmt.Sprintf("node returned HTTP %d: %s", status, snippet(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		if notFound != "" && isNotFound(status, body) {
			return ledger.NewError(notFound, op, id, "not found")
		}
		return ledger.WrapError(ledger.KindProtocolViolation, op, id, "decode response", err)
	}
	return nil
}

// postJSON posts payload to target. Any non-2xx response is classified as
// failKind.
func (c *Client) postJSON(ctx context.Context, op, id, target string, failKind ledger.Kind, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return ledger.WrapError(ledger.KindEncoding, op, id, "marshal request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(b))
	if err != nil {
		return ledger.WrapError(ledger.KindTransport, op, id, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	status, body, err := c.do(req, op, id)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return ledger.NewError(failKind, op, id,
			fmt.Sprintf("node returned HTTP %d: %s", status, snippet(body)))
	}
	return nil
}

// do executes req after waiting on the rate limiter and returns the status
// and body. Only failures to get a response at all are errors here.
func (c *Client) do(req *http.Request, op, id string) (int, []byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return 0, nil, ledger.WrapError(ledger.KindTransport, op, id, "rate limit wait", err)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("node request failed",
			zap.String("op", op),
			zap.String("id", id),
			zap.Error(err),
		)
		return 0, nil, ledger.WrapError(ledger.KindTransport, op, id, "HTTP request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return resp.StatusCode, nil, ledger.WrapError(ledger.KindTransport, op, id, "read response", err)
	}

	c.logger.Debug("node request",
		zap.String("op", op),
		zap.String("id", id),
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)
	return resp.StatusCode, body, nil
}

func isNotFound(status int, body []byte) bool {
	return status == http.StatusNotFound ||
		bytes.Contains(bytes.ToLower(body), []byte("not found"))
}

func snippet(body []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}
