package devnode_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/factomledger/internal/devnode"
	"github.com/jmerrifield20/factomledger/internal/nodestore"
	"github.com/jmerrifield20/factomledger/pkg/commit"
	"github.com/jmerrifield20/factomledger/pkg/ledger"
)

func setupRouters(t *testing.T, credits int64) (node, commitAPI *gin.Engine, store *nodestore.MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store = nodestore.NewMemoryStore()
	if credits > 0 {
		if _, err := store.Credit(context.Background(), "alice", credits); err != nil {
			t.Fatal(err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv := devnode.NewServer(store, devnode.Config{RateLimitRPS: 1000}, zap.NewNop())
	return srv.NodeRouter(ctx), srv.CommitRouter(ctx), store
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func entryCommitBody(t *testing.T, e *ledger.Entry) string {
	t.Helper()
	ec, err := commit.NewEntryCommit(e, time.Now(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return `{"Message":"` + ec.Hex() + `"}`
}

func TestHealthz_200(t *testing.T) {
	node, commitAPI, _ := setupRouters(t, 0)
	for _, r := range []http.Handler{node, commitAPI} {
		w := do(r, http.MethodGet, "/healthz", "")
		if w.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", w.Code)
		}
		if w.Header().Get("X-Request-ID") == "" {
			t.Error("missing X-Request-ID header")
		}
	}
}

func TestChainHead_404(t *testing.T) {
	node, _, _ := setupRouters(t, 0)
	w := do(node, http.MethodGet, "/v1/chain-head/"+ledger.Sha256([]byte("x")).String(), "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "not found") {
		t.Errorf("body should say not found: %s", w.Body.String())
	}
}

func TestChainHead_400_badHash(t *testing.T) {
	node, _, _ := setupRouters(t, 0)
	w := do(node, http.MethodGet, "/v1/chain-head/zz", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestBalance_200(t *testing.T) {
	node, _, _ := setupRouters(t, 42)
	w := do(node, http.MethodGet, "/v1/entry-credit-balance/alice", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := strings.TrimSpace(w.Body.String()); got != `{"Balance":42}` {
		t.Errorf("body = %s", got)
	}
}

func TestCommitEntry_statuses(t *testing.T) {
	_, commitAPI, store := setupRouters(t, 1)
	e := ledger.NewEntry(ledger.Sha256([]byte("c")), []byte("hi"))
	body := entryCommitBody(t, e)

	if w := do(commitAPI, http.MethodPost, "/v1/commit-entry/alice", body); w.Code != http.StatusOK {
		t.Fatalf("first commit: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if b, _ := store.Balance(context.Background(), "alice"); b != 0 {
		t.Errorf("balance after commit = %d, want 0", b)
	}
	if w := do(commitAPI, http.MethodPost, "/v1/commit-entry/alice", body); w.Code != http.StatusConflict {
		t.Errorf("duplicate commit: expected 409, got %d", w.Code)
	}

	other := entryCommitBody(t, ledger.NewEntry(ledger.Sha256([]byte("c")), []byte("again")))
	if w := do(commitAPI, http.MethodPost, "/v1/commit-entry/alice", other); w.Code != http.StatusPaymentRequired {
		t.Errorf("broke: expected 402, got %d", w.Code)
	}
	if w := do(commitAPI, http.MethodPost, "/v1/commit-entry/alice", `{"Message":"00ff"}`); w.Code != http.StatusBadRequest {
		t.Errorf("short message: expected 400, got %d", w.Code)
	}
	if w := do(commitAPI, http.MethodPost, "/v1/commit-chain/alice", body); w.Code != http.StatusBadRequest {
		t.Errorf("entry commit on chain route: expected 400, got %d", w.Code)
	}
}

func TestReveal_withoutCommit_400(t *testing.T) {
	node, _, _ := setupRouters(t, 0)
	e := ledger.NewEntry(ledger.Sha256([]byte("c")), []byte("hi"))
	enc, err := e.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	w := do(node, http.MethodPost, "/v1/reveal-entry/", `{"Entry":"`+ledger.EncodeHex(enc)+`"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	if w := do(node, http.MethodPost, "/v1/reveal-entry/", `{"Entry":"not hex"}`); w.Code != http.StatusBadRequest {
		t.Errorf("bad hex: expected 400, got %d", w.Code)
	}
}

func TestRouters_splitAPIs(t *testing.T) {
	node, commitAPI, _ := setupRouters(t, 0)
	if w := do(node, http.MethodPost, "/v1/commit-entry/alice", `{"Message":""}`); w.Code != http.StatusNotFound {
		t.Errorf("node router serves commits: got %d", w.Code)
	}
	if w := do(commitAPI, http.MethodPost, "/v1/reveal-entry/", `{"Entry":""}`); w.Code != http.StatusNotFound {
		t.Errorf("commit router serves reveals: got %d", w.Code)
	}
	if w := do(node, http.MethodGet, "/metrics", ""); w.Code != http.StatusOK {
		t.Errorf("/metrics: got %d", w.Code)
	}
}

func TestSinglePort_mountsCommits(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := devnode.NewServer(nodestore.NewMemoryStore(), devnode.Config{SinglePort: true}, nil)
	node := srv.NodeRouter(ctx)

	e := ledger.NewEntry(ledger.Sha256([]byte("c")), []byte("hi"))
	if w := do(node, http.MethodPost, "/v1/commit-entry/alice", entryCommitBody(t, e)); w.Code != http.StatusPaymentRequired {
		t.Errorf("expected 402 from the mounted commit route, got %d", w.Code)
	}
}

func TestRateLimiter_429(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := gin.New()
	r.Use(devnode.RateLimiter(ctx, 1, 1))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	if w := do(r, http.MethodGet, "/x", ""); w.Code != http.StatusNoContent {
		t.Fatalf("first request: got %d", w.Code)
	}
	w := do(r, http.MethodGet, "/x", "")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
}

// commitFrom posts to path as if from the client address ip.
func commitFrom(r http.Handler, path, ip string) int {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader("{}"))
	req.RemoteAddr = ip + ":40000"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRateLimiter_commitsSpendAddressAndCreditSource(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := gin.New()
	r.Use(devnode.RateLimiter(ctx, 1, 1))
	r.POST("/commit/:name", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	if got := commitFrom(r, "/commit/alice", "10.0.0.1"); got != http.StatusNoContent {
		t.Fatalf("alice from .1: got %d", got)
	}
	if got := commitFrom(r, "/commit/alice", "10.0.0.2"); got != http.StatusTooManyRequests {
		t.Errorf("alice from a new address: expected 429, got %d", got)
	}
	if got := commitFrom(r, "/commit/bob", "10.0.0.1"); got != http.StatusTooManyRequests {
		t.Errorf("new name from a spent address: expected 429, got %d", got)
	}
	// Refused requests spend nothing, so neither bucket above drained these.
	if got := commitFrom(r, "/commit/bob", "10.0.0.3"); got != http.StatusNoContent {
		t.Errorf("bob from .3: got %d", got)
	}
	if got := commitFrom(r, "/commit/carol", "10.0.0.2"); got != http.StatusNoContent {
		t.Errorf("carol from .2: got %d", got)
	}
}
