// Package devnode serves a development ledger node over HTTP: the read and
// reveal API clients use, the commit API, and a background block sealer.
package devnode

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/factomledger/internal/metrics"
	"github.com/jmerrifield20/factomledger/internal/nodestore"
	"github.com/jmerrifield20/factomledger/pkg/client"
	"github.com/jmerrifield20/factomledger/pkg/commit"
	"github.com/jmerrifield20/factomledger/pkg/ledger"
)

// Handler exposes a nodestore.Store over the node wire format.
type Handler struct {
	store  nodestore.Store
	logger *zap.Logger
}

// NewHandler creates a new Handler.
func NewHandler(store nodestore.Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, logger: logger}
}

// RegisterNode mounts the read, reveal and balance routes.
func (h *Handler) RegisterNode(rg *gin.RouterGroup) {
	rg.GET("/chain-head/:chainid", h.ChainHead)
	rg.GET("/entry-block-by-keymr/:keymr", h.EntryBlock)
	rg.GET("/entry-by-hash/:hash", h.Entry)
	rg.GET("/entry-credit-balance/:name", h.Balance)
	rg.POST("/reveal-entry/", h.RevealEntry)
	rg.POST("/reveal-chain/", h.RevealChain)
}

// RegisterCommit mounts the paid commit routes.
func (h *Handler) RegisterCommit(rg *gin.RouterGroup) {
	rg.POST("/commit-entry/:name", h.CommitEntry)
	rg.POST("/commit-chain/:name", h.CommitChain)
}

// ChainHead handles GET /chain-head/:chainid.
func (h *Handler) ChainHead(c *gin.Context) {
	chainID, ok := hashParam(c, "chainid")
	if !ok {
		return
	}
	head, err := h.store.ChainHead(c.Request.Context(), chainID)
	if err != nil {
		h.fail(c, "chain", err)
		return
	}
	c.JSON(http.StatusOK, client.ChainHeadResponse{ChainHead: head.String()})
}

// EntryBlock handles GET /entry-block-by-keymr/:keymr.
func (h *Handler) EntryBlock(c *gin.Context) {
	keyMR, ok := hashParam(c, "keymr")
	if !ok {
		return
	}
	b, err := h.store.EntryBlock(c.Request.Context(), keyMR)
	if err != nil {
		h.fail(c, "entry block", err)
		return
	}
	c.JSON(http.StatusOK, client.NewEntryBlockResponse(b))
}

// Entry handles GET /entry-by-hash/:hash.
func (h *Handler) Entry(c *gin.Context) {
	hash, ok := hashParam(c, "hash")
	if !ok {
		return
	}
	e, err := h.store.Entry(c.Request.Context(), hash)
	if err != nil {
		h.fail(c, "entry", err)
		return
	}
	c.JSON(http.StatusOK, client.NewEntryResponse(e))
}

// Balance handles GET /entry-credit-balance/:name.
func (h *Handler) Balance(c *gin.Context) {
	n, err := h.store.Balance(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.fail(c, "balance", err)
		return
	}
	c.JSON(http.StatusOK, client.BalanceResponse{Balance: n})
}

// CommitEntry handles POST /commit-entry/:name.
func (h *Handler) CommitEntry(c *gin.Context) {
	raw, ok := decodeMessage(c, commit.EntryCommitSize)
	if !ok {
		metrics.RecordCommit("entry", false)
		return
	}
	var ec commit.EntryCommit
	if err := ec.UnmarshalBinary(raw); err != nil {
		metrics.RecordCommit("entry", false)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := h.store.AddEntryCommit(c.Request.Context(), c.Param("name"), &ec)
	metrics.RecordCommit("entry", err == nil)
	if err != nil {
		h.fail(c, "commit", err)
		return
	}
	h.logger.Info("entry commit accepted",
		zap.String("name", c.Param("name")),
		zap.String("entry_hash", ec.EntryHash.String()),
		zap.Uint8("credits", ec.Credits),
	)
	c.JSON(http.StatusOK, gin.H{"Message": "Entry Commit Success", "EntryHash": ec.EntryHash.String()})
}

// CommitChain handles POST /commit-chain/:name.
func (h *Handler) CommitChain(c *gin.Context) {
	raw, ok := decodeMessage(c, commit.ChainCommitSize)
	if !ok {
		metrics.RecordCommit("chain", false)
		return
	}
	var cc commit.ChainCommit
	if err := cc.UnmarshalBinary(raw); err != nil {
		metrics.RecordCommit("chain", false)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := h.store.AddChainCommit(c.Request.Context(), c.Param("name"), &cc)
	metrics.RecordCommit("chain", err == nil)
	if err != nil {
		h.fail(c, "commit", err)
		return
	}
	h.logger.Info("chain commit accepted",
		zap.String("name", c.Param("name")),
		zap.String("entry_hash", cc.EntryHash.String()),
		zap.Uint8("credits", cc.Credits),
	)
	c.JSON(http.StatusOK, gin.H{"Message": "Chain Commit Success", "EntryHash": cc.EntryHash.String()})
}

// RevealEntry handles POST /reveal-entry/.
func (h *Handler) RevealEntry(c *gin.Context) { h.reveal(c, false) }

// RevealChain handles POST /reveal-chain/.
func (h *Handler) RevealChain(c *gin.Context) { h.reveal(c, true) }

func (h *Handler) reveal(c *gin.Context, chain bool) {
	kind := "entry"
	if chain {
		kind = "chain"
	}

	var req client.RevealRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		metrics.RecordReveal(kind, false)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	raw, err := ledger.DecodeHex(req.Entry)
	if err != nil {
		metrics.RecordReveal(kind, false)
		c.JSON(http.StatusBadRequest, gin.H{"error": "entry is not valid hex"})
		return
	}
	e := new(ledger.Entry)
	if err := e.UnmarshalBinary(raw); err != nil {
		metrics.RecordReveal(kind, false)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	hash, err := h.store.Reveal(c.Request.Context(), e, chain)
	metrics.RecordReveal(kind, err == nil)
	if err != nil {
		h.fail(c, "reveal", err)
		return
	}
	h.logger.Info("reveal accepted",
		zap.String("kind", kind),
		zap.String("entry_hash", hash.String()),
		zap.String("chain_id", e.ChainID.String()),
	)
	c.JSON(http.StatusOK, gin.H{
		"Message":   "Entry Reveal Success",
		"EntryHash": hash.String(),
		"ChainID":   e.ChainID.String(),
	})
}

// hashParam parses a hex hash path parameter, answering 400 on failure.
func hashParam(c *gin.Context, name string) (ledger.Hash, bool) {
	h, err := ledger.ParseHash(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be 64 hex characters"})
		return ledger.ZeroHash, false
	}
	return h, true
}

// decodeMessage binds a client.CommitRequest and hex-decodes its message,
// which must be exactly size bytes.
func decodeMessage(c *gin.Context, size int) ([]byte, bool) {
	var req client.CommitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return nil, false
	}
	raw, err := ledger.DecodeHex(req.Message)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is not valid hex"})
		return nil, false
	}
	if len(raw) != size {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message has the wrong length"})
		return nil, false
	}
	return raw, true
}

// fail maps a store error onto an HTTP status. Not-found bodies always say
// "not found" so clients can classify them.
func (h *Handler) fail(c *gin.Context, what string, err error) {
	status := statusFor(err)
	msg := err.Error()
	switch {
	case status == http.StatusNotFound:
		msg = what + " not found"
	case status >= http.StatusInternalServerError:
		h.logger.Error("store error", zap.String("op", what), zap.Error(err))
		msg = "internal error"
	}
	c.JSON(status, gin.H{"error": msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, nodestore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, nodestore.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, nodestore.ErrDuplicateCommit), errors.Is(err, nodestore.ErrChainExists):
		return http.StatusConflict
	case errors.Is(err, nodestore.ErrStaleCommit),
		errors.Is(err, nodestore.ErrNoCommit),
		errors.Is(err, nodestore.ErrUnderpaid),
		errors.Is(err, nodestore.ErrUnknownChain),
		errors.Is(err, nodestore.ErrInvalidEntry):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
