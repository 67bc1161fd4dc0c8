package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"

	"github.com/jmerrifield20/factomledger/internal/devnode"
	"github.com/jmerrifield20/factomledger/internal/nodestore"
	"github.com/jmerrifield20/factomledger/pkg/ledger"
	"github.com/jmerrifield20/factomledger/pkg/publish"
)

func TestDisplay(t *testing.T) {
	tests := []struct {
		in   []byte
		want string
	}{
		{[]byte("hello"), "hello"},
		{[]byte("two\nlines"), "two\nlines"},
		{[]byte{0x00, 0xff}, "0x00ff"},
		{[]byte{0xc3, 0x28}, "0xc328"}, // invalid UTF-8
	}
	for _, tt := range tests {
		if got := display(tt.in); got != tt.want {
			t.Errorf("display(%x) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPrintEntries_json(t *testing.T) {
	chainID := ledger.Sha256([]byte("c"))
	e := ledger.NewEntry(chainID, []byte("body"), []byte("tag"))
	h, err := ledger.EntryHash(e)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	refs := []ledger.EntryRef{{EntryHash: h, Timestamp: 1_700_000_000}}
	if err := printEntries(&buf, "json", refs, []*ledger.Entry{e}); err != nil {
		t.Fatal(err)
	}
	var rows []entryRow
	if err := json.Unmarshal(buf.Bytes(), &rows); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if len(rows) != 1 || rows[0].EntryHash != h.String() || rows[0].Content != "body" || rows[0].ExtIDs[0] != "tag" {
		t.Errorf("unexpected rows: %+v", rows)
	}

	if err := printEntries(&buf, "yaml", refs, nil); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestBalanceCommand(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := nodestore.NewMemoryStore()
	if _, err := store.Credit(ctx, "local", 12); err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(devnode.NewServer(store, devnode.Config{}, nil).NodeRouter(ctx))
	defer ts.Close()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"--node", ts.URL + devnode.APIPrefix, "balance", "local"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(out.String()); got != "local: 12" {
		t.Errorf("output = %q", got)
	}
}

func TestEntryAdd_failedRevealPrintsRetryCommand(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/commit-entry/{name}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Message":"Entry Commit Success"}`)) //nolint:errcheck
	})
	mux.HandleFunc("POST /v1/reveal-entry/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"no matching commit"}`, http.StatusBadRequest)
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	viper.Set("settle_delay", time.Millisecond)
	t.Cleanup(func() { viper.Set("settle_delay", publish.DefaultSettleDelay) })

	chainID := ledger.Sha256([]byte("c"))
	enc, err := ledger.NewEntry(chainID, []byte("paid for")).MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs([]string{
		"--node", ts.URL + devnode.APIPrefix, "--commit", ts.URL + devnode.APIPrefix,
		"entry", "add", "--chain", chainID.String(), "--content", "paid for", "--ec", "local",
	})
	err = rootCmd.Execute()
	if !errors.Is(err, ledger.ErrRevealFailed) {
		t.Fatalf("expected a reveal failure, got %v", err)
	}
	want := "factom-cli reveal " + ledger.EncodeHex(enc)
	if !strings.Contains(out.String(), want) {
		t.Errorf("output lacks the retry command %q:\n%s", want, out.String())
	}
}

func TestChainWatch_rejectsNonPositiveInterval(t *testing.T) {
	t.Cleanup(func() { watchInterval = 10 * time.Second })

	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs([]string{"chain", "watch", ledger.Sha256([]byte("c")).String(), "--interval", "0s"})
	err := rootCmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "--interval must be positive") {
		t.Fatalf("expected an interval error, got %v", err)
	}
}
