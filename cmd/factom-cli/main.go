package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jmerrifield20/factomledger/internal/metrics"
	"github.com/jmerrifield20/factomledger/pkg/client"
	"github.com/jmerrifield20/factomledger/pkg/ledger"
	"github.com/jmerrifield20/factomledger/pkg/publish"
	"github.com/jmerrifield20/factomledger/pkg/walker"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile   string
	nodeURL   string
	commitURL string
	verbose   bool

	logger = zap.NewNop()
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "factom-cli",
	Short: "Write to and read from a Factom-style ledger",
	Long: `factom-cli publishes entries and chains with the two-phase
commit/reveal protocol and reads chains back by walking entry blocks.

Configuration is read from ~/.factom-cli/config.yaml (or --config) and from
FACTOM_* environment variables. Flags take precedence.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".factom-cli"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("FACTOM")
		viper.AutomaticEnv()

		viper.SetDefault("node_url", client.DefaultNodeURL)
		viper.SetDefault("commit_url", client.DefaultCommitURL)
		viper.SetDefault("settle_delay", publish.DefaultSettleDelay)
		viper.SetDefault("rate_limit_rps", 0)
		viper.SetDefault("credit_source", "")

		if err := viper.ReadInConfig(); err != nil {
			var cfgNotFound viper.ConfigFileNotFoundError
			if cfgFile != "" || !errors.As(err, &cfgNotFound) {
				return fmt.Errorf("read config: %w", err)
			}
		}

		if nodeURL == "" {
			nodeURL = viper.GetString("node_url")
		}
		if commitURL == "" {
			commitURL = viper.GetString("commit_url")
		}
		if verbose {
			l, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			logger = l
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.factom-cli/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&nodeURL, "node", "", "node API base URL (default "+client.DefaultNodeURL+")")
	rootCmd.PersistentFlags().StringVar(&commitURL, "commit", "", "commit API base URL (default "+client.DefaultCommitURL+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log requests and protocol steps to stderr")

	rootCmd.AddCommand(chainCmd)
	rootCmd.AddCommand(entryCmd)
	rootCmd.AddCommand(eblockCmd)
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(revealCmd)
	rootCmd.AddCommand(versionCmd)
}

// newClient builds a node client from the resolved configuration.
func newClient() (*client.Client, error) {
	opts := []client.Option{client.WithLogger(logger)}
	if rps := viper.GetFloat64("rate_limit_rps"); rps > 0 {
		opts = append(opts, client.WithRateLimit(rps, max(1, int(rps))))
	}
	return client.New(nodeURL, commitURL, opts...)
}

// signalContext is cancelled by Ctrl-C or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// ── chain ────────────────────────────────────────────────────────────────────

var chainCmd = &cobra.Command{
	Use:   "chain",
	Short: "Create chains and read their history",
}

func init() {
	chainCmd.AddCommand(chainNewCmd)
	chainCmd.AddCommand(chainHeadCmd)
	chainCmd.AddCommand(chainEntriesCmd)
	chainCmd.AddCommand(chainWatchCmd)
}

// entryInput collects the flags shared by chain new and entry add.
type entryInput struct {
	extIDs    []string
	extIDsHex []string
	content   string
	file      string
	ec        string
	noWait    bool
}

func (in *entryInput) register(cmd *cobra.Command) {
	cmd.Flags().StringArrayVar(&in.extIDs, "ext-id", nil, "external id as text (repeatable, order preserved)")
	cmd.Flags().StringArrayVar(&in.extIDsHex, "ext-id-hex", nil, "external id as hex (repeatable, appended after --ext-id)")
	cmd.Flags().StringVar(&in.content, "content", "", "entry content as text")
	cmd.Flags().StringVar(&in.file, "file", "", "read entry content from a file (- for stdin)")
	cmd.Flags().StringVar(&in.ec, "ec", "", "entry credit source paying for the commit (default from config credit_source)")
	cmd.Flags().BoolVar(&in.noWait, "no-wait", false, "commit only and print the entry for a later reveal")
	cmd.MarkFlagsMutuallyExclusive("content", "file")
}

// build assembles the entry for chainID from the flags.
func (in *entryInput) build(chainID ledger.Hash) (*ledger.Entry, error) {
	extIDs := make([][]byte, 0, len(in.extIDs)+len(in.extIDsHex))
	for _, s := range in.extIDs {
		extIDs = append(extIDs, []byte(s))
	}
	for _, s := range in.extIDsHex {
		b, err := ledger.DecodeHex(s)
		if err != nil {
			return nil, fmt.Errorf("--ext-id-hex %q: %w", s, err)
		}
		extIDs = append(extIDs, b)
	}

	content := []byte(in.content)
	switch in.file {
	case "":
	case "-":
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		content = b
	default:
		b, err := os.ReadFile(in.file)
		if err != nil {
			return nil, fmt.Errorf("read content: %w", err)
		}
		content = b
	}
	return ledger.NewEntry(chainID, content, extIDs...), nil
}

func (in *entryInput) creditSource() (string, error) {
	if in.ec != "" {
		return in.ec, nil
	}
	if s := viper.GetString("credit_source"); s != "" {
		return s, nil
	}
	return "", errors.New("no credit source: pass --ec or set credit_source")
}

var chainNewIn entryInput

var chainNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Create a new chain from its first entry",
	Long: `new derives the chain id from the ext-ids of the first entry, commits
the chain, waits for the node to settle the commit and reveals the entry.

  factom-cli chain new --ext-id invoices --ext-id 2025 --content "opened" --ec local`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		first, err := chainNewIn.build(ledger.ZeroHash)
		if err != nil {
			return err
		}
		if len(first.ExtIDs) == 0 {
			return errors.New("a chain needs at least one --ext-id or --ext-id-hex")
		}
		chain, err := ledger.NewChain(first)
		if err != nil {
			return err
		}
		return runPublish(cmd, &chainNewIn, func(o *publish.Orchestrator) (*publish.Cycle, error) {
			return o.PrepareChain(chain)
		})
	},
}

func init() {
	chainNewIn.register(chainNewCmd)
}

// runPublish prepares a cycle and either publishes it or, with --no-wait,
// commits it and prints what is needed to reveal it later.
func runPublish(cmd *cobra.Command, in *entryInput, prepare func(*publish.Orchestrator) (*publish.Cycle, error)) error {
	name, err := in.creditSource()
	if err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	o := publish.New(c, publish.Config{SettleDelay: viper.GetDuration("settle_delay")},
		publish.WithLogger(logger),
		publish.WithMetrics(metrics.RecordPublish),
	)
	cy, err := prepare(o)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()
	out := cmd.OutOrStdout()

	if in.noWait {
		p, err := cy.Commit(ctx, name)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "✓ Committed (not revealed)\n\n")
		fmt.Fprintf(out, "  Chain ID:   %s\n", cy.ChainID())
		fmt.Fprintf(out, "  Entry hash: %s\n", cy.EntryHash())
		fmt.Fprintf(out, "  Credits:    %d\n", cy.Credits())
		fmt.Fprintf(out, "  Ready at:   %s\n\n", p.ReadyAt().Format(time.RFC3339))
		fmt.Fprintf(out, "Reveal with:\n  %s\n\n", revealHint(cy))
		fmt.Fprintln(out, "The credits are spent. If the entry is never revealed they are lost.")
		return nil
	}

	fmt.Fprintf(out, "Committing %s, then waiting %s before the reveal (Ctrl-C to stop)...\n",
		cy.EntryHash(), viper.GetDuration("settle_delay"))
	rec, err := o.Publish(ctx, cy, name)
	if err != nil {
		switch cy.State() {
		case publish.StateCommitted:
			fmt.Fprintf(out, "\nStopped before the reveal. Reveal later with:\n  %s\n", revealHint(cy))
		case publish.StateRevealWindow:
			fmt.Fprintf(out, "\nThe commit went through but the reveal failed. Retry it with:\n  %s\n", revealHint(cy))
		}
		return err
	}
	fmt.Fprintf(out, "✓ Revealed\n\n")
	fmt.Fprintf(out, "  Chain ID:   %s\n", rec.ChainID)
	fmt.Fprintf(out, "  Entry hash: %s\n", rec.EntryHash)
	fmt.Fprintf(out, "  Credits:    %d\n", rec.Credits)
	fmt.Fprintln(out, "\nThe entry appears in the chain once the node seals its next block.")
	return nil
}

// revealHint is the command that reveals cy by hand.
func revealHint(cy *publish.Cycle) string {
	if cy.NewChain() {
		return "factom-cli reveal --chain " + cy.EntryHex()
	}
	return "factom-cli reveal " + cy.EntryHex()
}

var chainHeadCmd = &cobra.Command{
	Use:   "head <chain-id>",
	Short: "Print the key MR of a chain's newest entry block",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chainID, err := ledger.ParseHash(args[0])
		if err != nil {
			return fmt.Errorf("chain id: %w", err)
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		head, err := c.GetChainHead(cmd.Context(), chainID)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), head)
		return nil
	},
}

var (
	entriesBodies bool
	entriesFormat string
)

var chainEntriesCmd = &cobra.Command{
	Use:   "entries <chain-id>",
	Short: "List every entry in a chain, newest block first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chainID, err := ledger.ParseHash(args[0])
		if err != nil {
			return fmt.Errorf("chain id: %w", err)
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		w := walker.New(c, walker.WithLogger(logger), walker.WithMetrics(metrics.RecordWalk))
		refs, err := w.Walk(ctx, chainID)
		if err != nil {
			return err
		}
		var bodies []*ledger.Entry
		if entriesBodies {
			if bodies, err = walker.FetchEntries(ctx, c, refs); err != nil {
				return err
			}
		}
		return printEntries(cmd.OutOrStdout(), entriesFormat, refs, bodies)
	},
}

func init() {
	chainEntriesCmd.Flags().BoolVar(&entriesBodies, "bodies", false, "fetch and print entry bodies")
	chainEntriesCmd.Flags().StringVar(&entriesFormat, "format", "text", "output format: text or json")
}

var (
	watchInterval    time.Duration
	watchMetricsAddr string
	watchFromStart   bool
)

var chainWatchCmd = &cobra.Command{
	Use:   "watch <chain-id>",
	Short: "Poll a chain and print entries as new blocks appear",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if watchInterval <= 0 {
			return fmt.Errorf("--interval must be positive, got %s", watchInterval)
		}
		chainID, err := ledger.ParseHash(args[0])
		if err != nil {
			return fmt.Errorf("chain id: %w", err)
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		if watchMetricsAddr != "" {
			srv := &http.Server{Addr: watchMetricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 10 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Warn("metrics listener", zap.Error(err))
				}
			}()
			defer srv.Close()
		}

		w := walker.New(c, walker.WithLogger(logger), walker.WithMetrics(metrics.RecordWalk))
		out := cmd.OutOrStdout()
		var last ledger.Hash
		first := true

		ticker := time.NewTicker(watchInterval)
		defer ticker.Stop()
		for {
			head, err := c.GetChainHead(ctx, chainID)
			switch {
			case errors.Is(err, ledger.ErrChainNotFound):
				logger.Debug("chain has no head yet", zap.String("chain_id", chainID.String()))
			case err != nil:
				if ctx.Err() != nil {
					return nil
				}
				if !ledger.IsRetryable(err) {
					return err
				}
				logger.Warn("poll chain head", zap.Error(err))
			case head != last:
				if first && !watchFromStart {
					last = head
					break
				}
				refs, err := w.WalkUntil(ctx, head, last)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				slices.Reverse(refs)
				for _, r := range refs {
					fmt.Fprintf(out, "%s  %s\n", time.Unix(r.Timestamp, 0).UTC().Format(time.RFC3339), r.EntryHash)
				}
				last = head
			}
			first = false

			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	},
}

func init() {
	chainWatchCmd.Flags().DurationVar(&watchInterval, "interval", 10*time.Second, "poll interval")
	chainWatchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while watching (e.g. :9102)")
	chainWatchCmd.Flags().BoolVar(&watchFromStart, "from-start", false, "print the existing history before following new blocks")
}

// ── entry ────────────────────────────────────────────────────────────────────

var entryCmd = &cobra.Command{
	Use:   "entry",
	Short: "Add entries to chains and fetch them",
}

var (
	entryAddIn    entryInput
	entryAddChain string
)

var entryAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add an entry to an existing chain",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		chainID, err := ledger.ParseHash(entryAddChain)
		if err != nil {
			return fmt.Errorf("--chain: %w", err)
		}
		e, err := entryAddIn.build(chainID)
		if err != nil {
			return err
		}
		return runPublish(cmd, &entryAddIn, func(o *publish.Orchestrator) (*publish.Cycle, error) {
			return o.PrepareEntry(e)
		})
	},
}

var entryGetCmd = &cobra.Command{
	Use:   "get <entry-hash>",
	Short: "Fetch a revealed entry and verify its hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := ledger.ParseHash(args[0])
		if err != nil {
			return fmt.Errorf("entry hash: %w", err)
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		entries, err := walker.FetchEntries(cmd.Context(), c, []ledger.EntryRef{{EntryHash: hash}})
		if err != nil {
			return err
		}
		return printEntries(cmd.OutOrStdout(), entriesFormat, []ledger.EntryRef{{EntryHash: hash}}, entries)
	},
}

func init() {
	entryAddIn.register(entryAddCmd)
	entryAddCmd.Flags().StringVar(&entryAddChain, "chain", "", "chain id to add the entry to")
	_ = entryAddCmd.MarkFlagRequired("chain")

	entryGetCmd.Flags().StringVar(&entriesFormat, "format", "text", "output format: text or json")

	entryCmd.AddCommand(entryAddCmd)
	entryCmd.AddCommand(entryGetCmd)
}

// ── eblock ───────────────────────────────────────────────────────────────────

var eblockCmd = &cobra.Command{
	Use:   "eblock",
	Short: "Inspect entry blocks",
}

var eblockGetCmd = &cobra.Command{
	Use:   "get <key-mr>",
	Short: "Print an entry block",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keyMR, err := ledger.ParseHash(args[0])
		if err != nil {
			return fmt.Errorf("key MR: %w", err)
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		b, err := c.GetEntryBlock(cmd.Context(), keyMR)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Key MR:    %s\n", b.KeyMR)
		fmt.Fprintf(out, "Chain ID:  %s\n", b.Header.ChainID)
		fmt.Fprintf(out, "Sequence:  %d\n", b.Header.BlockSequenceNumber)
		if b.IsGenesis() {
			fmt.Fprintf(out, "Previous:  (genesis)\n")
		} else {
			fmt.Fprintf(out, "Previous:  %s\n", b.Header.PrevKeyMR)
		}
		fmt.Fprintf(out, "Time:      %s\n", time.Unix(b.Header.Timestamp, 0).UTC().Format(time.RFC3339))
		fmt.Fprintf(out, "Entries:   %d\n", len(b.EntryList))
		for _, r := range b.EntryList {
			fmt.Fprintf(out, "  %s\n", r.EntryHash)
		}
		return nil
	},
}

func init() {
	eblockCmd.AddCommand(eblockGetCmd)
}

// ── balance ──────────────────────────────────────────────────────────────────

var balanceCmd = &cobra.Command{
	Use:   "balance [name]",
	Short: "Print the entry credit balance of a credit source",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := viper.GetString("credit_source")
		if len(args) == 1 {
			name = args[0]
		}
		if name == "" {
			return errors.New("no credit source: pass a name or set credit_source")
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		n, err := c.GetECBalance(cmd.Context(), name)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d\n", name, n)
		return nil
	},
}

// ── reveal ───────────────────────────────────────────────────────────────────

var revealChain bool

var revealCmd = &cobra.Command{
	Use:   "reveal <entry-hex>",
	Short: "Reveal an entry committed earlier with --no-wait",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := ledger.DecodeHex(args[0])
		if err != nil {
			return err
		}
		e := new(ledger.Entry)
		if err := e.UnmarshalBinary(raw); err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		if revealChain {
			err = c.RevealChain(cmd.Context(), args[0])
		} else {
			err = c.RevealEntry(cmd.Context(), args[0])
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Revealed %s\n", ledger.HashEncoded(raw))
		return nil
	},
}

func init() {
	revealCmd.Flags().BoolVar(&revealChain, "chain", false, "the entry is the first entry of a new chain")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "factom-cli %s\n", version)
	},
}

// ── output ───────────────────────────────────────────────────────────────────

type entryRow struct {
	EntryHash string   `json:"entry_hash"`
	Timestamp int64    `json:"timestamp,omitempty"`
	ChainID   string   `json:"chain_id,omitempty"`
	ExtIDs    []string `json:"ext_ids,omitempty"`
	Content   string   `json:"content,omitempty"`
}

// printEntries prints refs, with their bodies when bodies is non-nil.
// bodies[i] belongs to refs[i].
func printEntries(out io.Writer, format string, refs []ledger.EntryRef, bodies []*ledger.Entry) error {
	rows := make([]entryRow, len(refs))
	for i, r := range refs {
		rows[i] = entryRow{EntryHash: r.EntryHash.String(), Timestamp: r.Timestamp}
		if bodies != nil {
			e := bodies[i]
			rows[i].ChainID = e.ChainID.String()
			rows[i].Content = display(e.Content)
			for _, x := range e.ExtIDs {
				rows[i].ExtIDs = append(rows[i].ExtIDs, display(x))
			}
		}
	}

	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	case "text":
	default:
		return fmt.Errorf("unknown format %q (want text or json)", format)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if bodies == nil {
		fmt.Fprintln(w, "ENTRY HASH\tTIME")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%s\n", r.EntryHash, formatTime(r.Timestamp))
		}
		return w.Flush()
	}
	fmt.Fprintln(w, "ENTRY HASH\tEXT IDS\tCONTENT")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.EntryHash, strings.Join(r.ExtIDs, ","), r.Content)
	}
	return w.Flush()
}

// display shows printable UTF-8 as text and anything else as hex.
func display(b []byte) string {
	if utf8.Valid(b) && !strings.ContainsFunc(string(b), func(r rune) bool { return r < 0x20 && r != '\n' && r != '\t' }) {
		return string(b)
	}
	return "0x" + ledger.EncodeHex(b)
}

func formatTime(ts int64) string {
	if ts == 0 {
		return "-"
	}
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}
