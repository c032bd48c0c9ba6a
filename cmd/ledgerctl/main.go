package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/materialledger/internal/auditor"
	"github.com/jmerrifield20/materialledger/internal/config"
	"github.com/jmerrifield20/materialledger/internal/eventledger"
	"github.com/jmerrifield20/materialledger/internal/storage"
	"github.com/jmerrifield20/materialledger/pkg/client"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile      string
	outputFormat string
	verbose      bool
	serverURL    string
	authToken    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Inspect and verify the material ledger",
	Long: `ledgerctl reads the ledger store directly, using the same configuration
as ledgerd (ledger.yaml plus environment overrides).

  ledgerctl events product 3f0c...     list a product's lifecycle events
  ledgerctl verify supply_chain 3f0c... --batch LOT-7
  ledgerctl audit                      verify every partition

With --server, events and verify go through a running ledgerd instead of
the store, and append becomes available.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default configs/ledger.yaml or ./ledger.yaml)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "text", "Output format: text or json")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log storage activity to stderr")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "ledgerd base URL (e.g. http://localhost:8080); reads the store directly when empty")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", os.Getenv("LEDGER_TOKEN"), "Bearer token for write requests (default $LEDGER_TOKEN)")

	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(versionCmd)
}

// openLedger loads configuration and opens the configured store. The returned
// func closes the store.
func openLedger(ctx context.Context) (*eventledger.Ledger, *config.Config, func(), error) {
	cfg, err := config.Load(cfgFile)
	if err != nil && !errors.Is(err, config.ErrNoConfigFile) {
		return nil, nil, nil, err
	}

	logger := zap.NewNop()
	if verbose {
		if l, err := zap.NewDevelopment(); err == nil {
			logger = l
		}
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Storage.ConnectTimeout)
	defer cancel()
	backend, err := storage.Open(connectCtx, cfg.Storage, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open storage: %w", err)
	}
	closeFn := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = backend.Close(closeCtx)
	}
	ledger := eventledger.New(backend.Store, logger, eventledger.WithMaxAppendAttempts(cfg.Ledger.MaxAppendAttempts))
	return ledger, cfg, closeFn, nil
}

// chainReader is satisfied by both *eventledger.Ledger and *client.Client.
type chainReader interface {
	Events(ctx context.Context, p eventledger.Partition) ([]*eventledger.Event, error)
	VerifyChain(ctx context.Context, p eventledger.Partition) (*eventledger.VerifyResult, error)
}

func openReader(ctx context.Context) (chainReader, func(), error) {
	if serverURL != "" {
		c, err := newClient()
		return c, func() {}, err
	}
	ledger, _, closeFn, err := openLedger(ctx)
	return ledger, closeFn, err
}

func newClient() (*client.Client, error) {
	return client.New(serverURL, client.WithBearerToken(authToken))
}

func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

var batchNumber string

func partitionFromArgs(args []string) (eventledger.Partition, error) {
	id, err := uuid.Parse(args[1])
	if err != nil {
		return eventledger.Partition{}, fmt.Errorf("invalid id %q: %w", args[1], err)
	}
	p := eventledger.Partition{Family: eventledger.Family(args[0]), EntityID: id, BatchNumber: batchNumber}
	return p, p.Validate()
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── events ───────────────────────────────────────────────────────────────────

var eventsCmd = &cobra.Command{
	Use:   "events <product|certification|supply_chain> <id>",
	Short: "List the events of one partition in chain order",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := partitionFromArgs(args)
		if err != nil {
			return err
		}
		ctx, stop := commandContext()
		defer stop()
		reader, closeFn, err := openReader(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		events, err := reader.Events(ctx, p)
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(events)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tTIMESTAMP\tTYPE\tHASH\tACTOR")
		for _, e := range events {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
				e.Seq, eventledger.FormatTimestamp(e.Timestamp), e.EventType, shortHash(e.EventHash), e.ActorID)
		}
		return w.Flush()
	},
}

// ── verify ───────────────────────────────────────────────────────────────────

var verifyCmd = &cobra.Command{
	Use:   "verify <product|certification|supply_chain> <id>",
	Short: "Re-walk one partition and recompute every hash",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := partitionFromArgs(args)
		if err != nil {
			return err
		}
		ctx, stop := commandContext()
		defer stop()
		reader, closeFn, err := openReader(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		res, err := reader.VerifyChain(ctx, p)
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			if err := printJSON(res); err != nil {
				return err
			}
		} else if res.Valid {
			fmt.Printf("%s: valid (%d events, tip %s)\n", p.Key(), res.Checked, res.TipHash)
		} else {
			fmt.Printf("%s: INVALID at index %d (event %s): %s\n",
				p.Key(), res.FailureIndex, res.FailureEventID, res.Reason)
		}
		if !res.Valid {
			return errors.New("chain verification failed")
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{eventsCmd, verifyCmd} {
		c.Flags().StringVar(&batchNumber, "batch", "", "Batch number (supply_chain only)")
	}
}

// ── audit ────────────────────────────────────────────────────────────────────

var auditConcurrency int

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Verify every partition in the store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := commandContext()
		defer stop()
		ledger, cfg, closeFn, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		concurrency := auditConcurrency
		if concurrency <= 0 {
			concurrency = cfg.Auditor.Concurrency
		}
		report, err := auditor.New(ledger, auditor.Config{
			Concurrency: concurrency,
			Timeout:     cfg.Auditor.Timeout,
		}, zap.NewNop()).RunOnce(ctx)
		if err != nil {
			return err
		}

		if outputFormat == "json" {
			if err := printJSON(report); err != nil {
				return err
			}
		} else {
			fmt.Printf("partitions: %d  events: %d  unreadable: %d  duration: %s\n",
				report.Partitions, report.Events, report.Errors, report.Duration.Round(time.Millisecond))
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			for _, v := range report.Violations {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", v.Partition.Key(), v.FailureIndex, v.FailureEventID, v.Reason)
			}
			if err := w.Flush(); err != nil {
				return err
			}
		}
		if !report.OK() {
			return fmt.Errorf("audit found %d broken partitions and %d unreadable", len(report.Violations), report.Errors)
		}
		return nil
	},
}

func init() {
	auditCmd.Flags().IntVar(&auditConcurrency, "concurrency", 0, "Partitions verified in parallel (default auditor.concurrency)")
}

// ── append ───────────────────────────────────────────────────────────────────

var (
	appendType     string
	appendData     string
	appendBatch    string
	appendSupplier string
	appendSource   string
	appendLat      float64
	appendLon      float64
)

var appendCmd = &cobra.Command{
	Use:   "append <product|certification|supply_chain> <id>",
	Short: "Append an event through a running ledgerd (requires --server)",
	Long: `Append posts one event to ledgerd, which hashes and chains it.

  ledgerctl --server http://localhost:8080 append product 3f0c... \
      --type CREATED --data '{"name":"Bamboo Flooring","price":45.99}'
  ledgerctl --server http://localhost:8080 append supply_chain 3f0c... \
      --batch LOT-7 --type SHIPPED --lat 51.5 --lon -0.12`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if serverURL == "" {
			return errors.New("append requires --server")
		}
		id, err := uuid.Parse(args[1])
		if err != nil {
			return fmt.Errorf("invalid id %q: %w", args[1], err)
		}

		req := client.AppendRequest{
			EventType:          appendType,
			VerificationSource: appendSource,
			BatchNumber:        appendBatch,
		}
		if appendData != "" {
			if !json.Valid([]byte(appendData)) {
				return errors.New("--data is not valid JSON")
			}
			req.EventData = json.RawMessage(appendData)
		}
		if appendSupplier != "" {
			if req.SupplierID, err = uuid.Parse(appendSupplier); err != nil {
				return fmt.Errorf("invalid --supplier: %w", err)
			}
		}
		if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lon") {
			req.Geolocation = &eventledger.Geolocation{Latitude: appendLat, Longitude: appendLon}
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, stop := commandContext()
		defer stop()

		var ev *eventledger.Event
		switch eventledger.Family(args[0]) {
		case eventledger.FamilyProduct:
			ev, err = c.AppendProductEvent(ctx, id, req)
		case eventledger.FamilyCertification:
			ev, err = c.AppendCertificationEvent(ctx, id, req)
		case eventledger.FamilySupplyChain:
			ev, err = c.AppendSupplyChainEvent(ctx, id, req)
		default:
			return fmt.Errorf("unknown family %q", args[0])
		}
		if err != nil {
			return err
		}

		if outputFormat == "json" {
			return printJSON(ev)
		}
		fmt.Printf("%s #%d %s %s\n", ev.Partition.Key(), ev.Seq, ev.EventType, ev.EventHash)
		return nil
	},
}

func init() {
	appendCmd.Flags().StringVar(&appendType, "type", "", "Event type, e.g. CREATED or SHIPPED")
	appendCmd.Flags().StringVar(&appendData, "data", "", "Event data as a JSON document")
	appendCmd.Flags().StringVar(&appendBatch, "batch", "", "Batch number (supply_chain only)")
	appendCmd.Flags().StringVar(&appendSupplier, "supplier", "", "Supplier UUID")
	appendCmd.Flags().StringVar(&appendSource, "source", "", "Verification source (certification only)")
	appendCmd.Flags().Float64Var(&appendLat, "lat", 0, "Origin latitude (supply_chain only)")
	appendCmd.Flags().Float64Var(&appendLon, "lon", 0, "Origin longitude (supply_chain only)")
	_ = appendCmd.MarkFlagRequired("type")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the ledgerctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ledgerctl %s\n", version)
	},
}
