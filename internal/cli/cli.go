// ============================================================================
// Beaver-STM CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides user-friendly command line interface based on Cobra framework
//
// Command Structure:
//   stmctl                         # Root command
//   ├── run                        # Run the bank transfer simulation
//   │   ├── --transfers, -n        # Override bank.transfers
//   │   └── --workers, -w          # Override engine.workers
//   ├── history                    # Replay and print the transaction journal
//   │   ├── --file, -f             # Journal path (default: journal.path)
//   │   └── --stats                # Print a summary instead of every event
//   ├── inspect                    # Print a registry dump
//   │   └── --file, -f             # Dump path (default: snapshot.path)
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --version
//
// run Command:
//   1. Load config file
//   2. Start Metrics HTTP server (if enabled)
//   3. Open accounts, run concurrent random transfers, wait on a latch
//   4. Print balances and the conservation verdict
//   5. If metrics are enabled, keep serving until SIGINT / SIGTERM
//
//   SIGINT / SIGTERM during the run cancels the context: transactions still
//   waiting to retry are aborted, final balances are still printed.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/beaver-stm/internal/metrics"
	"github.com/ChuLiYu/beaver-stm/internal/snapshot"
	"github.com/ChuLiYu/beaver-stm/internal/storage/journal"
	"github.com/ChuLiYu/beaver-stm/pkg/types"
)

var configFile string

// BuildCLI 建立 root command
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stmctl",
		Short: "Beaver-STM: an optimistic software transactional memory engine",
		Long: `Beaver-STM runs transactions over shared memory cells with:
- optimistic execution and commit-time validation
- automatic rollback and retry with backoff
- a transaction journal and registry dumps for inspection
- Prometheus metrics`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildHistoryCommand())
	rootCmd.AddCommand(buildInspectCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var transfers, workers int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the bank transfer simulation",
		Long:  "Open the configured accounts, run concurrent random transfers and check that the total balance is conserved",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cmd.Flags().Changed("transfers") {
				cfg.Bank.Transfers = transfers
			}
			if cmd.Flags().Changed("workers") {
				cfg.Engine.Workers = workers
			}
			if err := cfg.validate(); err != nil {
				return fmt.Errorf("invalid flags: %w", err)
			}
			return runSimulation(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVarP(&transfers, "transfers", "n", 0, "number of concurrent transfers (overrides bank.transfers)")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "worker pool size, 0 = goroutine per transaction (overrides engine.workers)")

	return cmd
}

func runSimulation(parent context.Context, cfg *Config, out io.Writer) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.logLevel()}))
	log.Printf("Starting simulation with config: %s\n", configFile)
	log.Printf("Accounts: %d, Transfers: %d, Workers: %d\n",
		len(cfg.Bank.Accounts), cfg.Bank.Transfers, cfg.Engine.Workers)

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		go func() {
			log.Printf("Starting metrics server on :%d\n", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Printf("Metrics server error: %v\n", err)
			}
		}()
	}

	report, err := simulate(ctx, cfg, logger, collector)
	if err != nil {
		return err
	}
	printReport(out, report)

	if !report.Conserved() {
		return errors.New("total balance was not conserved")
	}

	if cfg.Metrics.Enabled && ctx.Err() == nil {
		log.Println("Serving metrics, press Ctrl+C to exit")
		<-ctx.Done()
	}
	return nil
}

func printReport(w io.Writer, r *Report) {
	bold := color.New(color.Bold).SprintFunc()

	fmt.Fprintln(w)
	fmt.Fprintln(w, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           Beaver-STM Transfer Simulation                  ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintln(w, bold("Transactions:"))
	fmt.Fprintf(w, "  ├─ Transfers:  %d in %s\n", r.Transfers, r.Elapsed.Round(time.Microsecond))
	fmt.Fprintf(w, "  ├─ Committed:  %s\n", color.GreenString("%d", r.Committed))
	fmt.Fprintf(w, "  ├─ Failed:     %s\n", color.YellowString("%d", r.Failed))
	fmt.Fprintf(w, "  ├─ Aborted:    %s\n", color.RedString("%d", r.Aborted))
	fmt.Fprintf(w, "  └─ Attempts:   %d\n", r.Attempts)
	fmt.Fprintln(w)

	fmt.Fprintln(w, bold("Balances:"))
	names := make([]string, 0, len(r.Final))
	for name := range r.Final {
		names = append(names, name)
	}
	sort.Strings(names)
	for i, name := range names {
		branch := "├─"
		if i == len(names)-1 {
			branch = "└─"
		}
		fmt.Fprintf(w, "  %s %-10s %8d -> %8d\n", branch, name, r.Initial[name], r.Final[name])
	}
	fmt.Fprintln(w)

	verdict := color.GreenString("CONSERVED")
	if !r.Conserved() {
		verdict = color.RedString("VIOLATED")
	}
	fmt.Fprintf(w, "%s %d -> %d  %s\n", bold("Total:"), r.TotalBefore, r.TotalAfter, verdict)

	if r.JournalPath != "" {
		fmt.Fprintf(w, "Journal: %s\n", r.JournalPath)
	}
	if r.DumpPath != "" {
		fmt.Fprintf(w, "Dump:    %s\n", r.DumpPath)
	}
}

// ============================================================================
// history
// ============================================================================

func buildHistoryCommand() *cobra.Command {
	var file string
	var stats bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Replay the transaction journal",
		Long:  "Read the journal, verify every checksum and print the events in order",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				cfg, err := loadConfig(configFile)
				if err != nil {
					return fmt.Errorf("no --file given and failed to load config: %w", err)
				}
				file = cfg.Journal.Path
			}
			if stats {
				return showJournalStats(cmd.OutOrStdout(), file)
			}
			return showHistory(cmd.OutOrStdout(), file)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "journal file (default: journal.path from config)")
	cmd.Flags().BoolVar(&stats, "stats", false, "print a summary instead of every event")

	return cmd
}

func showHistory(w io.Writer, path string) error {
	if color.NoColor {
		return journal.Dump(path, w)
	}
	return journal.Replay(path, func(e types.TxEvent) error {
		line := journal.FormatEvent(e)
		switch e.Type {
		case types.EventCommit:
			line = color.GreenString("%s", line)
		case types.EventConflict, types.EventRollback:
			line = color.YellowString("%s", line)
		case types.EventFail, types.EventAbort:
			line = color.RedString("%s", line)
		}
		_, err := fmt.Fprintln(w, line)
		return err
	})
}

func showJournalStats(w io.Writer, path string) error {
	stats, err := journal.CollectStats(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Journal:      %s\n", path)
	fmt.Fprintf(w, "Events:       %d (seq %d..%d)\n", stats.TotalEvents, stats.FirstSeq, stats.LastSeq)
	fmt.Fprintf(w, "Transactions: %d\n", stats.Transactions)
	for _, t := range []types.EventType{
		types.EventBegin, types.EventConflict, types.EventRollback,
		types.EventCommit, types.EventFail, types.EventAbort,
	} {
		fmt.Fprintf(w, "  %-9s %d\n", t, stats.EventTypes[t])
	}
	return nil
}

// ============================================================================
// inspect
// ============================================================================

func buildInspectCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print a registry dump",
		Long:  "Load a registry dump written by run and print every cell, its payload and owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				cfg, err := loadConfig(configFile)
				if err != nil {
					return fmt.Errorf("no --file given and failed to load config: %w", err)
				}
				file = cfg.Snapshot.Path
			}
			return inspectDump(cmd.OutOrStdout(), file)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "dump file (default: snapshot.path from config)")

	return cmd
}

func inspectDump(w io.Writer, path string) error {
	data, err := snapshot.NewManager(path).Load()
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Dump:    %s\n", path)
	fmt.Fprintf(w, "Version: %d\n", data.Version)
	fmt.Fprintf(w, "Cells:   %d\n", len(data.Cells))

	names := make([]string, 0, len(data.Cells))
	for name := range data.Cells {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := data.Cells[name]
		value := "<absent>"
		if c.Present {
			value = fmt.Sprint(c.Value)
		}
		owner := ""
		if c.Owner != nil {
			owner = color.YellowString(" owned by v%d", *c.Owner)
		}
		fmt.Fprintf(w, "  %-10s %s%s\n", name, value, owner)
	}
	return nil
}
