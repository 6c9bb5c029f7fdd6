package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/avishj/ForexRadar-sub001/internal/archive"
	"github.com/avishj/ForexRadar-sub001/internal/backfill"
	"github.com/avishj/ForexRadar-sub001/internal/metrics"
	"github.com/avishj/ForexRadar-sub001/internal/model"
)

var (
	backfillProvider string
	backfillFrom     string
	backfillTo       string
	backfillDays     int
	backfillStart    string
	backfillStop     string
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Walk backward through history and archive missing rates",
	Long: `Fetches one provider's daily rates for a source currency against one or
more targets, newest day first, and appends them to the archive. The walk
stops at --stop, at the provider's end of history, or on a rate limit.
Exits non-zero on rate limit or when another writer holds the currency.`,
	Example: `  forexradar backfill --provider visa --from INR --to USD,EUR --days 160
  forexradar backfill --provider ecb --from USD --to EUR --start 2024-06-01 --stop 2024-01-01`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("backfill"); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		p, err := model.ParseProvider(backfillProvider)
		if err != nil {
			return err
		}
		from, err := model.ParseCurrency(backfillFrom)
		if err != nil {
			return err
		}
		days := backfillDays
		if days == 0 {
			days = cfg.Backfill.Days
		}
		start, end, err := resolveRange(time.Now(), days, backfillStart, backfillStop)
		if err != nil {
			return err
		}

		store := newArchiveStore(cfg)
		targets, err := backfillTargets(ctx, store, from, backfillTo)
		if err != nil {
			return err
		}

		client, err := newProviderClient(cfg, p)
		if err != nil {
			return err
		}
		defer client.Release() //nolint:errcheck

		pc := cfg.Provider(p)
		m := metrics.New()
		orch := backfill.New(store, client, p,
			backfill.Settings{BatchSize: pc.BatchSize, BatchDelay: pc.BatchDelay()},
			backfill.WithMetrics(m),
		)

		results, runErr := orch.RunTargets(ctx, from, targets, start, end)
		formatResults(os.Stdout, results)

		if url := cfg.Metrics.PushgatewayURL; url != "" {
			grouping := map[string]string{"provider": string(p), "from": from}
			if err := m.Push(ctx, url, "forexradar_backfill", grouping); err != nil {
				zap.L().Warn("push metrics", zap.Error(err))
			}
		}

		if runErr != nil {
			return eris.Wrapf(runErr, "backfill %s %s", p, from)
		}
		return nil
	},
}

func init() {
	f := backfillCmd.Flags()
	f.StringVar(&backfillProvider, "provider", "", "provider: visa, mastercard or ecb")
	f.StringVar(&backfillFrom, "from", "", "source currency")
	f.StringVar(&backfillTo, "to", "", "comma-separated target currencies (default: targets already in the archive)")
	f.IntVar(&backfillDays, "days", 0, "walk the N most recent available days (default from config)")
	f.StringVar(&backfillStart, "start", "", "newest date to fetch, YYYY-MM-DD")
	f.StringVar(&backfillStop, "stop", "", "oldest date to fetch, YYYY-MM-DD")
	_ = backfillCmd.MarkFlagRequired("provider")
	_ = backfillCmd.MarkFlagRequired("from")
	rootCmd.AddCommand(backfillCmd)
}

// backfillTargets returns --to, or every target the archive already holds
// for from when --to is empty.
func backfillTargets(ctx context.Context, store *archive.Store, from, to string) ([]string, error) {
	if to != "" {
		return parseTargets(to)
	}
	targets, err := store.Targets(ctx, from)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, eris.Errorf("no archived targets for %s; pass --to", from)
	}
	return targets, nil
}

// resolveRange turns the range flags into a backward walk. An explicit
// --start wins over --days; --stop defaults to --days before start.
func resolveRange(now time.Time, days int, startFlag, stopFlag string) (start, stop model.Date, err error) {
	start, stop = backfill.RangeForDays(now, days)
	if startFlag != "" {
		if start, err = model.ParseDate(startFlag); err != nil {
			return start, stop, eris.Wrap(err, "--start")
		}
		stop = start.AddDays(-(max(days, 1) - 1))
	}
	if stopFlag != "" {
		if stop, err = model.ParseDate(stopFlag); err != nil {
			return start, stop, eris.Wrap(err, "--stop")
		}
	}
	if start.Before(stop) {
		return start, stop, eris.Errorf("start %s is before stop %s", start, stop)
	}
	return start, stop, nil
}

// formatResults writes one row per pair run to out.
func formatResults(out io.Writer, results []*backfill.Result) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PAIR\tPROVIDER\tRANGE\tINSERTED\tSKIPPED\tFAILED\tREQUESTS\tBATCHES\tSTOPPED\tDURATION")
	for _, r := range results {
		stopped := "-"
		switch {
		case r.RateLimited:
			stopped = "rate limit"
		case r.EndOfHistory:
			stopped = "history ends " + r.EndOfHistoryAt.String()
		}
		_, _ = fmt.Fprintf(w, "%s/%s\t%s\t%s..%s\t%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
			r.From, r.To,
			r.Provider,
			r.Stop, r.Start,
			r.Inserted,
			r.SkippedExisting,
			r.Failed,
			r.Requests,
			r.Batches,
			stopped,
			r.Duration.Round(time.Millisecond),
		)
	}
	_ = w.Flush()
}
