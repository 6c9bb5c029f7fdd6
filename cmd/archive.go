package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/avishj/ForexRadar-sub001/internal/archive"
	"github.com/avishj/ForexRadar-sub001/internal/model"
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Inspect and maintain the shard archive",
}

var archiveSourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List source currencies with their shard years",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := newArchiveStore(cfg)
		sources, err := store.Sources()
		if err != nil {
			return eris.Wrap(err, "archive sources")
		}
		if len(sources) == 0 {
			zap.L().Info("archive is empty", zap.String("dir", store.Dir()))
			return nil
		}
		return formatSources(cmd.Context(), os.Stdout, store, sources)
	},
}

var (
	statsFrom string
	statsTo   string
)

var archiveStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-provider counts and coverage of a pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := model.ParseCurrency(statsFrom)
		if err != nil {
			return err
		}
		to, err := model.ParseCurrency(statsTo)
		if err != nil {
			return err
		}
		st, err := collectStats(cmd.Context(), newArchiveStore(cfg), from, to)
		if err != nil {
			return eris.Wrap(err, "archive stats")
		}
		st.write(os.Stdout)
		return nil
	},
}

var archiveManifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Rewrite manifest.json from the shards on disk",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := newArchiveStore(cfg)
		m, err := store.WriteManifest(cmd.Context())
		if err != nil {
			return eris.Wrap(err, "archive manifest")
		}
		zap.L().Info("manifest written",
			zap.String("dir", store.Dir()),
			zap.Int("sources", len(m)),
		)
		return nil
	},
}

func init() {
	archiveStatsCmd.Flags().StringVar(&statsFrom, "from", "", "source currency")
	archiveStatsCmd.Flags().StringVar(&statsTo, "to", "", "target currency")
	_ = archiveStatsCmd.MarkFlagRequired("from")
	_ = archiveStatsCmd.MarkFlagRequired("to")

	archiveCmd.AddCommand(archiveSourcesCmd, archiveStatsCmd, archiveManifestCmd)
	rootCmd.AddCommand(archiveCmd)
}

func formatSources(ctx context.Context, out io.Writer, store *archive.Store, sources []string) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FROM\tYEARS\tTARGETS")
	for _, from := range sources {
		years, err := store.Years(ctx, from)
		if err != nil {
			return err
		}
		targets, err := store.Targets(ctx, from)
		if err != nil {
			return err
		}
		ys := make([]string, len(years))
		for i, y := range years {
			ys[i] = fmt.Sprint(y)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", from, strings.Join(ys, ","), strings.Join(targets, ","))
	}
	return w.Flush()
}

type pairStats struct {
	From, To string
	Counts   map[model.Provider]int
	Oldest   model.Date
	Latest   model.Date
	Empty    bool
}

func collectStats(ctx context.Context, store *archive.Store, from, to string) (*pairStats, error) {
	counts, err := store.CountByProvider(ctx, from, to)
	if err != nil {
		return nil, err
	}
	st := &pairStats{From: from, To: to, Counts: counts}
	oldest, ok, err := store.OldestDate(ctx, from, to)
	if err != nil {
		return nil, err
	}
	if !ok {
		st.Empty = true
		return st, nil
	}
	latest, _, err := store.LatestDate(ctx, from, to)
	if err != nil {
		return nil, err
	}
	st.Oldest, st.Latest = oldest, latest
	return st, nil
}

func (st *pairStats) write(out io.Writer) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "PAIR\t%s/%s\n", st.From, st.To)
	if st.Empty {
		_, _ = fmt.Fprintln(w, "RANGE\t-")
	} else {
		_, _ = fmt.Fprintf(w, "RANGE\t%s..%s\n", st.Oldest, st.Latest)
	}
	for _, p := range model.Providers {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", p, st.Counts[p])
	}
	_ = w.Flush()
}
