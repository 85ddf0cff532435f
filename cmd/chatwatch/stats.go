package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/chatwatch/chatwatch/internal/config"
	"github.com/chatwatch/chatwatch/internal/storage"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var statsDays int

var statsCmd = &cobra.Command{
	Use:   "stats [date]",
	Short: "Print accumulated usage statistics",
	Long: `Print accumulated usage statistics straight from the store. With a date
argument (YYYY-MM-DD) it prints that single day; without one it prints the
most recent days.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStats,
}

func init() {
	statsCmd.Flags().IntVar(&statsDays, "days", 7, "Number of recent days to print")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var dates []string
	if len(args) == 1 {
		if _, err := time.Parse(storage.DateLayout, args[0]); err != nil {
			return fmt.Errorf("invalid date %q, expected YYYY-MM-DD", args[0])
		}
		dates = []string{args[0]}
	} else {
		dates, err = store.Stats().ListDates(ctx)
		if err != nil {
			return fmt.Errorf("failed to list dates: %w", err)
		}
		if len(dates) > statsDays {
			dates = dates[len(dates)-statsDays:]
		}
	}

	if len(dates) == 0 {
		fmt.Println("No usage recorded yet.")
		return nil
	}

	heading := color.New(color.FgCyan, color.Bold)
	dim := color.New(color.Faint)

	for _, date := range dates {
		stats, err := store.Stats().GetDay(ctx, date)
		if errors.Is(err, storage.ErrNotFound) {
			heading.Println(date)
			dim.Println("  no usage recorded")
			fmt.Println()
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read stats for %s: %w", date, err)
		}

		heading.Println(date)
		printDay(stats)
		fmt.Println()
	}

	return nil
}

func printDay(stats map[string]storage.EntityStat) {
	ids := make([]string, 0, len(stats))
	for id := range stats {
		ids = append(ids, id)
	}
	// Most online time first.
	sort.Slice(ids, func(i, j int) bool {
		if stats[ids[i]].OnlineSeconds != stats[ids[j]].OnlineSeconds {
			return stats[ids[i]].OnlineSeconds > stats[ids[j]].OnlineSeconds
		}
		return ids[i] < ids[j]
	})

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "  NAME\tTYPE\tONLINE\tSENT\tRECEIVED\tTOKENS")
	for _, id := range ids {
		stat := stats[id]
		fmt.Fprintf(w, "  %s\t%s\t%s\t%d\t%d\t%d\n",
			stat.Name,
			stat.Type,
			(time.Duration(stat.OnlineSeconds) * time.Second).String(),
			stat.MessagesSent,
			stat.MessagesReceived,
			stat.TokensUsed,
		)
	}
	w.Flush()
}
