package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/vitos/spot_averaging/internal/domain"
	"github.com/vitos/spot_averaging/internal/infrastructure/storage"
)

func main() {
	dbPath := flag.String("db", "bot.db", "path to the sqlite database")
	account := flag.String("account", "", "only show statistics of this account")
	limit := flag.Int("limit", 20, "number of statistics rows")
	flag.Parse()

	store, err := storage.NewSQLiteStore(*dbPath)
	if err != nil {
		fmt.Printf("Failed to init sqlite: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()
	entries, err := store.GetAllPending(ctx)
	switch {
	case errors.Is(err, domain.ErrQueueEmpty):
		fmt.Println("Queue is empty")
	case err != nil:
		fmt.Printf("Failed to list queue: %v\n", err)
		os.Exit(1)
	default:
		fmt.Printf("Found %d queued accounts:\n", len(entries))
		for _, e := range entries {
			fmt.Printf("- #%d %s (%s) mode=%d since %s\n",
				e.ID, e.Account.Label, e.Account.Address, e.Mode, e.CreatedAt.Format("2006-01-02 15:04:05"))
		}
	}

	rows, err := store.ListStats(ctx, *account, *limit)
	if err != nil {
		fmt.Printf("Failed to list statistics: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\nLast %d statistics rows:\n", len(rows))
	for _, r := range rows {
		fmt.Printf("- %s %-10s %-14s amount=%s @ $%s | total=$%s",
			r.Timestamp.Format("2006-01-02 15:04:05"), r.Account, r.Operation,
			r.TokenAmount, r.OperationPrice.StringFixed(2), r.TotalValue.StringFixed(2))
		if r.LimitOrdersList != "" {
			fmt.Printf(" | TPs: %s", r.LimitOrdersList)
		}
		fmt.Println()
	}
}
