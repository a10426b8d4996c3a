package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/spot_averaging/internal/config"
	"github.com/vitos/spot_averaging/internal/domain"
	"github.com/vitos/spot_averaging/internal/infrastructure/exchange"
	"github.com/vitos/spot_averaging/internal/usecase"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config")
	label := flag.String("account", "", "account label, defaults to the first configured account")
	flag.Parse()

	// 1. Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if len(cfg.Accounts) == 0 {
		fmt.Println("No accounts configured")
		os.Exit(1)
	}
	acc := cfg.Accounts[0]
	for _, a := range cfg.Accounts {
		if a.Label == *label {
			acc = a
		}
	}

	pair := cfg.TradingPair()
	client, err := exchange.NewVenueClient(acc, exchange.Options{
		BaseURL: cfg.Venue.RESTEndpoint,
		Timeout: cfg.Venue.Timeout,
		Sizing:  exchange.Sizing{Mode: cfg.Sizing.Mode, Amount: cfg.Sizing.Amount},
		Tokens:  []domain.Token{pair.Base, pair.Quote},
	}, nil)
	if err != nil {
		fmt.Printf("❌ Failed to open client: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	fmt.Printf("Testing venue interaction for %s...\n", acc.Label)
	fmt.Printf("Endpoint: %s\n", cfg.Venue.RESTEndpoint)
	fmt.Printf("Wallet: %s\n", client.WalletAddress())

	// 2. Price
	price, err := client.GetPrice(ctx, pair)
	if err != nil {
		fmt.Printf("❌ Failed to get price: %v\n", err)
	} else {
		fmt.Printf("✅ Current Price (%s): %s\n", pair, price.StringFixed(2))
	}

	// 3. Balances
	for _, token := range []domain.Token{pair.Quote, pair.Base} {
		bal, err := client.GetBalance(ctx, token)
		if err != nil {
			fmt.Printf("❌ Failed to get %s balance: %v\n", token.Symbol, err)
			continue
		}
		fmt.Printf("✅ Balance %s: %s\n", token.Symbol, bal)
	}

	size, err := client.PositionSize(ctx, pair)
	if err != nil {
		fmt.Printf("❌ Failed to size position: %v\n", err)
	} else {
		fmt.Printf("✅ Next buy: %s %s\n", size, pair.Quote.Symbol)
	}

	// 4. Open take-profit orders, classified the way the bot sees them
	reconciler := usecase.NewOrderReconciler(client, pair, cfg.Strategy.Step, zap.NewNop())
	orders := reconciler.OpenOrders(ctx, usecase.NewPositionLedger())
	fmt.Printf("Found %d open TP orders:\n", len(orders))
	for _, o := range orders {
		fmt.Printf("- %s: %s %s @ $%s (entry ~$%s)\n",
			o.OrderID, o.Amount, pair.Base.Symbol, o.TPPrice.StringFixed(2), o.EntryPrice.StringFixed(2))
	}
}
