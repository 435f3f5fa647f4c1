package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"syphon-executor/internal/admission"
	"syphon-executor/internal/chain"
	"syphon-executor/internal/config"
	"syphon-executor/internal/evaluator"
	"syphon-executor/internal/logging"
	"syphon-executor/internal/metrics"
	"syphon-executor/internal/oracle"
	"syphon-executor/internal/strategy"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultVerifyEnvFile = ".env"

// verify runs the admission check and/or one price fetch plus evaluation for
// a submission payload without touching the strategy store.
func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	payloadPath := flag.String("payload", "", "path to a submission JSON payload")
	checkProof := flag.Bool("admission", true, "run the on-chain proof check")
	evaluate := flag.Bool("evaluate", false, "fetch the reference price and ask the evaluator")
	priceOverride := flag.String("price", "", "evaluate at this price instead of fetching one")
	flag.Parse()

	if err := config.LoadEnv(defaultVerifyEnvFile); err != nil {
		fatal(err)
	}
	if *payloadPath == "" {
		fatal(errors.New("-payload is required"))
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	sub, err := readSubmission(*payloadPath)
	if err != nil {
		fatal(err)
	}
	ctx := context.Background()

	if *checkProof {
		ok, err := runAdmission(ctx, cfg, sub, log)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("admission: accepted=%t\n", ok)
		if !ok {
			os.Exit(2)
		}
	}
	if !*evaluate {
		return
	}

	price, err := resolvePrice(ctx, cfg, *priceOverride, log)
	if err != nil {
		fatal(err)
	}
	cents, err := evaluator.PriceCents(price)
	if err != nil {
		fatal(err)
	}
	st := sub.NewStrategy(time.Now())
	client := evaluator.New(cfg.Evaluator.URL, cfg.Evaluator.Timeout, log, metrics.NewNoop().EvaluationErrors)
	triggered, err := client.Check(ctx, st, price)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("evaluation: price=%s cents=%d triggered=%t\n", price.String(), cents, triggered)
}

func readSubmission(path string) (strategy.Submission, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return strategy.Submission{}, err
	}
	var sub strategy.Submission
	if err := json.Unmarshal(data, &sub); err != nil {
		return strategy.Submission{}, fmt.Errorf("decode payload: %w", err)
	}
	if err := sub.Validate(); err != nil {
		return strategy.Submission{}, err
	}
	return sub, nil
}

func runAdmission(ctx context.Context, cfg *config.Config, sub strategy.Submission, log *zap.Logger) (bool, error) {
	if strings.TrimSpace(cfg.Contract.RPCURL) == "" {
		return false, errors.New("contract.rpc_url is required for the admission check")
	}
	contract, err := chain.NewContract(cfg.Contract)
	if err != nil {
		return false, err
	}
	client, err := chain.Dial(ctx, cfg.Contract.RPCURL)
	if err != nil {
		return false, err
	}
	defer client.Close()
	v := admission.New(client, contract, cfg.Contract.VerifyLayout, cfg.Contract.VerifyTimeout, log, nil)
	return v.VerifyProof(ctx, sub.ProofJSON())
}

func resolvePrice(ctx context.Context, cfg *config.Config, override string, log *zap.Logger) (decimal.Decimal, error) {
	if override = strings.TrimSpace(override); override != "" {
		return decimal.NewFromString(override)
	}
	feed, ok := cfg.ReferenceFeed()
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("no price feed configured for %s", cfg.Oracle.ReferenceAsset)
	}
	feed = oracle.CanonicalFeedID(feed)
	prices := oracle.NewHermes(cfg.Oracle.BaseURL, cfg.Oracle.Timeout, log).FetchPrices(ctx, []string{feed})
	price, ok := prices[feed]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("no price returned for %s", feed)
	}
	return price, nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
