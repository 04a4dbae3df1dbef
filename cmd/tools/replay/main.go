// Command replay drives the golden-event contract suite against an event
// store. Exit codes: 0 success, 2 expectation mismatch, 3 store
// unreachable.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"blackjack/internal/eventlog"
	"blackjack/internal/replay"
	"blackjack/internal/schema"
)

const (
	exitMismatch    = 2
	exitUnreachable = 3
)

func main() {
	storeURL := flag.String("store-url", "", "Event store URL (redis://...)")
	fixtureDir := flag.String("fixture-dir", "contracts/golden_events/v1", "Golden fixture directory")
	failOnInvalid := flag.Bool("fail-on-invalid", false, "Abort on the first invalid fixture instead of skipping")
	includeInvalid := flag.Bool("include-invalid", false, "Append invalid fixtures verbatim to exercise consumer DLQs")
	flag.Parse()

	if *storeURL == "" {
		log.Fatal("missing -store-url")
	}

	mode := replay.SkipInvalid
	switch {
	case *failOnInvalid && *includeInvalid:
		log.Fatal("-fail-on-invalid and -include-invalid are mutually exclusive")
	case *failOnInvalid:
		mode = replay.FailOnInvalid
	case *includeInvalid:
		mode = replay.IncludeInvalid
	}

	ctx := context.Background()
	store, err := eventlog.DialRedis(ctx, *storeURL)
	if err != nil {
		log.Printf("store unreachable: %v", err)
		os.Exit(exitUnreachable)
	}
	defer store.Close()

	harness := replay.NewHarness(store, schema.NewValidator(schema.NewCoreRegistry()), mode)
	summary, err := harness.Run(ctx, *fixtureDir)
	fmt.Println(summary)
	if err != nil {
		log.Printf("replay failed: %v", err)
		if errors.Is(err, replay.ErrExpectationMismatch) || errors.Is(err, replay.ErrInvalidFixture) {
			os.Exit(exitMismatch)
		}
		os.Exit(exitUnreachable)
	}
}
