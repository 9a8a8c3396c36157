// Command eventstore scrapes event listings into a record store and serves
// recommendations over them.
//
// Usage:
//
//	eventstore scrape [--source name]
//	eventstore sweep [--source name] [--stale-after 168h]
//	eventstore index build|status
//	eventstore recommend --event-id ID | --preferences TEXT [-k N]
//	eventstore import-event ID [--by who] [--notes text]
//	eventstore export [--output path]
//	eventstore import [--skip-duplicates] file.json
//	eventstore serve [--no-schedule]
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hemant07j07/eventstore/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "eventstore:", err)
		os.Exit(1)
	}
}
