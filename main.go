// Command cobweb runs the seed-to-sink crawl pipeline.
//
// Seeds come from a backlog (memory, a local JSONL file, or a Postgres table).
// Spider workers fetch each seed with the built-in colly fetch routine,
// honoring robots.txt and a per-host rate limit, and route the rows they
// produce to named sinks (console, memory, local JSONL, Postgres, GCS,
// Pub/Sub, RabbitMQ). Each sink has its own bounded queue and storer pool;
// seeds are acknowledged in the backlog only after every row they produced
// has been committed.
//
// Configuration is read by Viper from --config or cobweb.yaml, with COBWEB_*
// environment overrides. A status API (/healthz, /readyz, /metrics,
// /v1/status, /v1/queues, /v1/runs) runs alongside the pipeline.
package main

import (
	"fmt"
	"os"

	"github.com/JakeFAU/cobweb-launcher/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
