// Command msgbus-relay serves the socket hub that connects brokers using the
// socket transport, plus an HTTP request endpoint and Prometheus metrics.
package main

import (
	"os"

	"github.com/drblury/msgbus/cmd/msgbus-relay/app"
)

func main() {
	if err := app.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
