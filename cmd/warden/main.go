// Command warden decides whether AI coding-agent tool calls may run.
package main

import (
	"os"

	"github.com/Dicklesworthstone/warden/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(cli.ReportError(err))
	}
}
