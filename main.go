// enginegate serves locally installed game engines to remote clients
// over a single TCP port.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"enginegate/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "enginegate: %v\n", err)
		os.Exit(1)
	}
}
