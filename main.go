// mudgate keeps MUD player connections open across game-server restarts.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"mudgate/cmd"
	mgerr "mudgate/internal/errors"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)

	err := cmd.Execute(ctx, os.Args[1:])
	cancel()

	code := mgerr.ExitCode(err)
	if code == mgerr.ExitError {
		fmt.Fprintf(os.Stderr, "mudgate: %v\n", err)
	}
	os.Exit(code)
}
