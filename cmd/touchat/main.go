// Command touchat is a small multi-user chat demo built directly on
// top of pkg/tou: "serve" runs a Host accepting many peers over one
// socket, "connect" runs a single ClientConnection.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/spf13/cobra"

	"github.com/ambassador-labs/tou/pkg/toulog"
)

const processName = "touchat"

func main() {
	ctx := toulog.MakeBaseLogger(context.Background(), os.Getenv("TOUCHAT_LOG_LEVEL"))
	ctx = dgroup.WithGoroutineName(ctx, "/"+processName)

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           processName,
		Short:         "A small chat client/server built on tou.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newServeCommand(), newConnectCommand())
	return cmd
}
