package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-go-golems/tutorchat/cmd/tutor-chat/cmds"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd, err := cmds.NewRootCommand()
	cobra.CheckErr(err)
	err = rootCmd.ExecuteContext(ctx)
	cobra.CheckErr(err)
}
