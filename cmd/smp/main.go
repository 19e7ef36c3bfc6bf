package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/vitaminmoo/smp-tool/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	var c cli.CLI
	k := kong.Parse(&c,
		kong.Name("smp"),
		kong.Description("Manage devices over the Simple Management Protocol (BLE, serial or UDP)."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)
	err := k.Run(&c)
	stop()
	k.FatalIfErrorf(err)
}
