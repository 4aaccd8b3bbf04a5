// Command hpactl shows and flips the HPA mains relay from a terminal.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/kradalby/hpa-power/client"
	"github.com/kradalby/hpa-power/controller"
	"github.com/kradalby/hpa-power/logging"
	"github.com/kradalby/hpa-power/terminal"
)

type options struct {
	URL       string        `short:"u" long:"url" env:"HPA_POWER_URL" default:"http://localhost:8081" description:"Base URL of the relay service"`
	Timeout   time.Duration `short:"t" long:"timeout" default:"0s" description:"Per-request timeout, 0 for none"`
	LogLevel  string        `long:"log-level" default:"warn" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Log level"`
	LogFormat string        `long:"log-format" default:"console" choice:"console" choice:"json" description:"Log format"`
	NoColor   bool          `long:"no-color" description:"Disable coloured output"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "hpactl: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	logger, err := logging.NewWithWriter(os.Stderr, opts.LogLevel, opts.LogFormat)
	if err != nil {
		return err
	}

	c, err := client.New(opts.URL,
		client.WithHTTPClient(&http.Client{Timeout: opts.Timeout}),
		client.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	var uiOpts []terminal.Option
	if opts.NoColor {
		uiOpts = append(uiOpts, terminal.WithoutColor())
	}
	ui := terminal.New(os.Stdin, os.Stdout, uiOpts...)

	ctrl, err := controller.New(c, ui, ui, controller.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		ctrl.Run(ctx)
	}()

	select {
	case <-ctrl.Ready():
	case <-ctx.Done():
		<-done
		return nil
	}

	fmt.Printf("Connected to %s (on, off, toggle, quit)\n", c.Endpoint())

	err = ui.Listen(ctx)
	if err == nil {
		// Let writes queued from piped input reach the relay before exiting.
		err = ctrl.Settle(ctx)
	}
	cancel()
	<-done

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
