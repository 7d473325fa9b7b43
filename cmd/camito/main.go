package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/harshabose/camito/pkg/proxy"
)

type resourceFlags []proxy.Resource

func (r *resourceFlags) String() string {
	parts := make([]string, 0, len(*r))
	for _, resource := range *r {
		parts = append(parts, resource.Name+"="+resource.URL)
	}

	return strings.Join(parts, ",")
}

func (r *resourceFlags) Set(value string) error {
	resource, err := proxy.ParseResource(value)
	if err != nil {
		return err
	}

	*r = append(*r, resource)
	return nil
}

func configureLogging(format string, level string) error {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	options := &slog.HandlerOptions{Level: l}
	switch format {
	case "json":
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, options)))
	case "text":
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, options)))
	default:
		return fmt.Errorf("unexpected log format %q", format)
	}

	return nil
}

func main() {
	var (
		configPath = flag.String("config", "", "path to a JSON config file")
		addr       = flag.String("addr", "", "address to listen on (overrides config)")
		port       = flag.Uint("port", 0, "port to listen on (overrides config)")
		logFormat  = flag.String("log-format", "text", "log format: text or json")
		logLevel   = flag.String("log-level", "info", "log level: debug, info, warn or error")
		cameras    resourceFlags
	)
	flag.Var(&cameras, "camera", "camera as name=url, may be repeated")
	flag.Parse()

	if err := configureLogging(*logFormat, *logLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	config := proxy.DefaultConfig()
	if *configPath != "" {
		loaded, err := proxy.LoadConfig(*configPath)
		if err != nil {
			slog.Error("failed to load config", "error", err)
			os.Exit(1)
		}
		config = loaded
	}

	config.AddResources(cameras...)
	if *addr != "" {
		config.HTTP.Addr = *addr
	}
	if *port != 0 {
		config.HTTP.Port = uint16(*port)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := proxy.New(ctx, config)
	if err != nil {
		slog.Error("failed to create proxy", "error", err)
		os.Exit(1)
	}

	done, err := p.StartAndWait()
	if err != nil {
		slog.Error("failed to start proxy", "error", err)
		_ = p.Close()
		os.Exit(1)
	}

	<-done

	if err := p.Close(); err != nil {
		slog.Error("error while shutting down", "error", err)
		os.Exit(1)
	}
}
