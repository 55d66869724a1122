package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/sryze/ping/internal/config"
	"github.com/sryze/ping/internal/inet"
	"github.com/sryze/ping/internal/logging"
	"github.com/sryze/ping/internal/pinger"
	"github.com/sryze/ping/internal/transport"
)

const usageLine = "Usage: ping [-4|-6] <hostname>"

type resolver interface {
	Resolve(ctx context.Context, host string, fam inet.Family) (inet.Destination, error)
	LocalSource(ctx context.Context, dst inet.Destination) (netip.Addr, error)
}

var newResolver = func() resolver {
	return inet.NewResolver()
}

var openConn = transport.Open

var notifyContext = func() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

type options struct {
	ipv4Only   bool
	ipv6Only   bool
	count      int
	intervalMs int
	timeoutMs  int
	configPath string
	transport  string
	outputFile string
	logLevel   string
	logFormat  string
	verbose    bool

	changed map[string]bool
}

func parseArgs(args []string) (options, string, string, error) {
	var opts options
	var usageBuf bytes.Buffer
	defaults := config.Default()

	fs := pflag.NewFlagSet("ping", pflag.ContinueOnError)
	fs.SetOutput(&usageBuf)

	fs.BoolVarP(&opts.ipv4Only, "ipv4", "4", false, "use IPv4 only")
	fs.BoolVarP(&opts.ipv6Only, "ipv6", "6", false, "use IPv6 only")
	fs.IntVarP(&opts.count, "count", "c", defaults.Count, "stop after sending count requests (0 = until interrupted)")
	fs.IntVarP(&opts.intervalMs, "interval", "i", int(defaults.Interval/time.Millisecond), "interval between requests in ms")
	fs.IntVarP(&opts.timeoutMs, "timeout", "t", int(defaults.Timeout/time.Millisecond), "reply timeout in ms")
	fs.StringVar(&opts.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&opts.transport, "transport", defaults.Transport, "socket implementation: raw or icmp")
	fs.StringVarP(&opts.outputFile, "output", "o", "", "probe log output file path (csv format)")
	fs.StringVar(&opts.logLevel, "log-level", defaults.LogLevel, "diagnostic log level: debug, info, warn, error")
	fs.StringVar(&opts.logFormat, "log-format", defaults.LogFormat, "diagnostic log format: text or json")
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "shorthand for --log-level=debug")

	fs.Usage = func() {
		fmt.Fprintln(&usageBuf, usageLine)
		fmt.Fprintln(&usageBuf, "Options:")
		fs.PrintDefaults()
		fmt.Fprintln(&usageBuf, "Note: raw sockets usually require root privileges.")
	}

	if err := fs.Parse(args); err != nil {
		return options{}, "", usageBuf.String(), err
	}

	hosts := fs.Args()
	if len(hosts) != 1 {
		fs.Usage()
		if len(hosts) == 0 {
			return options{}, "", usageBuf.String(), fmt.Errorf("no hostname provided")
		}
		return options{}, "", usageBuf.String(), fmt.Errorf("only one hostname may be given")
	}

	if opts.ipv4Only && opts.ipv6Only {
		return options{}, "", usageBuf.String(), fmt.Errorf("cannot use both -4 and -6")
	}

	opts.changed = make(map[string]bool)
	fs.Visit(func(f *pflag.Flag) {
		opts.changed[f.Name] = true
	})

	return opts, hosts[0], usageBuf.String(), nil
}

// loadConfig starts from the defaults or the config file and applies the
// flags that were set explicitly.
func loadConfig(opts options) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if opts.ipv4Only {
		cfg.Family = "ipv4"
	}
	if opts.ipv6Only {
		cfg.Family = "ipv6"
	}
	if opts.changed["count"] {
		cfg.Count = opts.count
	}
	if opts.changed["interval"] {
		cfg.Interval = time.Duration(opts.intervalMs) * time.Millisecond
	}
	if opts.changed["timeout"] {
		cfg.Timeout = time.Duration(opts.timeoutMs) * time.Millisecond
	}
	if opts.changed["transport"] {
		cfg.Transport = opts.transport
	}
	if opts.changed["output"] {
		cfg.Output = opts.outputFile
	}
	if opts.changed["log-level"] {
		cfg.LogLevel = opts.logLevel
	}
	if opts.changed["log-format"] {
		cfg.LogFormat = opts.logFormat
	}
	if opts.verbose {
		cfg.LogLevel = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupLogger opens the CSV probe log for appending. The header is written
// only when the file is empty.
func setupLogger(path string) (*os.File, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() == 0 {
		if _, err := f.WriteString(pinger.LogHeader); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

// sourceAddr picks the local address for the IPv6 pseudo-header. Failure to
// find a route is not fatal; replies still carry their delivery address.
func sourceAddr(ctx context.Context, r resolver, dst inet.Destination, logger *slog.Logger) netip.Addr {
	if dst.Family != inet.V6 {
		return netip.Addr{}
	}
	src, err := r.LocalSource(ctx, dst)
	if err != nil {
		logger.Warn("no route to destination, using loopback as source",
			logging.KeyAddress, dst.String(), logging.KeyError, err)
		return netip.IPv6Loopback()
	}
	logger.Debug("selected source address", logging.KeySource, src.String())
	return src
}

func run(args []string, out io.Writer, errOut io.Writer) int {
	opts, host, usage, err := parseArgs(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			fmt.Fprint(out, usage)
			return 0
		}
		fmt.Fprintf(errOut, "ping: %v\n", err)
		fmt.Fprint(errOut, usage)
		return 1
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(errOut, "ping: %v\n", err)
		return 1
	}
	logger := logging.NewLoggerWithWriter(cfg.LogLevel, cfg.LogFormat, errOut)
	fam, _ := config.ParseFamily(cfg.Family)
	kind, _ := transport.ParseKind(cfg.Transport)

	ctx, stop := notifyContext()
	defer stop()

	r := newResolver()
	dst, err := r.Resolve(ctx, host, fam)
	if err != nil {
		fmt.Fprintf(errOut, "getaddrinfo: %v\n", err)
		return 1
	}
	logger.Info("resolved destination",
		logging.KeyAddress, dst.String(), logging.KeyFamily, dst.Family.String())

	src := sourceAddr(ctx, r, dst, logger)

	conn, err := openConn(kind, dst.Family)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 1
	}
	defer conn.Close()
	logger.Info("socket opened", logging.KeyTransport, string(kind))

	logFile, err := setupLogger(cfg.Output)
	if err != nil {
		fmt.Fprintf(errOut, "Error opening log file: %v\n", err)
		return 1
	}
	sessionOpts := pinger.Options{
		Timeout:  cfg.Timeout,
		Interval: cfg.Interval,
		Count:    cfg.Count,
		PollWait: cfg.PollWait,
		Source:   src,
		Logger:   logger,
	}
	if logFile != nil {
		defer logFile.Close()
		sessionOpts.LogWriter = logFile
	}

	session := pinger.NewSessionWithOptions(conn, dst, out, errOut, sessionOpts)
	if err := session.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return 0
		}
		fmt.Fprintln(errOut, err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}
