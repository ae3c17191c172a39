// Package coremain wires together the CLI surface (spec.md §6), the
// startup bootstrap (bootstrap.go), and internal/forwarder's event loop.
// The cobra command tree is collapsed to a single binary with one flag
// set, matching the original ttdnsd's "ttdnsd [bpfPCcdl]" shape rather
// than a multi-subcommand CLI.
package coremain

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tordns/ttdnsd/internal/forwarder"
	"github.com/tordns/ttdnsd/internal/metrics"
	"github.com/tordns/ttdnsd/internal/roster"
	"github.com/tordns/ttdnsd/mlog"
	"github.com/tordns/ttdnsd/pkg/safe_close"
)

// Flags is the parsed CLI surface, matching spec.md §6 one-for-one plus
// the additive -m/--cpu ambient-stack flags (SPEC_FULL.md §4.7).
type Flags struct {
	BindIP      string
	BindPort    int
	Resolvers   string
	PIDFile     string
	ChrootDir   string
	NoChroot    bool
	Debug       bool
	LogToFile   bool
	MetricsAddr string
	CPU         int
}

// NewRootCmd builds the cobra command tree. -h/--help is cobra's default
// and exits 0, matching spec.md §6.
func NewRootCmd() *cobra.Command {
	f := &Flags{}

	cmd := &cobra.Command{
		Use:           "ttdnsd",
		Short:         "Relay UDP DNS queries to upstream resolvers over a tunneled TCP stream.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if code := Start(*f); code != 0 {
				os.Exit(code)
			}
			return nil
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&f.BindIP, "bind", "b", defaultBindIP, "local IP to bind to")
	fs.IntVarP(&f.BindPort, "port", "p", defaultBindPort, "bind to port")
	fs.StringVarP(&f.Resolvers, "resolvers", "f", defaultResolvers, "filename to read resolver IP(s) from")
	fs.StringVarP(&f.PIDFile, "pidfile", "P", "", "file to store process ID - pre-chroot")
	fs.StringVarP(&f.ChrootDir, "chrootdir", "C", defaultChrootDir, "chroot(2) to <chroot dir>")
	fs.BoolVarP(&f.NoChroot, "no-chroot", "c", false, "DON'T chroot(2)")
	fs.BoolVarP(&f.Debug, "debug", "d", false, "DEBUG (don't fork, don't chroot, log to stdout/stderr)")
	fs.BoolVarP(&f.LogToFile, "log", "l", false, "write log to "+defaultLog)
	fs.StringVarP(&f.MetricsAddr, "metrics", "m", defaultMetricsAddr, "address to serve Prometheus metrics on (empty disables)")
	fs.IntVar(&f.CPU, "cpu", 0, "set runtime.GOMAXPROCS")

	return cmd
}

// Execute runs the CLI and returns a process exit code.
func Execute() int {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// Start runs the full bootstrap-and-serve sequence from SPEC_FULL.md
// §4.7, following main()'s ordering in original_source/main.c: privilege
// check, roster load, daemonize, PID file, chroot, then privilege drop
// once the event loop has bound its socket.
func Start(f Flags) int {
	if f.CPU > 0 {
		runtime.GOMAXPROCS(f.CPU)
	}

	port := f.BindPort
	if port < 1 {
		port = defaultBindPort
	}
	effectiveChroot := !f.NoChroot && !f.Debug

	if err := requireRoot(port, effectiveChroot); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	rst, stats, err := roster.Load(f.Resolvers, maxNameservers)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "%d nameserver(s) loaded, %d rejected, %d malformed or over capacity\n", stats.Loaded, stats.Rejected, stats.Malformed)

	if !f.Debug {
		if err := daemonize(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}

	if err := writePIDFile(f.PIDFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if effectiveChroot {
		if err := doChroot(f.ChrootDir); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		if err := checkTsocksConf(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}

	logCfg := mlog.Config{Debug: f.Debug}
	if !f.Debug {
		if f.LogToFile {
			logCfg.File = defaultLog
		} else {
			logCfg.Discard = true
		}
	}
	logger, err := mlog.New(logCfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer logger.Sync()

	m := metrics.New()

	fwd, err := forwarder.New(forwarder.Config{
		BindIP:        net.ParseIP(f.BindIP),
		BindPort:      port,
		PeerPoolSize:  maxPeers,
		TableCapacity: maxRequests,
		Roster:        rst,
		Logger:        logger,
		Metrics:       m,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return 1
	}

	if err := dropPrivileges(); err != nil {
		fwd.Close()
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	sc := safe_close.NewSafeClose()
	if f.MetricsAddr != "" {
		attachMetricsServer(sc, f.MetricsAddr, m, logger)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		fwd.Stop()
	}()

	runErr := fwd.Run()
	fwd.Close()

	sc.SendCloseSignal(runErr)
	sc.Done()
	sc.CloseWait()

	if err := sc.Err(); err != nil {
		logger.Error("event loop exited", zap.Error(err))
		return 1
	}
	return 0
}

// attachMetricsServer starts the Prometheus HTTP listener (SPEC_FULL.md
// §4.6), the forwarder's one background goroutine. It races its own
// ListenAndServe failure against the shared close signal.
func attachMetricsServer(sc *safe_close.SafeClose, addr string, m *metrics.Metrics, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		errChan := make(chan error, 1)
		go func() {
			logger.Info("starting metrics server", zap.String("addr", addr))
			errChan <- srv.ListenAndServe()
		}()
		select {
		case err := <-errChan:
			if err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		case <-closeSignal:
			srv.Close()
		}
	})
}
