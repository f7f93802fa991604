package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/kilupskalvis/docsync/internal/emulator"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var emulatorCmd = &cobra.Command{
	Use:   "emulator",
	Short: "Run a local backend",
	Long:  "Commands for running the local docsync backend emulator.",
}

var emulatorStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the emulator",
	Long: `Start a local backend that speaks the docsync protocol. Documents are kept
in a bbolt file under .docsync/emulator.

When emulator.token is set in the config, clients must present it as a
bearer token, i.e. use the same JWT as their auth_token.

Examples:
  docsync emulator start
  docsync emulator start --addr 127.0.0.1:9090`,
	Run: runEmulatorStart,
}

var (
	emulatorAddr  string
	emulatorReset bool
)

func init() {
	emulatorCmd.AddCommand(emulatorStartCmd)

	f := emulatorStartCmd.Flags()
	f.StringVar(&emulatorAddr, "addr", "", "Listen address (default from config)")
	f.BoolVar(&emulatorReset, "reset", false, "Delete all emulator data before starting")
}

func runEmulatorStart(cmd *cobra.Command, args []string) {
	c := initContext()
	cfg := c.Config

	addr := emulatorAddr
	if addr == "" {
		addr = cfg.Emulator.Addr
	}

	dbPath := filepath.Join(cfg.EmulatorPath(), "emulator.db")
	if emulatorReset {
		if err := os.Remove(dbPath); err != nil && !os.IsNotExist(err) {
			exitError("failed to reset emulator data: %v", err)
		}
	}

	st, err := emulator.OpenStore(dbPath)
	if err != nil {
		exitError("failed to open emulator store: %v", err)
	}
	defer st.Close()

	srvCfg := emulator.DefaultConfig()
	srvCfg.Token = cfg.Emulator.Token
	srv := emulator.New(st, srvCfg, c.Logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr, c)
	}

	cyan := color.New(color.FgCyan)
	fmt.Printf("Emulator listening on %s\n", addr)
	cyan.Printf("  (set host = %q in the client config to use it)\n", addr)

	if err := srv.Serve(ctx, addr); err != nil {
		exitError("emulator stopped: %v", err)
	}
	fmt.Println("Emulator stopped")
}

// serveMetrics exposes the Prometheus registry until ctx is done.
func serveMetrics(ctx context.Context, addr string, c *cmdContext) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	c.Logger.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		c.Logger.Error("metrics server failed", "error", err)
	}
}
