package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/surfdeck/surfdeck/internal/api"
	"github.com/surfdeck/surfdeck/internal/browser"
	"github.com/surfdeck/surfdeck/internal/conversation"
	"github.com/surfdeck/surfdeck/internal/daemon"
	"github.com/surfdeck/surfdeck/internal/events"
	"github.com/surfdeck/surfdeck/internal/llm"
	"github.com/surfdeck/surfdeck/internal/sessions"
	"github.com/surfdeck/surfdeck/internal/shutdown"
	"github.com/surfdeck/surfdeck/internal/store"
	"github.com/surfdeck/surfdeck/internal/tasks"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the surfdeck backend",
	Long: `Start the HTTP backend: session manager, per-session browser workers,
task supervisor, and the SSE thought stream.

Runs in the foreground. Use 'serve start' to run it as a background daemon.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun()
	},
}

var serveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the backend as a background daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStartRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the daemon is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

func init() {
	serveCmd.AddCommand(serveStartCmd)
	serveCmd.AddCommand(serveStopCmd)
	serveCmd.AddCommand(serveStatusCmd)
	rootCmd.AddCommand(serveCmd)

	serveCmd.PersistentFlags().IntP("port", "p", 8787, "port to listen on")
	_ = viper.BindPFlag("port", serveCmd.PersistentFlags().Lookup("port"))
}

func serveRun() error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	sessionStore, err := openSessionStore()
	if err != nil {
		return err
	}

	ttl := viper.GetDuration("session.ttl")
	sm := sessions.NewManager(sessionStore, ttl, logger)
	sm.StartCleanupLoop(viper.GetDuration("session.cleanup_interval"))

	state := browser.NewStateManager(logger)
	broker := events.NewBroker(logger)

	workerCmd, workerArgs := workerInvocation()
	dialer := &browser.StdioDialer{
		Command: workerCmd,
		Args:    workerArgs,
		Version: buildVersion,
	}

	registry := browser.NewRegistry(sm, state, dialer, broker, browser.Options{
		Headless:      viper.GetBool("browser.headless"),
		StartURL:      viper.GetString("browser.start_url"),
		MaxConcurrent: viper.GetInt64("browser.max_concurrent"),
	}, logger)
	sm.RegisterResourceManager("browser", registry)

	convStore, err := openConversationStore(ttl)
	if err != nil {
		return err
	}
	conv := conversation.NewManager(convStore, logger)

	provider, err := buildProvider()
	if err != nil {
		return err
	}

	classifier := tasks.NewClassifier(provider, conv, state, logger)
	navigation := tasks.NewNavigationExecutor(registry, state, broker, logger)
	action := tasks.NewActionExecutor(registry, state, broker,
		viper.GetInt("agent.max_action_steps"), logger)
	orchestrator := tasks.NewAgentOrchestrator(provider, conv, registry, state, broker,
		tasks.Budgets{
			MaxSupervisorTurns: viper.GetInt("agent.max_supervisor_turns"),
			MaxAgentTurns:      viper.GetInt("agent.max_agent_turns"),
		}, logger)
	supervisor := tasks.NewSupervisor(classifier, navigation, action, orchestrator,
		conv, registry, broker, logger)

	server := api.NewServer(sm, registry, state, broker, supervisor, logger)
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", viper.GetInt("port")),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Outer layers first: stop accepting requests, then tear down workers,
	// then the stores behind them.
	shut := shutdown.NewManager(logger)
	shut.Register("http", 10*time.Second, httpSrv.Shutdown)
	shut.Register("workers", 45*time.Second, registry.CloseAll)
	shut.Register("sessions", 10*time.Second, sm.Shutdown)
	shut.Register("conversations", 5*time.Second, func(ctx context.Context) error {
		return convStore.Close()
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("surfdeck listening", "addr", httpSrv.Addr, "version", buildVersion)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, shutdownSignals()...)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()
	return shut.Shutdown(ctx)
}

// workerInvocation returns the command used to spawn one worker per session.
// Default is this executable's own worker subcommand.
func workerInvocation() (string, []string) {
	if cmd := viper.GetString("worker.command"); cmd != "" {
		parts := strings.Fields(cmd)
		return parts[0], parts[1:]
	}
	exe, err := os.Executable()
	if err != nil {
		exe = "surfdeck"
	}
	return exe, []string{"worker"}
}

func openSessionStore() (store.SessionStore, error) {
	switch backend := viper.GetString("session.store"); backend {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "file":
		return store.NewFileStore(viper.GetString("session.dir"))
	case "sqlite":
		return store.NewSQLiteStore(viper.GetString("session.db_path"))
	default:
		return nil, fmt.Errorf("unknown session store %q (memory, file, sqlite)", backend)
	}
}

func openConversationStore(ttl time.Duration) (conversation.Store, error) {
	switch backend := viper.GetString("conversation.store"); backend {
	case "", "memory":
		ms := conversation.NewMemoryStore(ttl)
		ms.StartCleanupLoop(viper.GetDuration("session.cleanup_interval"))
		return ms, nil
	case "file":
		return conversation.NewFileStore(viper.GetString("conversation.dir"))
	default:
		return nil, fmt.Errorf("unknown conversation store %q (memory, file)", backend)
	}
}

func buildProvider() (llm.Provider, error) {
	var p llm.Provider
	switch name := viper.GetString("llm.provider"); name {
	case "", "anthropic":
		key := viper.GetString("anthropic.api_key")
		if key == "" {
			key = os.Getenv("ANTHROPIC_API_KEY")
		}
		if key == "" {
			return nil, fmt.Errorf("anthropic API key not set (anthropic.api_key or ANTHROPIC_API_KEY)")
		}
		p = llm.NewAnthropicProvider(key, viper.GetString("anthropic.model"))
	case "openai":
		key := viper.GetString("openai.api_key")
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		if key == "" {
			return nil, fmt.Errorf("openai API key not set (openai.api_key or OPENAI_API_KEY)")
		}
		p = llm.NewOpenAIProvider(key, viper.GetString("openai.model"), viper.GetString("openai.base_url"))
	default:
		return nil, fmt.Errorf("unknown llm provider %q (anthropic, openai)", name)
	}
	return llm.WithRetry(p, llm.DefaultRetryPolicy()), nil
}

// --- Daemon management ---

func pidFile() *daemon.PIDFile {
	return daemon.New(filepath.Join(viper.GetString("state_dir"), "surfdeck-serve.pid"))
}

func serveLogPath() string {
	return filepath.Join(viper.GetString("state_dir"), "surfdeck-serve.log")
}

func serveStartRun() error {
	pf := pidFile()
	if pid, running := pf.IsRunning(); running {
		return fmt.Errorf("serve is already running (pid %d)", pid)
	}

	if dryRun {
		ui.DryRunMsg("Would start serve daemon, logs: %s", serveLogPath())
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	if err := os.MkdirAll(viper.GetString("state_dir"), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	logFile, err := os.OpenFile(serveLogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	child := exec.Command(exe, "serve")
	child.Stdout = logFile
	child.Stderr = logFile
	setDaemonAttrs(child)

	if err := child.Start(); err != nil {
		return fmt.Errorf("start serve daemon: %w", err)
	}
	if err := pf.Write(child.Process.Pid); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}

	ui.Success("serve started (pid %d)", child.Process.Pid)
	ui.Info("logs: %s", serveLogPath())
	return nil
}

func serveStopRun() error {
	pf := pidFile()
	if _, err := pf.Read(); err != nil {
		return fmt.Errorf("serve is not running")
	}
	pid, running := pf.IsRunning()
	if !running {
		_ = pf.Remove()
		return fmt.Errorf("serve is not running (stale pid file removed)")
	}

	if err := pf.Signal(sigTERM()); err != nil {
		_ = pf.Remove()
		return fmt.Errorf("serve is not running (stale pid file removed)")
	}

	// Give graceful shutdown a chance before escalating.
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if _, alive := pf.IsRunning(); !alive {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if _, alive := pf.IsRunning(); alive {
		ui.Warning("serve did not stop in time, killing pid %d", pid)
		_ = pf.Signal(sigKILL())
	}

	_ = pf.Remove()
	ui.Success("serve stopped")
	return nil
}

func serveStatusRun() error {
	pid, running := pidFile().IsRunning()
	if !running {
		ui.Info("serve is not running")
		return nil
	}
	ui.Success("serve is running (pid %d)", pid)
	return nil
}
