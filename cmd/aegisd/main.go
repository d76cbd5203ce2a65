package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aegiscore/aegis/internal/alert"
	"github.com/aegiscore/aegis/internal/auth"
	"github.com/aegiscore/aegis/internal/config"
	"github.com/aegiscore/aegis/internal/drift"
	"github.com/aegiscore/aegis/internal/embedding"
	"github.com/aegiscore/aegis/internal/fingerprint"
	"github.com/aegiscore/aegis/internal/gateway"
	"github.com/aegiscore/aegis/internal/killswitch"
	"github.com/aegiscore/aegis/internal/ledger"
	"github.com/aegiscore/aegis/internal/policy"
	"github.com/aegiscore/aegis/internal/simulate"
)

var (
	version = "dev"
	commit  = "none"
)

// ruleSourceFileName is the conventional rule document name inside
// cfg.Policy.RuleSourceDir; "aegisd init" does not currently scaffold one,
// so a missing file is treated as "start with zero rules", not a fatal error.
const ruleSourceFileName = "rules.yaml"

// snapshotSaveInterval is how often the fingerprint store's live state is
// flushed to the snapshot store for cold-start warm-up on the next restart.
const snapshotSaveInterval = time.Minute

func main() {
	rootCmd := &cobra.Command{
		Use:   "aegisd",
		Short: "Runtime drift and policy enforcement kernel for autonomous agents",
		Long:  "aegisd — verify intent, simulate plans, and enforce kill switches before an agent's action ever runs.",
	}

	var configFile string
	var port int

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Host API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configFile, port)
		},
	}
	serveCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: aegis.yaml)")
	serveCmd.Flags().IntVarP(&port, "port", "p", 0, "Override Host API port")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter aegis.yaml to the current directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "aegis.yaml"
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := config.GenerateDefault(path); err != nil {
				return fmt.Errorf("failed to write default config: %w", err)
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status [agent-id]",
		Short: "Show an agent's current risk state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgentStatus(port, args[0])
		},
	}

	resurrectCmd := &cobra.Command{
		Use:   "resurrect [agent-id]",
		Short: "Resurrect a KILLed agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			admin, _ := cmd.Flags().GetString("admin")
			return runResurrect(port, args[0], admin, reason)
		},
	}
	resurrectCmd.Flags().String("reason", "manual resurrection", "Reason recorded in the audit ledger")
	resurrectCmd.Flags().String("admin", "cli", "Admin identity recorded in the audit ledger")

	ledgerCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Audit ledger commands",
	}
	ledgerVerifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the hash chain end to end",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLedgerVerify(port)
		},
	}
	var exportKind, exportAgent string
	ledgerExportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export ledger entries, optionally filtered by kind/agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLedgerExport(port, exportKind, exportAgent)
		},
	}
	ledgerExportCmd.Flags().StringVar(&exportKind, "kind", "", "Filter by event kind (e.g. INTENT_VERIFIED)")
	ledgerExportCmd.Flags().StringVar(&exportAgent, "agent", "", "Filter by agent id")
	ledgerCmd.AddCommand(ledgerVerifyCmd, ledgerExportCmd)

	policyCmd := &cobra.Command{
		Use:   "policy",
		Short: "Policy introspection commands",
	}
	policyListCmd := &cobra.Command{
		Use:   "list",
		Short: "Show loaded policy rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPolicyList(port)
		},
	}
	policyReloadCmd := &cobra.Command{
		Use:   "reload",
		Short: "Re-read the rule source and atomically swap the active rule set",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPolicyReload(port)
		},
	}
	policyCmd.AddCommand(policyListCmd, policyReloadCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("aegisd %s (%s)\n", version, commit)
		},
	}

	rootCmd.PersistentFlags().IntVarP(&port, "api-port", "P", 0, "Host API port for CLI subcommands (default: 8443)")
	rootCmd.AddCommand(serveCmd, initCmd, statusCmd, resurrectCmd, ledgerCmd, policyCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runServe(configFile string, portOverride int) error {
	loader := config.NewLoader()
	if configFile == "" {
		configFile = findConfigFile()
	}
	if configFile != "" {
		if err := loader.Load(configFile); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}
	cfg := loader.Get()
	if portOverride > 0 {
		cfg.Gateway.Port = portOverride
	}

	logLevel := slog.LevelInfo
	switch strings.ToLower(cfg.Gateway.LogLevel) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))

	ledgerStore, err := ledger.OpenFileStore(cfg.Ledger.Path, logger)
	if err != nil {
		return fmt.Errorf("failed to open ledger store: %w", err)
	}

	var signer ledger.Signer
	if cfg.Ledger.DemoSigned || cfg.Ledger.SigningKey == "" {
		demoSigner, err := ledger.NewDemoSigner(logger)
		if err != nil {
			return fmt.Errorf("failed to create demo signer: %w", err)
		}
		signer = demoSigner
	} else {
		return fmt.Errorf("non-demo signing keys are not yet supported by this build")
	}

	auditLedger, err := ledger.New(ledgerStore, signer, logger)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}

	fpStore := fingerprint.NewStore(logger)
	snapStore, err := fingerprint.OpenSnapshotStore(cfg.Drift.SnapshotStorePath)
	if err != nil {
		return fmt.Errorf("failed to open fingerprint snapshot store: %w", err)
	}
	defer func() { _ = snapStore.Close() }()

	warmed, err := snapStore.LoadAll()
	if err != nil {
		return fmt.Errorf("failed to warm-start fingerprint snapshots: %w", err)
	}
	for _, fp := range warmed {
		fpStore.Restore(fp)
	}
	if len(warmed) > 0 {
		logger.Info("fingerprint store warm-started from snapshots", "agent_count", len(warmed))
	}

	var embedProvider embedding.Provider = embedding.NewHashProvider(cfg.Embedding.Dimension)
	embedder := embedding.NewBoundedProvider(embedProvider, embedding.NewHashProvider(cfg.Embedding.Dimension))

	policyEngine := policy.NewEngine(logger)

	celEval, err := policy.NewCELEvaluator(logger)
	if err != nil {
		return fmt.Errorf("failed to start CEL evaluator: %w", err)
	}
	ruleLoader := policy.NewLoader(celEval, policyEngine, logger)
	rulePath := filepath.Join(cfg.Policy.RuleSourceDir, ruleSourceFileName)
	if _, err := os.Stat(rulePath); err == nil {
		if err := ruleLoader.LoadAndApply(rulePath, os.ReadFile); err != nil {
			return fmt.Errorf("failed to load rule source %s: %w", rulePath, err)
		}
	} else {
		logger.Warn("no rule source found, starting with zero policy rules", "path", rulePath)
	}
	if cfg.Policy.HotReload {
		if err := ruleLoader.WatchConfig(rulePath, os.ReadFile); err != nil {
			logger.Warn("failed to watch rule source for hot reload", "path", rulePath, "error", err)
		}
	}
	defer ruleLoader.StopWatch()

	driftCfg := drift.Config{Weights: cfg.Drift.Weights, Thresholds: cfg.Drift.Thresholds, MaxResurrections: cfg.Drift.MaxResurrections}
	driftEngine, err := drift.NewEngine(fpStore, embedder, auditLedger, driftCfg, logger)
	if err != nil {
		return fmt.Errorf("failed to start drift engine: %w", err)
	}

	simulator := simulate.NewSimulator(policyEngine, fpStore, embedder, auditLedger, driftCfg, logger)
	ks := killswitch.New(logger)
	if cfg.Gateway.KillSwitchFile != "" {
		ks.SetWatchPath(cfg.Gateway.KillSwitchFile)
	}

	var senders []alert.Sender
	if cfg.Alerts.Webhook.URL != "" {
		senders = append(senders, alert.NewWebhookSender(cfg.Alerts.Webhook))
	}
	if cfg.Alerts.Slack.WebhookURL != "" {
		senders = append(senders, alert.NewSlackSender(cfg.Alerts.Slack))
	}
	alertMgr := alert.NewManager(logger, senders...)

	tokens := auth.NewTokenManager(cfg.Auth.TokenTTL, logger)
	hub := gateway.NewEventHub(logger, true)
	gw := gateway.New(ks, policyEngine, driftEngine, simulator, auditLedger, alertMgr, hub, logger)

	apiServer := gateway.NewServer(gw, tokens, hub, tokens != nil, logger)
	apiServer.SetPolicyLoader(ruleLoader, rulePath)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	go gw.RunBackgroundLoop(bgCtx)
	go runSnapshotSaveLoop(bgCtx, fpStore, snapStore, logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Gateway.Port),
		Handler:      apiServer.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	fmt.Println()
	fmt.Printf("  aegisd %s — runtime drift and policy enforcement\n", version)
	fmt.Printf("  → Host API:  http://localhost:%d/api\n", cfg.Gateway.Port)
	fmt.Printf("  → Events:    ws://localhost:%d/api/events\n", cfg.Gateway.Port)
	fmt.Printf("  → Ledger:    %s\n", cfg.Ledger.Path)
	fmt.Printf("  → Rules:     %d loaded\n", len(policyEngine.ListRules()))
	fmt.Println()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutting down")
		bgCancel()
		hub.Close()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		_ = httpServer.Shutdown(shutCtx)
	}()

	logger.Info("starting host API server", "port", cfg.Gateway.Port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("host API server error: %w", err)
	}
	return nil
}

// runSnapshotSaveLoop periodically persists every tracked agent's live
// fingerprint to the snapshot store, so a restart can warm-start instead
// of replaying the ledger from a cold state.
func runSnapshotSaveLoop(ctx context.Context, fpStore *fingerprint.Store, snapStore *fingerprint.SnapshotStore, logger *slog.Logger) {
	ticker := time.NewTicker(snapshotSaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, agentID := range fpStore.Agents() {
				if err := snapStore.Save(fpStore.Snapshot(agentID)); err != nil {
					logger.Warn("failed to save fingerprint snapshot", "agent_id", agentID, "error", err)
				}
			}
		}
	}
}

func runAgentStatus(port int, agentID string) error {
	p := resolvePort(port)
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/api/agents/%s/status", p, agentID))
	if err != nil {
		return fmt.Errorf("failed to connect to aegisd: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var status map[string]interface{}
	if err := decodeJSON(resp, &status); err != nil {
		return err
	}
	fmt.Printf("agent:   %v\n", status["agent_id"])
	fmt.Printf("level:   %v\n", status["level"])
	fmt.Printf("score:   %v\n", status["score"])
	fmt.Printf("reason:  %v\n", status["reason"])
	return nil
}

func runResurrect(port int, agentID, adminID, reason string) error {
	p := resolvePort(port)
	body, _ := json.Marshal(map[string]string{"admin_id": adminID, "reason": reason})
	resp, err := http.Post(fmt.Sprintf("http://localhost:%d/api/agents/%s/resurrect", p, agentID), "application/json", strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("failed to connect to aegisd: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result map[string]interface{}
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		fmt.Printf("✗ resurrect failed: %v\n", result["error"])
		return nil
	}
	fmt.Printf("✓ %v\n", result["message"])
	return nil
}

func runLedgerVerify(port int) error {
	p := resolvePort(port)
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/api/ledger/verify", p))
	if err != nil {
		return fmt.Errorf("failed to connect to aegisd: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result map[string]interface{}
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	if ok, _ := result["ok"].(bool); ok {
		fmt.Println("✓ ledger hash chain intact")
	} else {
		fmt.Printf("✗ ledger hash chain broken at entry %v\n", result["first_broken_id"])
	}
	return nil
}

func runLedgerExport(port int, kind, agentID string) error {
	p := resolvePort(port)
	u := fmt.Sprintf("http://localhost:%d/api/ledger/export", p)
	q := url.Values{}
	if kind != "" {
		q.Set("kind", kind)
	}
	if agentID != "" {
		q.Set("agent_id", agentID)
	}
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}

	resp, err := http.Get(u)
	if err != nil {
		return fmt.Errorf("failed to connect to aegisd: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result struct {
		Entries []ledger.Entry `json:"entries"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	out, err := json.MarshalIndent(result.Entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode exported entries: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func runPolicyReload(port int) error {
	p := resolvePort(port)
	resp, err := http.Post(fmt.Sprintf("http://localhost:%d/api/policies/reload", p), "application/json", strings.NewReader("{}"))
	if err != nil {
		return fmt.Errorf("failed to connect to aegisd: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result map[string]interface{}
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		fmt.Printf("✗ reload failed: %v\n", result["error"])
		return nil
	}
	rules, _ := result["rules"].([]interface{})
	fmt.Printf("✓ policy reloaded (%d rules active)\n", len(rules))
	return nil
}

func runPolicyList(port int) error {
	p := resolvePort(port)
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/api/policies", p))
	if err != nil {
		return fmt.Errorf("failed to connect to aegisd: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result map[string]interface{}
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	rules, _ := result["rules"].([]interface{})
	if len(rules) == 0 {
		fmt.Println("No rules loaded.")
		return nil
	}
	fmt.Printf("%-30s %s\n", "RULE ID", "DOMAIN")
	fmt.Println(strings.Repeat("─", 50))
	for _, r := range rules {
		m := r.(map[string]interface{})
		fmt.Printf("%-30v %v\n", m["id"], m["domain"])
	}
	return nil
}

func findConfigFile() string {
	candidates := []string{
		"aegis.yaml",
		"aegis.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "aegis", "aegis.yaml"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func resolvePort(port int) int {
	if port == 0 {
		return 8443
	}
	return port
}

func decodeJSON(resp *http.Response, v interface{}) error {
	return json.NewDecoder(resp.Body).Decode(v)
}
