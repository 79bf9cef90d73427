package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/neboloop/signon/internal/agent"
	"github.com/neboloop/signon/internal/apperr"
	"github.com/neboloop/signon/internal/browser"
	"github.com/neboloop/signon/internal/credential"
	"github.com/neboloop/signon/internal/db"
	"github.com/neboloop/signon/internal/logging"
	"github.com/neboloop/signon/internal/sites"
)

// AgentCmd runs a worker agent: it owns local browsers and executes the
// commands a server in executor=agent mode sends it.
func AgentCmd() *cobra.Command {
	var serverURL, token, dataDir string
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run a worker agent that drives browsers for a signon server",
		Example: `  SIGNON_AGENT_TOKEN=$(signon token --sub agent-1 --role worker) \
    signon agent --server http://127.0.0.1:27480`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := ServerConfig
			if token == "" {
				token = os.Getenv("SIGNON_AGENT_TOKEN")
			}
			if serverURL == "" || token == "" {
				return apperr.Validation("--server and a worker token (--token or SIGNON_AGENT_TOKEN) are required")
			}
			if dataDir == "" {
				dataDir = c.Pool.DataDir
			}
			if err := os.MkdirAll(dataDir, 0o700); err != nil {
				return err
			}
			lock, err := acquireLock(dataDir)
			if err != nil {
				return err
			}
			defer releaseLock(lock)

			// Credentials are resolved locally so plaintext never crosses
			// the control plane.
			store, err := db.NewSQLite(c.Database.SQLitePath)
			if err != nil {
				return err
			}
			defer store.Close()
			master, err := credential.LoadMasterKey(c.Vault.KeySource, c.Vault.KeyEnv)
			if err != nil {
				return err
			}
			vault, err := credential.NewVault(store, master)
			if err != nil {
				return err
			}

			registry, err := sites.NewRegistry()
			if err != nil {
				return err
			}
			if c.Sites.Dir != "" {
				if err := registry.LoadDir(c.Sites.Dir); err != nil {
					return err
				}
			}

			launcher := browser.NewChromeLauncher(browser.LauncherConfig{
				ExecutablePath: c.Pool.ExecutablePath,
				Headless:       c.Pool.Headless,
				NoSandbox:      c.Pool.NoSandbox,
				LaunchTimeout:  c.Pool.LaunchTimeout,
			})
			var driver browser.Driver = browser.CDPDriver{}
			if c.Pool.Driver == "playwright" {
				pw := &browser.PlaywrightDriver{}
				defer pw.Shutdown()
				driver = pw
			}
			runner := browser.NewRunner(registry, vault, sites.SignatureDetector{}, browser.RunnerConfig{
				StepTimeout: c.Pool.StepTimeout,
				MaxRetries:  c.Pool.MaxStepRetries,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client := agent.New(agent.Config{
				ServerURL: serverURL,
				Token:     token,
				DataDir:   dataDir,
				WriteWait: c.ControlPlane.WriteWait,
			}, launcher, driver, runner)
			logging.Infof("worker agent connecting to %s", agent.WebSocketURL(serverURL))
			return client.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "signon server base URL")
	cmd.Flags().StringVar(&token, "token", "", "worker token (default $SIGNON_AGENT_TOKEN)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "browser profile directory (default pool.dataDir)")
	return cmd
}
