package cli

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/neboloop/signon/internal/browser"
	"github.com/neboloop/signon/internal/credential"
	"github.com/neboloop/signon/internal/db"
	"github.com/neboloop/signon/internal/sites"
)

// DoctorCmd checks that the configured environment can run the server.
func DoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, database, browser and key storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			results := []checkResult{
				checkConfig(),
				checkDatabase(),
				checkBrowser(),
				checkMasterKey(),
				checkSites(),
				{name: "Platform", status: "ok", message: fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH)},
			}
			return report(cmd, results)
		},
	}
}

type checkResult struct {
	name    string
	status  string // "ok", "warn", "error"
	message string
}

func report(cmd *cobra.Command, results []checkResult) error {
	out := cmd.OutOrStdout()
	errors := 0
	for _, r := range results {
		switch r.status {
		case "ok":
			fmt.Fprintf(out, "\033[32m✓\033[0m %s: %s\n", r.name, r.message)
		case "warn":
			fmt.Fprintf(out, "\033[33m⚠\033[0m %s: %s\n", r.name, r.message)
		default:
			fmt.Fprintf(out, "\033[31m✗\033[0m %s: %s\n", r.name, r.message)
			errors++
		}
	}
	if errors > 0 {
		return fmt.Errorf("%d checks failed", errors)
	}
	return nil
}

func checkConfig() checkResult {
	if err := ServerConfig.Validate(); err != nil {
		return checkResult{"Config", "error", err.Error()}
	}
	return checkResult{"Config", "ok", fmt.Sprintf("listen %s, %d profiles, executor %s",
		ServerConfig.Addr(), ServerConfig.Pool.Size, ServerConfig.Pool.Executor)}
}

func checkDatabase() checkResult {
	path := ServerConfig.Database.SQLitePath
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return checkResult{"Database", "warn", path + " not found (created on first run)"}
	}
	store, err := db.NewSQLite(path)
	if err != nil {
		return checkResult{"Database", "error", err.Error()}
	}
	defer store.Close()
	v, err := store.SchemaVersion()
	if err != nil {
		return checkResult{"Database", "error", err.Error()}
	}
	return checkResult{"Database", "ok", fmt.Sprintf("%s (schema %d)", path, v)}
}

func checkBrowser() checkResult {
	if ServerConfig.Pool.Executor == "agent" {
		return checkResult{"Browser", "ok", "driven by worker agents"}
	}
	exe, err := browser.FindChromeExecutable(ServerConfig.Pool.ExecutablePath)
	if err != nil {
		return checkResult{"Browser", "error", err.Error()}
	}
	return checkResult{"Browser", "ok", exe.Path}
}

func checkMasterKey() checkResult {
	if _, err := credential.LoadMasterKey(ServerConfig.Vault.KeySource, ServerConfig.Vault.KeyEnv); err != nil {
		return checkResult{"Vault key", "error", err.Error()}
	}
	return checkResult{"Vault key", "ok", "loaded from " + ServerConfig.Vault.KeySource}
}

func checkSites() checkResult {
	r, err := sites.NewRegistry()
	if err != nil {
		return checkResult{"Sites", "error", err.Error()}
	}
	if dir := ServerConfig.Sites.Dir; dir != "" {
		if err := r.LoadDir(dir); err != nil {
			return checkResult{"Sites", "error", err.Error()}
		}
	}
	return checkResult{"Sites", "ok", fmt.Sprintf("%v", r.Sites())}
}
