package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/pagemirror/internal/pagesync"
	"github.com/agentworkforce/pagemirror/internal/wordpress"
)

var (
	flagCloneDir    string
	flagBaseURL     string
	flagUsername    string
	flagAppPassword string
)

var rootCmd = &cobra.Command{
	Use:          "pagemirror",
	Short:        "Mirror WordPress pages into a local working copy",
	Long:         "pagemirror keeps a local editable mirror of a WordPress site's pages:\nclone pulls snapshots down, push sends verified edits back up, and every\nobserved remote state is archived so any page can be restored.",
	SilenceUsage: true,
}

var cloneCmd = &cobra.Command{
	Use:   "clone",
	Short: "Clone every remote page into the local mirror",
	RunE: func(cmd *cobra.Command, _ []string) error {
		overwrite, _ := cmd.Flags().GetBool("overwrite-local")
		syncer, err := newSyncer(true)
		if err != nil {
			return err
		}
		report, err := syncer.CloneAll(cmd.Context(), overwrite)
		if err != nil {
			return err
		}
		printCloneReport(cmd, report)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the sync state of the local mirror",
	RunE: func(cmd *cobra.Command, _ []string) error {
		syncer, err := newSyncer(false)
		if err != nil {
			return err
		}
		status, err := syncer.Status()
		if err != nil {
			return err
		}
		cmd.Printf("state: %s\n", status.State)
		for _, diff := range status.Differences {
			cmd.Printf("  modified: #%d %s [%s]\n", diff.ID, diff.Title, diff.Status)
		}
		for _, page := range status.LocalOnly {
			cmd.Printf("  local only: #%d %s\n", page.ID, page.Title)
		}
		return nil
	},
}

var changesCmd = &cobra.Command{
	Use:   "changes",
	Short: "List pages whose working copy differs from the snapshot",
	RunE: func(cmd *cobra.Command, _ []string) error {
		syncer, err := newSyncer(false)
		if err != nil {
			return err
		}
		differences, localOnly, err := syncer.DetectChanges()
		if err != nil {
			return err
		}
		if len(differences) == 0 && len(localOnly) == 0 {
			cmd.Println("no changes")
			return nil
		}
		for _, diff := range differences {
			cmd.Printf("%s: #%d %s\n", diff.Status, diff.ID, diff.Title)
		}
		for _, page := range localOnly {
			cmd.Printf("local only: #%d %s\n", page.ID, page.Title)
		}
		return nil
	},
}

var diffCmd = &cobra.Command{
	Use:   "diff <page-id>",
	Short: "Show a unified diff between snapshot and working copy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parsePageID(args[0])
		if err != nil {
			return err
		}
		syncer, err := newSyncer(false)
		if err != nil {
			return err
		}
		text, err := syncer.Diff(id)
		if err != nil {
			return err
		}
		if strings.TrimSpace(text) == "" {
			cmd.Printf("page %d: no differences\n", id)
			return nil
		}
		cmd.Print(text)
		return nil
	},
}

var pushCmd = &cobra.Command{
	Use:   "push <page-id>",
	Short: "Push the working copy of a page back to WordPress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parsePageID(args[0])
		if err != nil {
			return err
		}
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		syncer, err := newSyncer(true)
		if err != nil {
			return err
		}
		if err := syncer.PushPage(cmd.Context(), id, dryRun); err != nil {
			return err
		}
		if dryRun {
			cmd.Printf("page %d: dry run, nothing written\n", id)
			return nil
		}
		cmd.Printf("page %d: pushed and verified\n", id)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <page-id>",
	Short: "List archived snapshots of a page, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parsePageID(args[0])
		if err != nil {
			return err
		}
		syncer, err := newSyncer(false)
		if err != nil {
			return err
		}
		entries, err := syncer.History(id)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			cmd.Printf("page %d: no archived snapshots\n", id)
			return nil
		}
		for _, entry := range entries {
			cmd.Printf("%s  %-8s %s\n", entry.Timestamp, entry.Operation, entry.Path)
		}
		return nil
	},
	Args: cobra.ExactArgs(1),
}

var restoreCmd = &cobra.Command{
	Use:   "restore <page-id> <timestamp>",
	Short: "Restore a page from an archived snapshot",
	Long:  "Restore overwrites both the working copy and the snapshot of a page with\nan archived clone. The current working copy is archived first, so an\naccidental restore can itself be undone.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parsePageID(args[0])
		if err != nil {
			return err
		}
		syncer, err := newSyncer(false)
		if err != nil {
			return err
		}
		if err := syncer.Restore(id, args[1]); err != nil {
			return err
		}
		cmd.Printf("page %d: restored from %s\n", id, args[1])
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagCloneDir, "clone-dir", envOrDefault("PAGEMIRROR_CLONE_DIR", "./clone_site"), "local mirror directory")
	rootCmd.PersistentFlags().StringVar(&flagBaseURL, "base-url", envOrDefault("PAGEMIRROR_WP_BASE_URL", ""), "WordPress site base URL")
	rootCmd.PersistentFlags().StringVar(&flagUsername, "username", envOrDefault("PAGEMIRROR_WP_USERNAME", ""), "WordPress username")
	rootCmd.PersistentFlags().StringVar(&flagAppPassword, "app-password", envOrDefault("PAGEMIRROR_WP_APP_PASSWORD", ""), "WordPress application password")

	cloneCmd.Flags().Bool("overwrite-local", false, "replace locally edited working copies instead of preserving them")
	pushCmd.Flags().Bool("dry-run", false, "report what would be pushed without writing")

	rootCmd.AddCommand(cloneCmd, statusCmd, changesCmd, diffCmd, pushCmd, historyCmd, restoreCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newSyncer builds a syncer from the persistent flags. Commands that talk to
// the remote site set needsRemote so missing credentials fail early instead
// of mid-operation.
func newSyncer(needsRemote bool) (*pagesync.Syncer, error) {
	if needsRemote && strings.TrimSpace(flagBaseURL) == "" {
		return nil, errors.New("base URL is required (--base-url or PAGEMIRROR_WP_BASE_URL)")
	}
	client := wordpress.NewHTTPClient(wordpress.HTTPClientOptions{
		BaseURL:     flagBaseURL,
		Username:    flagUsername,
		AppPassword: flagAppPassword,
	})
	return pagesync.NewSyncer(client, pagesync.Options{
		CloneDir: flagCloneDir,
		SiteURL:  flagBaseURL,
	})
}

func printCloneReport(cmd *cobra.Command, report pagesync.CloneReport) {
	cmd.Printf("cloned %d, updated %d, untouched %d\n", len(report.Cloned), len(report.Updated), len(report.Untouched))
	for _, conflict := range report.Conflicts {
		cmd.Printf("conflict (%s): #%d %s\n", conflict.Kind, conflict.ID, conflict.Title)
	}
	for _, failure := range report.Failed {
		cmd.Printf("failed (%s): #%d: %s\n", failure.Phase, failure.ID, failure.Err)
	}
	if len(report.Conflicts) > 0 {
		cmd.Println("conflicted working copies were preserved; rerun with --overwrite-local to discard them")
	}
}

func parsePageID(raw string) (int, error) {
	id, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid page id %q", raw)
	}
	return id, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
