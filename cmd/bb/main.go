package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bb-go/internal/app"
	"bb-go/internal/borg"
	"bb-go/internal/config"
	"bb-go/internal/model"
	"bb-go/internal/orchestrator"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates a BBApp. The caller must defer a.Close().
func newApp(cmd *cobra.Command) (*app.BBApp, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if cfg.BaseDir == "" {
		cfg.BaseDir = defaults["base_dir"]
	}
	if cfg.LogDir == "" {
		cfg.LogDir = defaults["log_dir"]
	}

	a, err := app.NewBBApp(cmd.Context(), cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// readPassphrase returns the passphrase for the run. With --prompt it is
// read from the terminal without echo; otherwise empty, deferring to the
// secret file and environment sources.
func readPassphrase(cmd *cobra.Command) (string, error) {
	prompt, _ := cmd.Flags().GetBool("prompt")
	if !prompt {
		return "", nil
	}

	fmt.Fprint(os.Stderr, "Passphrase: ")
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

func printWarnings(summary *orchestrator.Summary) {
	if summary == nil {
		return
	}
	for _, w := range summary.Warnings {
		fmt.Printf("warning: %s\n", w)
	}
}

// retentionFromFlags builds a per-repository override from the keep-* flags.
// Returns nil when no flag was set.
func retentionFromFlags(cmd *cobra.Command) *model.RetentionOverride {
	var override model.RetentionOverride
	set := false

	bind := func(flag string, target **int) {
		if cmd.Flags().Changed(flag) {
			v, _ := cmd.Flags().GetInt(flag)
			*target = &v
			set = true
		}
	}
	bind("keep-daily", &override.KeepDaily)
	bind("keep-weekly", &override.KeepWeekly)
	bind("keep-monthly", &override.KeepMonthly)
	bind("keep-yearly", &override.KeepYearly)

	if !set {
		return nil
	}
	return &override
}

var rootCmd = &cobra.Command{
	Use:   "bb",
	Short: "Deduplicating backup repository manager",
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"])
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Base Dir:  %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:   %s\n", cfg.LogDir)
		fmt.Printf("Storage:   %s\n", cfg.Storage.Type)
		fmt.Printf("S3 Bucket: %s\n", cfg.AWS.S3Bucket)
		return nil
	},
}

// create command
var createCmd = &cobra.Command{
	Use:   "create NAME REPO_PATH BACKUP_TARGET",
	Short: "Initialize a new backup repository",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		pass, err := readPassphrase(cmd)
		if err != nil {
			return err
		}

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		repo, summary, err := a.CreateRepo(cmd.Context(), args[1], args[2], args[0], pass, retentionFromFlags(cmd))
		if err != nil {
			return err
		}
		printWarnings(summary)

		fmt.Printf("Created repository %q at %s\n", repo.Name, repo.Path)
		fmt.Printf("Backup target: %s\n", repo.BackupTarget)
		return nil
	},
}

// backup command
var backupCmd = &cobra.Command{
	Use:   "backup NAME",
	Short: "Run the daily backup sequence (create, prune, compact)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		archiveOnly, _ := cmd.Flags().GetBool("archive-only")
		noSync, _ := cmd.Flags().GetBool("no-sync")

		pass, err := readPassphrase(cmd)
		if err != nil {
			return err
		}

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		var summary *orchestrator.Summary
		if archiveOnly {
			summary, err = a.Backup(cmd.Context(), args[0], pass)
		} else {
			summary, err = a.DailyBackup(cmd.Context(), args[0], pass, !noSync)
		}
		if err != nil {
			return err
		}
		printWarnings(summary)

		fmt.Printf("Backup of %q finished\n", args[0])
		return nil
	},
}

// delete command
var deleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a repository and its metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		fromS3, _ := cmd.Flags().GetBool("s3")

		pass, err := readPassphrase(cmd)
		if err != nil {
			return err
		}

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		summary, err := a.DeleteRepo(cmd.Context(), args[0], dryRun, fromS3, pass)
		if err != nil {
			return err
		}
		printWarnings(summary)

		if dryRun {
			fmt.Printf("Dry run: repository %q would be deleted\n", args[0])
		} else {
			fmt.Printf("Deleted repository %q\n", args[0])
		}
		return nil
	},
}

// delete-archive command
var deleteArchiveCmd = &cobra.Command{
	Use:   "delete-archive NAME ARCHIVE",
	Short: "Delete one archive and compact the repository",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		pass, err := readPassphrase(cmd)
		if err != nil {
			return err
		}

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		summary, err := a.DeleteArchive(cmd.Context(), args[0], args[1], dryRun, pass)
		if err != nil {
			return err
		}
		printWarnings(summary)

		if dryRun {
			fmt.Printf("Dry run: archive %s would be deleted\n", args[1])
		} else {
			fmt.Printf("Deleted archive %s\n", args[1])
		}
		return nil
	},
}

// restore command
var restoreCmd = &cobra.Command{
	Use:   "restore NAME ARCHIVE",
	Short: "Extract an archive into the current directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		strip, _ := cmd.Flags().GetInt("strip-components")

		pass, err := readPassphrase(cmd)
		if err != nil {
			return err
		}

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		opts := borg.ExtractOptions{DryRun: dryRun, StripComponents: strip, ListFiles: true}
		summary, err := a.RestoreArchive(cmd.Context(), args[0], args[1], opts, pass)
		if err != nil {
			return err
		}
		printWarnings(summary)

		fmt.Printf("Restored archive %s from %q\n", args[1], args[0])
		return nil
	},
}

// restore-repo command
var restoreRepoCmd = &cobra.Command{
	Use:   "restore-repo NAME",
	Short: "Download a repository from the remote object store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		summary, err := a.RestoreRepo(cmd.Context(), args[0], force, dryRun)
		if err != nil {
			return err
		}
		printWarnings(summary)

		fmt.Printf("Restored repository %q to this host\n", args[0])
		return nil
	},
}

// list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered repositories",
	RunE: func(cmd *cobra.Command, args []string) error {
		remote, _ := cmd.Flags().GetBool("remote")

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if remote {
			names, err := a.ListRemoteRepos(cmd.Context())
			if err != nil {
				return err
			}
			if len(names) == 0 {
				fmt.Println("No repositories in the remote object store.")
				return nil
			}
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		}

		repos, err := a.ListRepos()
		if err != nil {
			return err
		}
		if len(repos) == 0 {
			fmt.Println("No repositories registered.")
			return nil
		}

		for _, r := range repos {
			lastBackup := "never"
			if r.LastBackup != nil {
				lastBackup = r.LastBackup.Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%-20s  %-12s  last backup: %-19s  %s\n", r.Name, r.Hostname, lastBackup, r.Path)
		}
		return nil
	},
}

// archives command
var archivesCmd = &cobra.Command{
	Use:   "archives NAME",
	Short: "List the archives in a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pass, err := readPassphrase(cmd)
		if err != nil {
			return err
		}

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		archives, err := a.ListArchives(cmd.Context(), args[0], pass)
		if err != nil {
			return err
		}
		if len(archives) == 0 {
			fmt.Println("No archives.")
			return nil
		}

		for _, ar := range archives {
			fmt.Printf("%-24s  %s\n", ar.Name, ar.Time)
		}
		return nil
	},
}

// contents command
var contentsCmd = &cobra.Command{
	Use:   "contents NAME ARCHIVE",
	Short: "List the files inside an archive",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		pass, err := readPassphrase(cmd)
		if err != nil {
			return err
		}

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		files, err := a.ListArchiveContents(cmd.Context(), args[0], args[1], pass)
		if err != nil {
			return err
		}
		for _, f := range files {
			fmt.Printf("%s %10d  %s\n", f.Mode, f.Size, f.Path)
		}
		return nil
	},
}

// info command
var infoCmd = &cobra.Command{
	Use:   "info NAME",
	Short: "Show repository metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pass, err := readPassphrase(cmd)
		if err != nil {
			return err
		}

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		info, err := a.Info(cmd.Context(), args[0], pass)
		if err != nil {
			return err
		}

		fmt.Printf("Location:      %s\n", info.Repository.Location)
		fmt.Printf("Encryption:    %s\n", info.Encryption.Mode)
		fmt.Printf("Last modified: %s\n", info.Repository.LastModified)
		fmt.Printf("Original size: %s\n", humanSize(info.Cache.Stats.TotalSize))
		fmt.Printf("Compressed:    %s\n", humanSize(info.Cache.Stats.TotalCSize))
		fmt.Printf("Deduplicated:  %s\n", humanSize(info.Cache.Stats.UniqueCSize))
		return nil
	},
}

// check command
var checkCmd = &cobra.Command{
	Use:   "check NAME",
	Short: "Verify repository consistency",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pass, err := readPassphrase(cmd)
		if err != nil {
			return err
		}

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		summary, err := a.Check(cmd.Context(), args[0], pass)
		if err != nil {
			return err
		}
		printWarnings(summary)

		fmt.Printf("Repository %q is consistent\n", args[0])
		return nil
	},
}

// export-key command
var exportKeyCmd = &cobra.Command{
	Use:   "export-key NAME OUTPUT",
	Short: "Export the repository key material",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		paper, _ := cmd.Flags().GetBool("paper")

		pass, err := readPassphrase(cmd)
		if err != nil {
			return err
		}

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.ExportKey(cmd.Context(), args[0], args[1], paper, pass); err != nil {
			return err
		}
		fmt.Printf("Exported key for %q to %s\n", args[0], args[1])
		return nil
	},
}

// sync command
var syncCmd = &cobra.Command{
	Use:   "sync NAME",
	Short: "Mirror a repository to the remote object store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		summary, err := a.SyncToS3(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printWarnings(summary)

		fmt.Printf("Synced repository %q\n", args[0])
		return nil
	},
}

// stats command
var statsCmd = &cobra.Command{
	Use:   "stats NAME",
	Short: "Show remote storage usage for a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		refresh, _ := cmd.Flags().GetBool("refresh")

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		stats, err := a.S3Stats(cmd.Context(), args[0], refresh)
		if err != nil {
			return err
		}

		fmt.Printf("Objects:    %d\n", stats.ObjectCount)
		fmt.Printf("Total size: %s\n", humanSize(stats.TotalSizeBytes))
		if stats.LastModified != nil {
			fmt.Printf("Modified:   %s\n", stats.LastModified.Format("2006-01-02 15:04:05"))
		}
		fmt.Printf("As of:      %s\n", stats.CachedAt.Format(time.RFC3339))
		return nil
	},
}

// excludes command
var excludesCmd = &cobra.Command{
	Use:   "excludes",
	Short: "Manage repository exclusion lists",
}

var excludesCreateCmd = &cobra.Command{
	Use:   "create NAME SOURCE_FILE",
	Short: "Install an exclusion list from a pattern file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		dest, err := a.CreateExclusions(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Created exclusion list at %s\n", dest)
		return nil
	},
}

var excludesListCmd = &cobra.Command{
	Use:   "list NAME",
	Short: "Show a repository's exclusion patterns",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		patterns, err := a.GetExclusions(args[0])
		if err != nil {
			return err
		}
		if len(patterns) == 0 {
			fmt.Println("No exclusion patterns.")
			return nil
		}
		for i, p := range patterns {
			fmt.Printf("%3d  %s\n", i+1, p)
		}
		return nil
	},
}

var excludesAddCmd = &cobra.Command{
	Use:   "add NAME PATTERN",
	Short: "Append a pattern to the exclusion list",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.AddExclusion(args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Added pattern %q\n", args[1])
		return nil
	},
}

var excludesRemoveCmd = &cobra.Command{
	Use:   "remove NAME LINE",
	Short: "Remove the pattern at the given line number",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		line, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid line number %q", args[1])
		}

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.RemoveExclusion(args[0], line); err != nil {
			return err
		}
		fmt.Printf("Removed line %d\n", line)
		return nil
	},
}

// migrate-passphrases command
var migratePassphrasesCmd = &cobra.Command{
	Use:   "migrate-passphrases",
	Short: "Move legacy stored passphrases into secret files",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.MigratePassphrases()
		if err != nil {
			return err
		}
		fmt.Printf("Migrated %d passphrase(s)\n", n)
		return nil
	},
}

func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	rootCmd.AddCommand(configCmd)

	createCmd.Flags().Bool("prompt", false, "Prompt for the passphrase instead of generating one")
	createCmd.Flags().Int("keep-daily", 0, "Archives to keep at daily cadence")
	createCmd.Flags().Int("keep-weekly", 0, "Archives to keep at weekly cadence")
	createCmd.Flags().Int("keep-monthly", 0, "Archives to keep at monthly cadence")
	createCmd.Flags().Int("keep-yearly", 0, "Archives to keep at yearly cadence")
	rootCmd.AddCommand(createCmd)

	backupCmd.Flags().Bool("prompt", false, "Prompt for the passphrase")
	backupCmd.Flags().Bool("archive-only", false, "Create an archive without pruning or syncing")
	backupCmd.Flags().Bool("no-sync", false, "Skip the remote object store sync")
	rootCmd.AddCommand(backupCmd)

	deleteCmd.Flags().Bool("prompt", false, "Prompt for the passphrase")
	deleteCmd.Flags().Bool("dry-run", false, "Show what would be deleted")
	deleteCmd.Flags().Bool("s3", false, "Also delete the remote copy")
	rootCmd.AddCommand(deleteCmd)

	deleteArchiveCmd.Flags().Bool("prompt", false, "Prompt for the passphrase")
	deleteArchiveCmd.Flags().Bool("dry-run", false, "Show what would be deleted")
	rootCmd.AddCommand(deleteArchiveCmd)

	restoreCmd.Flags().Bool("prompt", false, "Prompt for the passphrase")
	restoreCmd.Flags().Bool("dry-run", false, "List what would be extracted")
	restoreCmd.Flags().Int("strip-components", 0, "Strip leading path components on extract")
	rootCmd.AddCommand(restoreCmd)

	restoreRepoCmd.Flags().Bool("force", false, "Overwrite an existing local repository")
	restoreRepoCmd.Flags().Bool("dry-run", false, "Show what would be downloaded")
	rootCmd.AddCommand(restoreRepoCmd)

	listCmd.Flags().Bool("remote", false, "List repositories in the remote object store instead")
	rootCmd.AddCommand(listCmd)

	archivesCmd.Flags().Bool("prompt", false, "Prompt for the passphrase")
	rootCmd.AddCommand(archivesCmd)

	contentsCmd.Flags().Bool("prompt", false, "Prompt for the passphrase")
	rootCmd.AddCommand(contentsCmd)

	infoCmd.Flags().Bool("prompt", false, "Prompt for the passphrase")
	rootCmd.AddCommand(infoCmd)

	checkCmd.Flags().Bool("prompt", false, "Prompt for the passphrase")
	rootCmd.AddCommand(checkCmd)

	exportKeyCmd.Flags().Bool("prompt", false, "Prompt for the passphrase")
	exportKeyCmd.Flags().Bool("paper", false, "Export in paper key format")
	rootCmd.AddCommand(exportKeyCmd)

	rootCmd.AddCommand(syncCmd)

	statsCmd.Flags().Bool("refresh", false, "Bypass the cached statistics")
	rootCmd.AddCommand(statsCmd)

	excludesCmd.AddCommand(excludesCreateCmd)
	excludesCmd.AddCommand(excludesListCmd)
	excludesCmd.AddCommand(excludesAddCmd)
	excludesCmd.AddCommand(excludesRemoveCmd)
	rootCmd.AddCommand(excludesCmd)

	rootCmd.AddCommand(migratePassphrasesCmd)
}
