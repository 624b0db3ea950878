package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"confex/internal/config"
	"confex/internal/confluence"
	"confex/internal/discovery"
	"confex/internal/export"
	"confex/internal/logging"
	"confex/internal/manifest"
	"confex/internal/metrics"
	"confex/internal/persist"
	"confex/internal/queue"
	"confex/internal/recovery"
	"confex/internal/scheduler"
	"confex/internal/usercache"
)

const progressInterval = 5 * time.Second

func newExportCmd() (*cobra.Command, *viper.Viper) {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a space to Markdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd.Context(), v)
		},
	}

	flags := cmd.Flags()
	flags.String("config", "", "path to a confex.yaml configuration file")
	flags.String("space", "", "space key to export")
	flags.String("output", "", "output directory")
	flags.String("root-id", "", "start from this page id instead of the space listing")
	flags.Int("limit", 0, "maximum pages to seed from the space listing (0 = all)")
	flags.Int("concurrency", 0, "worker pool size")
	flags.Bool("fresh", false, "discard prior queue state and start over")
	flags.Bool("resume", true, "resume from the prior snapshot when present")
	flags.Bool("allow-corrupted", false, "continue even when state cannot be restored")
	flags.Bool("use-backup", false, "restore from the newest backup instead of the snapshot")
	flags.Bool("force-resume", false, "resume even when the snapshot is for another space")
	flags.Bool("force-full", false, "re-export everything, ignoring the manifest")

	if err := v.BindPFlags(flags); err != nil {
		panic(err)
	}
	v.SetEnvPrefix("CONFEX")
	v.AutomaticEnv()

	return cmd, v
}

// buildConfig layers file, environment and flag values.
func buildConfig(v *viper.Viper) (config.Config, error) {
	cfg, err := config.Load(v.GetString("config"))
	if err != nil {
		return cfg, err
	}
	if s := v.GetString("space"); s != "" {
		cfg.Export.SpaceKey = s
	}
	if s := v.GetString("output"); s != "" {
		cfg.Export.OutputDir = s
	}
	if s := v.GetString("root-id"); s != "" {
		cfg.Export.RootPageID = s
	}
	if n := v.GetInt("limit"); n > 0 {
		cfg.Export.Limit = n
	}
	if n := v.GetInt("concurrency"); n > 0 {
		cfg.Export.Concurrency = n
	}
	if v.GetBool("fresh") {
		cfg.Export.Fresh = true
	}
	if v.GetBool("force-full") {
		cfg.Export.ForceFull = true
	}
	cfg.Resume.Resume = v.GetBool("resume")
	if v.GetBool("allow-corrupted") {
		cfg.Resume.AllowCorrupted = true
	}
	if v.GetBool("use-backup") {
		cfg.Resume.UseBackup = true
	}
	if v.GetBool("force-resume") {
		cfg.Resume.ForceResume = true
	}
	return cfg, cfg.Validate()
}

func runExport(ctx context.Context, v *viper.Viper) error {
	cfg, err := buildConfig(v)
	if err != nil {
		return err
	}

	logging.ConfigureFromEnv()
	logger := logging.NewComponentLogger("confex")

	if err := os.MkdirAll(cfg.Export.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	client := confluence.NewRESTClient(confluence.ClientConfig{
		BaseURL:  cfg.Confluence.BaseURL,
		Token:    cfg.Confluence.Token,
		Username: cfg.Confluence.Username,
		APIToken: cfg.Confluence.Password,
		Timeout:  cfg.Confluence.Timeout(),
	}, logging.NewComponentLogger("confluence"))

	store := persist.NewStore(persist.Config{
		Path:               persist.DefaultPath(cfg.Export.OutputDir, cfg.Export.SpaceKey),
		BackupOnCorruption: true,
	}, logging.NewComponentLogger("persist"))

	state := queue.NewState(queue.Config{
		MaxQueueSize:         cfg.Queue.MaxQueueSize,
		PersistenceThreshold: cfg.Queue.PersistenceThreshold,
	})

	if cfg.Export.Fresh {
		if err := store.Clear(); err != nil {
			return err
		}
		logger.Info("fresh run: prior queue state discarded")
	} else if cfg.Resume.Resume {
		report, err := recovery.NewService(store, logging.NewComponentLogger("recovery")).
			Recover(state, cfg.Export.SpaceKey, recovery.ResumeOptions{
				ForceResume:       cfg.Resume.ForceResume,
				AllowCorrupted:    cfg.Resume.AllowCorrupted,
				UseBackup:         cfg.Resume.UseBackup,
				ValidateIntegrity: true,
				RepairCorruption:  true,
			})
		if err != nil {
			return err
		}
		if report.Resumed && isTTY() {
			fmt.Printf("%s resumed: %d pending, %d reset to pending\n",
				green("•"), state.PendingCount(), len(report.ResetToPending))
		}
		if report.ItemsLost > 0 {
			logger.Warn("recovery lost %d items to corruption", report.ItemsLost)
		}
	}

	manifestPath := filepath.Join(cfg.Export.OutputDir, manifest.DefaultFileName)
	prev, err := manifest.Load(manifestPath)
	if err != nil {
		return err
	}
	man := prev
	if man == nil {
		man = manifest.New(cfg.Export.SpaceKey)
	}

	if state.PendingCount() == 0 {
		if err := seedQueue(ctx, client, state, prev, cfg, logger); err != nil {
			return err
		}
	}

	observer, err := metrics.NewObserver(nil)
	if err != nil {
		return err
	}
	users, err := usercache.New(client, usercache.Config{})
	if err != nil {
		return err
	}
	extractor := discovery.New(client, discovery.Config{
		EnableMacroChildren:    cfg.Discovery.EnableMacroChildren,
		EnableInclude:          cfg.Discovery.EnableInclude,
		EnableMentionDiscovery: cfg.Discovery.EnableMentionDiscovery,
		EnableProfileDiscovery: cfg.Discovery.EnableProfileDiscovery,
		MaxUsersPerPage:        cfg.Discovery.MaxUsersPerPage,
	}, logging.NewComponentLogger("discovery"))

	processor := export.New(export.Config{
		SpaceKey:  cfg.Export.SpaceKey,
		Workspace: cfg.Export.OutputDir,
		BaseURL:   cfg.Confluence.BaseURL,
	}, client, extractor, users, man, logging.NewComponentLogger("export"))

	governor := scheduler.NewGovernor(scheduler.GovernorConfig{
		AllowFailures:              cfg.Failures.AllowFailures,
		PageThreshold:              cfg.Failures.PageThreshold,
		AttachmentThreshold:        cfg.Failures.AttachmentThreshold,
		AttachmentPercentThreshold: cfg.Failures.AttachmentPercentThreshold,
		RestrictedAllowed:          cfg.Failures.RestrictedAllowed,
	})

	sched := scheduler.New(scheduler.Config{
		SpaceKey:         cfg.Export.SpaceKey,
		Concurrency:      cfg.Export.Concurrency,
		MaxPhases:        cfg.Export.MaxPhases,
		SnapshotInterval: time.Duration(cfg.Export.SnapshotIntervalSeconds) * time.Second,
		GracefulDrain:    time.Duration(cfg.Export.GracefulDrainSeconds) * time.Second,
	}, state, store, processor, governor, observer, logging.NewComponentLogger("scheduler"))

	stopProgress := startProgress(state)
	result, runErr := sched.Run(ctx)
	stopProgress()

	if err := manifest.Save(manifestPath, man); err != nil {
		logger.Error("manifest save failed: %v", err)
	}

	printSummary(result, processor.Exported())
	return runErr
}

// seedQueue fills an empty queue: either the root page, or the space listing
// filtered through the incremental plan.
func seedQueue(ctx context.Context, client confluence.Client, state *queue.State, prev *manifest.Manifest, cfg config.Config, logger logging.Logger) error {
	if cfg.Export.RootPageID != "" {
		state.Add(queue.Item{PageID: cfg.Export.RootPageID, SourceType: queue.SourceInitial})
		logger.Info("seeded root page %s", cfg.Export.RootPageID)
		return nil
	}

	refs, err := client.ListPages(ctx, cfg.Export.SpaceKey, cfg.Export.Limit)
	if err != nil {
		return err
	}

	remote := make([]manifest.RemoteItem, 0, len(refs))
	for _, ref := range refs {
		remote = append(remote, manifest.RemoteItem{
			ID:      ref.ID,
			Kind:    manifest.KindPage,
			Title:   ref.Title,
			Version: ref.Version,
		})
	}
	plan := manifest.BuildPlan(remote, prev, manifest.PlanOptions{
		ForceFull:        cfg.Export.ForceFull,
		ContentHashCheck: cfg.Export.ContentHashCheck,
	})

	for _, item := range plan.PagesToProcess {
		state.Add(queue.Item{PageID: item.ID, SourceType: queue.SourceInitial})
	}
	logger.Info("seeded %d pages (%d unchanged, %d deleted remotely)",
		len(plan.PagesToProcess), len(plan.Skipped), len(plan.Deleted))
	for _, gone := range plan.Deleted {
		logger.Info("no longer on the wiki: %s (%s)", gone.Title, gone.ID)
	}
	return nil
}

// startProgress samples queue metrics on a ticker. It reads state only.
func startProgress(state *queue.State) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()
		logger := logging.NewComponentLogger("progress")
		for {
			select {
			case <-ticker.C:
				m := state.Metrics()
				logger.Info("queued=%d processed=%d failed=%d pending=%d rate=%.1f/s",
					m.TotalQueued, m.TotalProcessed, m.TotalFailed, m.CurrentQueueSize, m.ProcessingRate)
				if isTTY() {
					fmt.Printf("%s %d processed, %d pending, %d failed\r",
						gray("…"), m.TotalProcessed, m.CurrentQueueSize, m.TotalFailed)
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

func printSummary(result *scheduler.RunResult, exported int) {
	if result == nil {
		return
	}
	fmt.Println()
	fmt.Printf("%s %d exported, %d processed, %d failed, %d retries in %s\n",
		bold("done:"), exported, result.Processed, result.Failed, result.Retries,
		result.Elapsed.Round(time.Millisecond))
	if result.Duplicates > 0 || result.Rejected > 0 {
		fmt.Printf("%s %d duplicate discoveries ignored, %d rejected by the queue bound\n",
			gray("note:"), result.Duplicates, result.Rejected)
	}
	if result.PhaseCapReached {
		fmt.Println(yellow("warning: ") + "discovery phase cap reached; rerun to continue")
	}
	if result.Interrupted {
		fmt.Println(yellow("warning: ") + "interrupted; state snapshotted, rerun with --resume")
	}
	if result.Aborted {
		fmt.Println(red("aborted: ") + result.AbortReason)
		if summary := result.Governor.ReasonSummary(); summary != "" {
			fmt.Println(gray("failure reasons: ") + summary)
		}
	}
}
