package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/glorpus-work/dataget/internal/logger"
	"github.com/glorpus-work/dataget/pkg/config"
	"github.com/glorpus-work/dataget/pkg/manager"
	"github.com/glorpus-work/dataget/pkg/model"
	"github.com/spf13/cobra"
)

// NewFetchCmd creates the fetch command.
func NewFetchCmd() *cobra.Command {
	var (
		force       bool
		concurrency int
		localCache  bool
	)

	cmd := &cobra.Command{
		Use:   "fetch [REQUIREMENT]",
		Short: "Fetch the datasets a requirement file declares",
		Long: `Fetch every dataset named in a requirement file (JSON or YAML),
skipping datasets that are already cached. REQUIREMENT may be a file, a
directory holding a data_requirement file, or an http(s) URL (repository
URLs are probed at the conventional locations). It defaults to the
current directory.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := "."
			if len(args) == 1 {
				target = args[0]
			}
			return runFetch(cmd.Context(), target, force, concurrency, localCache)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Re-fetch datasets even when they are cached")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Datasets fetched in parallel (0=config)")
	cmd.Flags().BoolVar(&localCache, "local-cache", false, "Keep the cache store next to the data instead of the user cache directory")

	return cmd
}

func runFetch(ctx context.Context, target string, force bool, concurrency int, localCache bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	req, err := loadRequirementTarget(ctx, cfg, target)
	if err != nil {
		return err
	}
	if len(req.Datasets) == 0 {
		return fmt.Errorf("requirement %s names no datasets", req.Path)
	}
	logger.Debugf("loaded %d dataset(s) from %s", len(req.Datasets), req.Path)

	store, err := openStore(ctx, cfg, req.Datasets[0].Destination, localCache)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	mgr, err := loadEngine(cfg, store)
	if err != nil {
		return err
	}
	if concurrency > 0 {
		mgr.MaxConcurrent = concurrency
	}
	mgr.Hooks = manager.Hooks{OnEvent: func(e manager.Event) {
		logger.Debugf("%s: %s %s", e.Project, e.State, e.Msg)
	}}

	if force {
		for i := range req.Datasets {
			mgr.InvalidateCache(model.ComputeKey(&req.Datasets[i]))
		}
	}

	report := mgr.FetchAll(ctx, req.Datasets)
	printFetchReport(cfg, report)
	if report.Err != nil {
		return fmt.Errorf("failed to fetch datasets: %w", report.Err)
	}
	return nil
}

// loadRequirementTarget loads a requirement from a file, a directory or an
// http(s) URL.
func loadRequirementTarget(ctx context.Context, cfg *config.Config, target string) (*config.Requirement, error) {
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return config.FetchRequirement(ctx, loadHTTPClient(cfg).HTTP(), target)
	}
	info, err := os.Stat(target)
	if err != nil {
		return nil, fmt.Errorf("requirement %s: %w", target, err)
	}
	if info.IsDir() {
		path, findErr := config.FindRequirement(target)
		if findErr != nil {
			return nil, findErr
		}
		return config.LoadRequirement(path)
	}
	return config.LoadRequirement(target)
}

func printFetchReport(cfg *config.Config, report *manager.Report) {
	if cfg.Settings.OutputFormat == string(logger.FormatJSON) {
		printFetchReportJSON(report)
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, TabWidth, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PROJECT\tSTATE\tSIZE\tFILES\tPATH")
	for _, res := range report.Results {
		if res.State == manager.StateFailed {
			_, _ = fmt.Fprintf(tw, "%s\tfailed\t-\t-\t%s\n", res.Dataset.ProjectName, truncate(res.Err.Error(), MaxSourceLength))
			continue
		}
		state := "fetched"
		if res.CacheHit {
			state = "cached"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			res.Dataset.ProjectName, state,
			humanize.Bytes(uint64(res.FileSet.SizeBytes)), res.FileSet.FileCount, res.DataPath)
	}
	_ = tw.Flush()

	fmt.Printf("\n%d fetched, %d from cache, %d failed\n", report.Fetched(), report.Hits(), report.Failed())
}

// fetchReportJSON is the machine-readable form of a run report.
type fetchReportJSON struct {
	RunID   string            `json:"runId"`
	Results []fetchResultJSON `json:"results"`
}

type fetchResultJSON struct {
	Project   string `json:"project"`
	State     string `json:"state"`
	CacheHit  bool   `json:"cacheHit"`
	Provider  string `json:"provider,omitempty"`
	DataPath  string `json:"dataPath,omitempty"`
	SizeBytes int64  `json:"sizeBytes"`
	FileCount int    `json:"fileCount"`
	Error     string `json:"error,omitempty"`
}

func printFetchReportJSON(report *manager.Report) {
	out := fetchReportJSON{RunID: report.RunID}
	for _, res := range report.Results {
		row := fetchResultJSON{
			Project:   res.Dataset.ProjectName,
			State:     string(res.State),
			CacheHit:  res.CacheHit,
			Provider:  res.Provider,
			DataPath:  res.DataPath,
			SizeBytes: res.FileSet.SizeBytes,
			FileCount: res.FileSet.FileCount,
		}
		if res.Err != nil {
			row.Error = res.Err.Error()
		}
		out.Results = append(out.Results, row)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}
