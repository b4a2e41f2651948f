package cli

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"ephemera/internal/config"
	"ephemera/internal/model"
	"ephemera/internal/policy"
	"ephemera/internal/seed"
)

var seedFlags struct {
	url     string
	feedID  string
	author  string
	kind    string
	include []string
	exclude []string
	limit   int
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Import entries from an RSS or Atom feed as content items",
	RunE:  runSeed,
}

func init() {
	f := seedCmd.Flags()
	f.StringVar(&seedFlags.url, "url", "", "feed URL to import (required)")
	f.StringVar(&seedFlags.feedID, "feed", "", "target feed id (required)")
	f.StringVar(&seedFlags.author, "author", "seed", "author id stamped on imported items")
	f.StringVar(&seedFlags.kind, "kind", string(model.KindStory), "content kind of imported items")
	f.StringSliceVar(&seedFlags.include, "include", nil, "only import entries matching any of these patterns (prefix re: for regex)")
	f.StringSliceVar(&seedFlags.exclude, "exclude", nil, "skip entries matching any of these patterns")
	f.IntVar(&seedFlags.limit, "limit", 0, "maximum number of items to import (0 = no limit)")
	_ = seedCmd.MarkFlagRequired("url")
	_ = seedCmd.MarkFlagRequired("feed")
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, logFile := newLogger(cfg)
	defer func() { _ = logFile.Close() }()

	ctx := cmd.Context()
	parsed, err := seed.NewFetcher(http.DefaultClient).Fetch(ctx, seedFlags.url)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", seedFlags.url, err)
	}

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	n, err := seed.Import(ctx, store, policy.FromConfig(cfg), parsed, seed.Options{
		FeedID:   seedFlags.feedID,
		AuthorID: seedFlags.author,
		Kind:     model.Kind(seedFlags.kind),
		Rules:    seed.Rules{Include: seedFlags.include, Exclude: seedFlags.exclude},
		Limit:    seedFlags.limit,
	}, time.Now())
	if err != nil {
		return fmt.Errorf("import after %d items: %w", n, err)
	}
	log.Info("seeded feed", "feed_id", seedFlags.feedID, "url", seedFlags.url, "items", n)
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d items into %s\n", n, seedFlags.feedID)
	return nil
}
