package ipranges

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"gcetools/pkg/app"
	"gcetools/pkg/filecache"
	"gcetools/pkg/network"
	"gcetools/pkg/ranges"
)

type Options struct {
	// http(s) url, fetched through the cache, or a local cloud.json.
	Feed    string
	MaxAge  time.Duration
	Regions []string
	Output  string
	// Print the scopes in the feed instead of ranges.
	ListRegions bool
	// Empty means the xdg cache dir.
	CacheDir string
}

func Cmd(a *app.App) *cobra.Command {
	var o Options
	cmd := &cobra.Command{
		Use:   "ipranges",
		Short: "print the published ip ranges of some regions as a minimal cidr list",
		Long: `
Download the provider's published ip range feed, keep the ipv4 ranges
of the selected regions and merge them down to the smallest set of
cidr blocks covering exactly the same addresses. One cidr per line on
stdout.
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("feed") {
				o.Feed = a.Config.FeedURL
			}
			if !cmd.Flags().Changed("max-age") {
				o.MaxAge = a.Config.FeedMaxAge
			}
			if !cmd.Flags().Changed("regions") {
				o.Regions = a.Config.RangeRegions
			}
			return Run(cmd.Context(), a, o)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&o.Feed, "feed", ranges.DefaultFeedURL, "feed url or local file")
	fs.DurationVar(&o.MaxAge, "max-age", 24*time.Hour, "reuse a cached feed younger than this, 0 to always download")
	fs.StringSliceVarP(&o.Regions, "regions", "r", nil, "regions (feed scopes) to include")
	fs.StringVarP(&o.Output, "output", "o", "", "also write the cidrs to this file")
	fs.BoolVar(&o.ListRegions, "list-regions", false, "list the regions in the feed and exit")
	fs.StringVar(&o.CacheDir, "cache-dir", "", "where downloaded feeds are kept (default "+filecache.CacheDir()+")")
	return cmd
}

func Run(ctx context.Context, a *app.App, o Options) error {
	file, err := load(ctx, a, o)
	if err != nil {
		return err
	}
	feed, err := ranges.Load(file)
	if err != nil {
		return err
	}
	sum, err := filecache.Digest(file)
	if err != nil {
		return err
	}
	a.Log.Debug("feed loaded", "sync_token", feed.SyncToken, "created", feed.CreationTime, "entries", len(feed.Prefixes), "sha256", sum)

	if o.ListRegions {
		for _, s := range feed.Scopes() {
			fmt.Fprintln(a.Out, s)
		}
		return nil
	}

	if len(o.Regions) == 0 {
		return errors.New("no regions selected")
	}

	merged, raw, err := feed.Merged(o.Regions)
	if err != nil {
		return err
	}
	if raw == 0 {
		a.Log.Warn("no ipv4 ranges for the selected regions", "regions", strings.Join(o.Regions, ","))
	}
	a.Log.Info("merged", "regions", strings.Join(o.Regions, ","), "raw", raw, "merged", len(merged))

	if err := write(a.Out, merged); err != nil {
		return err
	}
	if o.Output == "" {
		return nil
	}

	f, err := os.Create(o.Output)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := write(f, merged); err != nil {
		return errors.Wrapf(err, "writing %s", o.Output)
	}
	if err := f.Close(); err != nil {
		return err
	}
	a.Log.Info("written", "file", o.Output)
	return nil
}

// Local path of the feed, downloading it first when it's a url.
func load(ctx context.Context, a *app.App, o Options) (string, error) {
	if !strings.HasPrefix(o.Feed, "http://") && !strings.HasPrefix(o.Feed, "https://") {
		return o.Feed, nil
	}

	c := filecache.New(o.CacheDir)
	in := filecache.CachedFile{Uri: o.Feed, MaxAge: o.MaxAge}
	if c.Fresh(in) {
		a.Log.Debug("using cached feed", "url", o.Feed)
	} else {
		a.Log.Info("downloading", "url", o.Feed)
	}

	p, err := c.Fetch(ctx, in)
	if err != nil {
		if cerr := c.Cleanup(); cerr != nil {
			a.Log.Warn("couldn't clean up the download dir", "dir", c.Dir, "err", cerr)
		}
		return "", err
	}
	return p, nil
}

func write(w io.Writer, ps []network.Prefix) error {
	for _, p := range ps {
		if _, err := fmt.Fprintln(w, p); err != nil {
			return err
		}
	}
	return nil
}
