package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"evalgo.org/vmcrate/internal/imagecache"
	"evalgo.org/vmcrate/internal/logging"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the boot image cache",
}

var cacheListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List cached boot images",
	Args:    cobra.NoArgs,
	RunE:    runCacheList,
}

var cacheFetchCmd = &cobra.Command{
	Use:   "fetch [url]",
	Short: "Download a boot image into the cache",
	Long: `Download a boot image into the cache so a later qemu run starts offline.
Without an argument the configured qemu.image_url is fetched.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCacheFetch,
}

func init() {
	cacheCmd.AddCommand(cacheListCmd)
	cacheCmd.AddCommand(cacheFetchCmd)
}

func newCache() *imagecache.Cache {
	return imagecache.New(cfg.Qemu.CacheDir, cfg.Qemu.DownloadTimeout, logging.Logger())
}

func runCacheList(cmd *cobra.Command, args []string) error {
	entries, err := newCache().List()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintf(out, "No cached images in %s\n", cfg.Qemu.CacheDir)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSIZE\tMODIFIED")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\n", e.Name, units.HumanSize(float64(e.Size)), e.ModTime.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runCacheFetch(cmd *cobra.Command, args []string) error {
	url := cfg.Qemu.ImageURL
	if len(args) == 1 {
		url = args[0]
	}

	ctx, stop := signalContext()
	defer stop()

	path, fetched, err := newCache().Ensure(ctx, url)
	if err != nil {
		return err
	}
	if fetched {
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Downloaded %s\n", path)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Already cached: %s\n", path)
	}
	return nil
}
