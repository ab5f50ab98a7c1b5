package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	runewidth "github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/devsound/devsound/internal/library"
	"github.com/devsound/devsound/utils"
)

var (
	librarySearch     string
	libraryClearCache bool
	libraryCacheStats bool
	libraryAll        bool

	libraryCmd = &cobra.Command{
		Use:   "library [DIR]",
		Short: "List the tracks in a library",
		Long: paragraph(fmt.Sprintf("\n%s DIR (or the configured library) for WAV and FLAC files and print what was found. Files ignored by .gitignore are skipped unless --all is set.", keyword("Scan"))),
		Example: paragraph("devsound library ~/Music\n" +
			"devsound library --search 'miles blue'\n" +
			"devsound library --cache-stats"),
		Args: cobra.MaximumNArgs(1),
		RunE: runLibrary,
	}
)

func runLibrary(_ *cobra.Command, args []string) error {
	if libraryClearCache || libraryCacheStats {
		return runClipCache()
	}

	dir, err := libraryDir(args)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	lib, err := library.New(dir, library.Options{
		ShowAll: showAllFiles || libraryAll,
		Logger:  log.WithPrefix("library"),
	})
	if err != nil {
		return err
	}
	started := time.Now()
	tracks, err := lib.Scan(ctx)
	if err != nil {
		return fmt.Errorf("unable to scan library: %w", err)
	}
	if librarySearch != "" {
		tracks = lib.Search(librarySearch)
	}

	var total time.Duration
	var size int64
	for _, t := range tracks {
		fmt.Println(trackLine(t))
		total += t.Duration
		size += t.Size
	}
	fmt.Printf("\n%s %d tracks, %s, %s %s\n",
		heading("Library"), len(tracks), utils.HumanDuration(total), utils.HumanBytes(size),
		faint(fmt.Sprintf("(scanned in %s)", time.Since(started).Round(time.Millisecond))))
	return nil
}

const (
	titleWidth  = 36
	artistWidth = 20
)

func trackLine(t library.Track) string {
	title := runewidth.FillRight(runewidth.Truncate(t.Title, titleWidth, "…"), titleWidth)
	artist := runewidth.FillRight(runewidth.Truncate(t.Artist, artistWidth, "…"), artistWidth)
	format := fmt.Sprintf("%s %dkHz", strings.ToUpper(string(t.Codec)), t.SampleRate/1000)
	return fmt.Sprintf("%s  %s  %6s  %-12s %s",
		title, faint(artist), t.FormattedDuration(), format, faint(t.HumanSize()))
}

// runClipCache reports on or clears the sample cache.
func runClipCache() error {
	clips, err := openClipCache()
	if err != nil {
		return err
	}
	defer clips.Close() //nolint:errcheck

	if libraryClearCache {
		if err := clips.Clear(); err != nil {
			return fmt.Errorf("unable to clear cache: %w", err)
		}
		fmt.Println("Cleared sample cache")
		return nil
	}

	st := clips.Stats()
	cfg := cacheConfig()
	fmt.Println(heading("Sample cache"))
	fmt.Printf("  memory  %d clips, %s of %s\n", st.Memory.Items, utils.HumanBytes(st.Memory.Size), utils.HumanBytes(st.Memory.Capacity))
	if cfg.Dir == "" {
		fmt.Println(faint("  disk    disabled"))
		return nil
	}
	fmt.Printf("  disk    %d clips, %s of %s in %s\n", st.Disk.Items, utils.HumanBytes(st.Disk.Size), utils.HumanBytes(st.Disk.Capacity), cfg.Dir)
	fmt.Printf("  last used %s\n", utils.Ago(st.Disk.LastAccess))
	return nil
}

func init() {
	libraryCmd.Flags().StringVarP(&librarySearch, "search", "s", "", "fuzzy search titles, artists and albums")
	libraryCmd.Flags().BoolVar(&libraryClearCache, "clear-cache", false, "remove all cached samples")
	libraryCmd.Flags().BoolVar(&libraryCacheStats, "cache-stats", false, "show sample cache usage")
	libraryCmd.Flags().BoolVarP(&libraryAll, "all", "a", false, "show files ignored by .gitignore")
}
