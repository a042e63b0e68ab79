// Command mkdist assembles the distribution metadata for a release.
//
// Usage:
//
//	mkdist [-version-file VERSION] [-readme README.md] [-gomod go.mod] [-out dist] [-html]
//
// It extracts the release version from the marker line in the version
// file, embeds the README verbatim as the long description, reads the
// dependency list from go.mod, and writes dist/metadata.json. With
// -html it additionally renders the README to dist/README.html.
//
// mkdist exits non-zero without writing anything when the version
// marker line is missing.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/droscy/thermod-monitor-mqtt/internal/dist"
)

func main() {
	versionFile := flag.String("version-file", "VERSION", "File scanned for the version marker line")
	marker := flag.String("marker", dist.DefaultMarker, "Version marker the line must begin with")
	readme := flag.String("readme", "README.md", "README embedded as the long description")
	gomod := flag.String("gomod", "go.mod", "go.mod providing toolchain and dependency info")
	outDir := flag.String("out", "dist", "Output directory")
	html := flag.Bool("html", false, "Also render the README to HTML")
	flag.Parse()

	if err := run(*versionFile, *marker, *readme, *gomod, *outDir, *html); err != nil {
		fmt.Fprintf(os.Stderr, "mkdist: %s\n", err)
		os.Exit(1)
	}
}

func run(versionFile, marker, readme, gomod, outDir string, html bool) error {
	// Build fully before touching the output directory: a missing
	// version marker must not leave a partial dist behind.
	m, err := dist.Build(dist.BuildOptions{
		VersionFile: versionFile,
		Marker:      marker,
		ReadmeFile:  readme,
		GoModFile:   gomod,
	})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	metaPath := filepath.Join(outDir, "metadata.json")
	if err := m.WriteJSON(metaPath); err != nil {
		return err
	}
	fmt.Printf("wrote %s (%s %s)\n", metaPath, m.Name, m.Version)

	if html {
		rendered, err := m.RenderLongDescriptionHTML()
		if err != nil {
			return err
		}
		htmlPath := filepath.Join(outDir, "README.html")
		if err := os.WriteFile(htmlPath, rendered, 0644); err != nil {
			return fmt.Errorf("write README.html: %w", err)
		}
		fmt.Printf("wrote %s\n", htmlPath)
	}

	return nil
}
