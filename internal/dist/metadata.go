package dist

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/yuin/goldmark"
)

// Metadata is the distribution metadata document emitted by mkdist.
// It mirrors what a package index needs to display and install the
// monitor: name, version, descriptions, dependencies, and the single
// executable entry point.
type Metadata struct {
	Name                string   `json:"name"`
	Version             string   `json:"version"`
	Description         string   `json:"description"`
	LongDescription     string   `json:"long_description"`
	LongDescriptionType string   `json:"long_description_content_type"`
	URL                 string   `json:"url"`
	License             string   `json:"license"`
	GoVersion           string   `json:"go_version"`
	Executables         []string `json:"executables"`
	Dependencies        []string `json:"dependencies"`
}

// BuildOptions names the input files for Build.
type BuildOptions struct {
	// VersionFile is scanned for the version marker line.
	VersionFile string
	// Marker overrides DefaultMarker when non-empty.
	Marker string
	// ReadmeFile is embedded verbatim as the long description.
	ReadmeFile string
	// GoModFile provides the minimum toolchain version and the
	// dependency list.
	GoModFile string
}

// Build assembles the metadata document. It fails — producing nothing —
// when the version marker is absent, the README is missing, or go.mod
// cannot be read.
func Build(opts BuildOptions) (*Metadata, error) {
	marker := opts.Marker
	if marker == "" {
		marker = DefaultMarker
	}

	version, err := ReadVersionFile(opts.VersionFile, marker)
	if err != nil {
		return nil, err
	}

	readme, err := os.ReadFile(opts.ReadmeFile)
	if err != nil {
		return nil, fmt.Errorf("read README: %w", err)
	}

	goVersion, deps, err := readGoMod(opts.GoModFile)
	if err != nil {
		return nil, err
	}

	return &Metadata{
		Name:                "thermod-monitor-mqtt",
		Version:             version,
		Description:         "Forward Thermod temperature and current status to an MQTT broker",
		LongDescription:     string(readme),
		LongDescriptionType: "text/markdown",
		URL:                 "https://github.com/droscy/thermod-monitor-mqtt",
		License:             "GPL-3.0+",
		GoVersion:           goVersion,
		Executables:         []string{"thermod-monitor-mqtt"},
		Dependencies:        deps,
	}, nil
}

// WriteJSON writes the metadata document to path, indented for human
// review.
func (m *Metadata) WriteJSON(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

// RenderLongDescriptionHTML renders the markdown long description to
// HTML, for registry-style previews.
func (m *Metadata) RenderLongDescriptionHTML() ([]byte, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(m.LongDescription), &buf); err != nil {
		return nil, fmt.Errorf("render README: %w", err)
	}
	return buf.Bytes(), nil
}

// readGoMod extracts the minimum Go version and the direct dependency
// list from a go.mod file. Indirect dependencies are skipped.
func readGoMod(path string) (goVersion string, deps []string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", nil, fmt.Errorf("open go.mod: %w", err)
	}
	defer f.Close()

	inRequire := false
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		switch {
		case strings.HasPrefix(line, "go "):
			goVersion = strings.TrimSpace(strings.TrimPrefix(line, "go "))
		case strings.HasPrefix(line, "require ("):
			inRequire = true
		case inRequire && line == ")":
			inRequire = false
		case inRequire || strings.HasPrefix(line, "require "):
			entry := strings.TrimSpace(strings.TrimPrefix(line, "require "))
			if entry == "" || strings.Contains(entry, "// indirect") {
				continue
			}
			fields := strings.Fields(entry)
			if len(fields) >= 2 {
				deps = append(deps, fields[0]+" "+fields[1])
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", nil, fmt.Errorf("scan go.mod: %w", err)
	}
	if goVersion == "" {
		return "", nil, fmt.Errorf("%s: no go directive found", path)
	}
	return goVersion, deps, nil
}
