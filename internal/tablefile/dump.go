package tablefile

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/portal-harvester/internal/harvest"
	"github.com/JakeFAU/portal-harvester/internal/storage"
)

// ManifestName is the file name of a raw dump manifest.
const ManifestName = "manifest.yaml"

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// Manifest indexes a raw dataset dump.
type Manifest struct {
	RunID           string          `yaml:"run_id"`
	EntityDimension string          `yaml:"entity_dimension"`
	Points          []ManifestPoint `yaml:"points"`
}

// ManifestPoint is one dumped parameter point.
type ManifestPoint struct {
	Coordinates []ManifestCoordinate `yaml:"coordinates"`
	Labels      map[string]string    `yaml:"labels,omitempty"`
	// Tables are object paths relative to the manifest directory, by table index.
	Tables []string `yaml:"tables"`
	// Headers marks, by table index, the tables whose first row is a header.
	Headers []bool `yaml:"headers,omitempty"`
}

// ManifestCoordinate is a dimension/value pair.
type ManifestCoordinate struct {
	Dimension string `yaml:"dimension"`
	Value     string `yaml:"value"`
}

// EntityFileName builds the per-entity output name, e.g. "trade_data_United_States.csv".
func EntityFileName(prefix, label string) string {
	name := strings.Join(strings.Fields(label), "_")
	name = strings.NewReplacer("/", "_", "\\", "_").Replace(name)
	if name == "" {
		name = "unknown"
	}
	return prefix + name + ".csv"
}

// PointPath returns the dump path of table idx of the ordinal-th point.
func PointPath(ordinal int, point harvest.ParameterPoint, idx int) string {
	slug := strings.Trim(unsafeChars.ReplaceAllString(point.Key(), "_"), "_")
	return fmt.Sprintf("p%04d_%s/t%d.csv", ordinal, slug, idx)
}

// DumpDataset writes every table of ds under dir and a manifest describing
// them. It returns the manifest path.
func DumpDataset(ctx context.Context, store storage.BlobStore, dir, runID, entityDim string, ds *harvest.RawDataset) (string, error) {
	manifest := Manifest{RunID: runID, EntityDimension: entityDim}
	for i, entry := range ds.Entries() {
		mp := ManifestPoint{Labels: entry.Labels}
		for _, c := range entry.Point.Coordinates() {
			mp.Coordinates = append(mp.Coordinates, ManifestCoordinate{Dimension: c.Dimension, Value: c.Value})
		}
		for idx, table := range entry.Tables {
			rel := PointPath(i, entry.Point, idx)
			var buf bytes.Buffer
			if err := WriteTable(&buf, table); err != nil {
				return "", err
			}
			if _, err := store.PutObject(ctx, path.Join(dir, rel), ContentType, &buf); err != nil {
				return "", fmt.Errorf("dump %s: %w", rel, err)
			}
			mp.Tables = append(mp.Tables, rel)
			mp.Headers = append(mp.Headers, table.Header)
		}
		manifest.Points = append(manifest.Points, mp)
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}
	manifestPath := path.Join(dir, ManifestName)
	if _, err := store.PutObject(ctx, manifestPath, "application/yaml", bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}
	return manifestPath, nil
}

// LoadDataset reads a manifest and its tables back into a RawDataset.
func LoadDataset(ctx context.Context, store storage.BlobStore, manifestPath string) (*harvest.RawDataset, Manifest, error) {
	var manifest Manifest
	data, err := readObject(ctx, store, manifestPath)
	if err != nil {
		return nil, manifest, err
	}
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, manifest, fmt.Errorf("parse manifest: %w", err)
	}

	dir := path.Dir(manifestPath)
	ds := harvest.NewRawDataset()
	for _, mp := range manifest.Points {
		coords := make([]harvest.Coordinate, 0, len(mp.Coordinates))
		for _, c := range mp.Coordinates {
			coords = append(coords, harvest.Coordinate{Dimension: c.Dimension, Value: c.Value})
		}
		entry := harvest.Entry{Point: harvest.NewParameterPoint(coords...), Labels: mp.Labels}
		for idx, rel := range mp.Tables {
			raw, err := readObject(ctx, store, path.Join(dir, rel))
			if err != nil {
				return nil, manifest, err
			}
			table, err := ReadTable(bytes.NewReader(raw), idx)
			if err != nil {
				return nil, manifest, fmt.Errorf("%s: %w", rel, err)
			}
			table.Header = idx < len(mp.Headers) && mp.Headers[idx]
			entry.Tables = append(entry.Tables, table)
		}
		if err := ds.Add(entry); err != nil {
			return nil, manifest, fmt.Errorf("load manifest: %w", err)
		}
	}
	return ds, manifest, nil
}

func readObject(ctx context.Context, store storage.BlobStore, p string) ([]byte, error) {
	rc, err := store.GetObject(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", p, err)
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	return data, nil
}
