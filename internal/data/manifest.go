package data

import (
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg" // register decoders for manifest images
	_ "image/png"
	"os"
	"path/filepath"
)

// Manifest mirrors base.json.
type Manifest struct {
	LabelNames  []string `json:"label_names"`
	ImageNames  []string `json:"image_names"`
	ImageLabels []int    `json:"image_labels"`
}

// LoadManifest reads and checks a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	//nolint:gosec // G304: manifest path comes from the run configuration
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	if len(m.ImageNames) != len(m.ImageLabels) {
		return nil, fmt.Errorf("manifest %s: %d images but %d labels", path, len(m.ImageNames), len(m.ImageLabels))
	}
	if len(m.ImageNames) == 0 {
		return nil, fmt.Errorf("manifest %s: no images", path)
	}
	for i, l := range m.ImageLabels {
		if l < 0 {
			return nil, fmt.Errorf("manifest %s: negative label %d at index %d", path, l, i)
		}
	}
	return &m, nil
}

// NumClasses is the number of distinct label ids the manifest can produce.
func (m *Manifest) NumClasses() int {
	n := len(m.LabelNames)
	for _, l := range m.ImageLabels {
		n = max(n, l+1)
	}
	return n
}

// FileSource decodes the images listed in a manifest from disk.
type FileSource struct {
	root     string
	manifest *Manifest
}

// OpenManifest loads the manifest at path. Relative image names are resolved
// against the manifest's directory.
func OpenManifest(path string) (*FileSource, error) {
	m, err := LoadManifest(path)
	if err != nil {
		return nil, err
	}
	return &FileSource{root: filepath.Dir(path), manifest: m}, nil
}

// Manifest returns the parsed manifest.
func (s *FileSource) Manifest() *Manifest {
	return s.manifest
}

// Len returns the number of samples.
func (s *FileSource) Len() int {
	return len(s.manifest.ImageNames)
}

// Load decodes sample i.
func (s *FileSource) Load(i int) (image.Image, int32, error) {
	name := s.manifest.ImageNames[i]
	if !filepath.IsAbs(name) {
		name = filepath.Join(s.root, name)
	}
	//nolint:gosec // G304: image paths come from the manifest
	f, err := os.Open(name)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return img, int32(s.manifest.ImageLabels[i]), nil
}
