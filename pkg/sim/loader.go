package sim

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// SceneFile is the on-disk form of a seeded scene.
type SceneFile struct {
	Entities []Entity `yaml:"entities"`
}

// Load adds every entity in the YAML document read from r and returns the
// number added.
func (s *Scene) Load(r io.Reader) (int, error) {
	var file SceneFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		if err == io.EOF {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to decode scene: %w", err)
	}

	for i, e := range file.Entities {
		if e.Class == "" && e.Label == "" && e.ID == "" {
			return 0, fmt.Errorf("entity %d: id, label or class is required", i)
		}
	}
	for _, e := range file.Entities {
		s.Add(e)
	}
	s.logger.Infof("loaded %d entities", len(file.Entities))
	return len(file.Entities), nil
}

// LoadFile loads a YAML scene from path.
func (s *Scene) LoadFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open scene file: %w", err)
	}
	defer f.Close()
	return s.Load(f)
}

// Save writes the scene as YAML.
func (s *Scene) Save(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(SceneFile{Entities: s.Entities()}); err != nil {
		return fmt.Errorf("failed to encode scene: %w", err)
	}
	return enc.Close()
}
