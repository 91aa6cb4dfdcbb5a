package knowledge

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"

	"gopkg.in/yaml.v3"
)

//go:embed data/*.json
var embedded embed.FS

// ErrMissingFile is returned when a required graph file is absent.
var ErrMissingFile = errors.New("knowledge file not found")

var extensions = []string{".json", ".yaml", ".yml"}

// Default loads the hydraulic knowledge base shipped with the binary.
func Default() (*Base, error) {
	sub, err := fs.Sub(embedded, "data")
	if err != nil {
		return nil, fmt.Errorf("open embedded knowledge: %w", err)
	}
	return Load(sub)
}

// LoadDir loads a knowledge base from a directory on disk.
func LoadDir(dir string) (*Base, error) {
	return Load(os.DirFS(dir))
}

// Load reads symptoms, causes, tests and edges (and an optional
// question_bank) from fsys. Each file may be JSON or YAML.
func Load(fsys fs.FS) (*Base, error) {
	var g Graph
	if err := readFile(fsys, "symptoms", &g.Symptoms); err != nil {
		return nil, err
	}
	if err := readFile(fsys, "causes", &g.Causes); err != nil {
		return nil, err
	}
	if err := readFile(fsys, "tests", &g.Tests); err != nil {
		return nil, err
	}
	if err := readFile(fsys, "edges", &g.Edges); err != nil {
		return nil, err
	}

	bank := map[string][]string{}
	if err := readFile(fsys, "question_bank", &bank); err != nil && !errors.Is(err, ErrMissingFile) {
		return nil, err
	}

	return New(g, bank), nil
}

func readFile(fsys fs.FS, name string, out interface{}) error {
	for _, ext := range extensions {
		file := name + ext
		data, err := fs.ReadFile(fsys, file)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", file, err)
		}

		if path.Ext(file) == ".json" {
			err = json.Unmarshal(data, out)
		} else {
			err = yaml.Unmarshal(data, out)
		}
		if err != nil {
			return fmt.Errorf("parse %s: %w", file, err)
		}
		return nil
	}
	return fmt.Errorf("%s: %w", name, ErrMissingFile)
}
