// Package template loads YAML application templates, validates and compiles
// them, and serves them from a registry with atomic snapshot swap.
package template

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/caseflow/model"
)

// Loader scans directories for YAML template files, parses them, and computes
// SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new template Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a Template. Files are returned in path order.
func (l *Loader) LoadAll(directories []string) ([]model.Template, error) {
	var tmpls []model.Template

	for _, dir := range directories {
		var paths []string
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext == ".yaml" || ext == ".yml" {
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
		sort.Strings(paths)

		for _, path := range paths {
			t, err := l.LoadFile(path)
			if err != nil {
				return nil, fmt.Errorf("loading %s: %w", path, err)
			}
			tmpls = append(tmpls, t)
		}
	}

	return tmpls, nil
}

// LoadFile loads and parses a single YAML template file.
func (l *Loader) LoadFile(path string) (model.Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Template{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return l.Parse(data, path)
}

// Parse decodes a template document. Unknown keys are rejected so that a
// misspelt permission or lifecycle flag fails the deployment.
func (l *Loader) Parse(data []byte, source string) (model.Template, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var t model.Template
	if err := dec.Decode(&t); err != nil {
		return model.Template{}, fmt.Errorf("parsing %s: %w", source, err)
	}

	for name, s := range t.Machine.States {
		if s == nil {
			s = &model.StateDef{}
			t.Machine.States[name] = s
		}
		s.Name = name
	}

	t.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	t.SourceFile = source
	return t, nil
}
