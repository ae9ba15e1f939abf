package prd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/flotilla/internal/errors"
)

// Load reads a PRD document from a YAML (.yaml, .yml) or JSON file,
// applies defaults and validates it.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewPRDNotFoundError(path)
		}
		return nil, errors.Wrap(errors.ErrCodeFileReadFailed, "read PRD file", err)
	}

	var doc Document
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &doc)
	default:
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodePRDUnmarshal, fmt.Sprintf("parse PRD file %s", path), err)
	}

	if err := doc.init(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// New builds a validated document from tasks. The tasks slice is copied.
func New(id, title string, tasks []Task) (*Document, error) {
	doc := &Document{
		ID:    id,
		Title: title,
		Tasks: append([]Task(nil), tasks...),
	}
	if err := doc.init(); err != nil {
		return nil, err
	}
	return doc, nil
}

// Save writes the document as JSON, including current task state
func (d *Document) Save(path string) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal PRD: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return errors.Wrap(errors.ErrCodeFileWriteFailed, "write PRD file", err)
	}
	return nil
}

func (d *Document) init() error {
	for i := range d.Tasks {
		d.Tasks[i].applyDefaults()
	}
	if err := d.Validate(); err != nil {
		return err
	}
	d.reindex()
	return nil
}
