package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/mahnoorkhalid8/digitalfte/pkg/frontmatter"
)

// ErrInvalidTask is returned when a task document cannot be decoded or fails
// structural validation.
var ErrInvalidTask = errors.New("invalid task")

var stringList = map[string]interface{}{
	"type":  "array",
	"items": map[string]interface{}{"type": "string"},
}

// taskSchema checks shape only. Enum values are left to the classifier so an
// unknown value reaches routing as an ambiguity instead of being dropped here.
var taskSchema = func() *gojsonschema.Schema {
	step := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"id":               map[string]interface{}{"type": "string"},
			"name":             map[string]interface{}{"type": "string"},
			"description":      map[string]interface{}{"type": "string"},
			"actions":          stringList,
			"alternatives":     stringList,
			"expected_outputs": stringList,
			"dependencies":     stringList,
			"is_critical":      map[string]interface{}{"type": "boolean"},
			"max_attempts":     map[string]interface{}{"type": "integer", "minimum": 0},
		},
	}
	schemaMap := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"id":               map[string]interface{}{"type": "string"},
			"title":            map[string]interface{}{"type": "string"},
			"objective":        map[string]interface{}{"type": "string"},
			"action_type":      map[string]interface{}{"type": "string"},
			"priority":         map[string]interface{}{"type": "string"},
			"impact_level":     map[string]interface{}{"type": "string"},
			"data_sensitivity": map[string]interface{}{"type": "string"},
			"reversibility":    map[string]interface{}{"type": "string"},
			"scope":            map[string]interface{}{"type": "string"},
			"requested_by":     map[string]interface{}{"type": "string"},
			"content":          map[string]interface{}{"type": "string"},
			"recipients":       stringList,
			"amount":           map[string]interface{}{"type": "number"},
			"success_criteria": stringList,
			"steps":            map[string]interface{}{"type": "array", "items": step},
			"action_details":   map[string]interface{}{"type": "object"},
		},
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
	if err != nil {
		panic(fmt.Sprintf("task schema: %v", err))
	}
	return schema
}()

// LoadFile reads a task document from fs. JSON, YAML and markdown with a
// YAML header are accepted; a markdown body becomes the task content when the
// header does not set one.
func LoadFile(fs afero.Fs, path string) (*Task, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read task %s: %w", path, err)
	}
	t, err := Parse(filepath.Ext(path), data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if t.ID == "" {
		t.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	t.Source = path
	return t, nil
}

// Parse decodes a task document. ext selects the format.
func Parse(ext string, data []byte) (*Task, error) {
	var (
		doc  map[string]interface{}
		body []byte
		err  error
	)
	switch strings.ToLower(ext) {
	case ".json":
		err = json.Unmarshal(data, &doc)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &doc)
	case ".md", ".markdown":
		body, err = frontmatter.Decode(data, &doc)
	default:
		return nil, fmt.Errorf("%w: unsupported extension %q", ErrInvalidTask, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidTask)
	}

	if err := validate(doc); err != nil {
		return nil, err
	}

	// Round-trip through JSON so YAML and JSON share one decoding path.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	var t Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	if t.Content == "" && len(body) > 0 {
		t.Content = strings.TrimSpace(string(body))
	}
	return &t, nil
}

func validate(doc map[string]interface{}) error {
	result, err := taskSchema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	if !result.Valid() {
		msgs := []string{}
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalidTask, strings.Join(msgs, "; "))
	}
	return nil
}
