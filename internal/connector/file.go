package connector

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Definition is a connector as written in a definition file or a REST body.
type Definition struct {
	Name   string            `json:"name" yaml:"name"`
	Config map[string]string `json:"config" yaml:"config"`
}

// ParseProperties reads Java-style key=value (or key: value) lines.
// Blank lines and lines starting with # or ! are skipped.
func ParseProperties(r io.Reader) (map[string]string, error) {
	out := make(map[string]string)
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") || strings.HasPrefix(text, "!") {
			continue
		}
		idx := strings.IndexAny(text, "=:")
		if idx <= 0 {
			return nil, errors.Errorf("line %d: expected key=value, got %q", line, text)
		}
		key := strings.TrimSpace(text[:idx])
		out[key] = strings.TrimSpace(text[idx+1:])
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read properties")
	}
	return out, nil
}

// LoadDefinition reads a connector definition from a .properties, .yaml,
// .yml or .json file. Properties files and flat YAML/JSON maps hold the
// config directly and take the name from its "name" key; nested documents
// use the {name, config} shape.
func LoadDefinition(path string) (*Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".properties":
		cfg, err := ParseProperties(f)
		if err != nil {
			return nil, errors.Wrapf(err, "parse %s", path)
		}
		return &Definition{Name: cfg[NameConfig], Config: cfg}, nil
	case ".yaml", ".yml":
		var raw map[string]interface{}
		if err := yaml.NewDecoder(f).Decode(&raw); err != nil {
			return nil, errors.Wrapf(err, "parse %s", path)
		}
		return definitionFromMap(raw)
	case ".json":
		var raw map[string]interface{}
		if err := json.NewDecoder(f).Decode(&raw); err != nil {
			return nil, errors.Wrapf(err, "parse %s", path)
		}
		return definitionFromMap(raw)
	default:
		return nil, errors.Errorf("unsupported connector file type %q", filepath.Ext(path))
	}
}

func definitionFromMap(raw map[string]interface{}) (*Definition, error) {
	if nested, ok := raw["config"].(map[string]interface{}); ok {
		def := &Definition{Config: stringify(nested)}
		if name, ok := raw["name"].(string); ok {
			def.Name = name
		} else {
			def.Name = def.Config[NameConfig]
		}
		return def, nil
	}
	cfg := stringify(raw)
	return &Definition{Name: cfg[NameConfig], Config: cfg}, nil
}

// stringify flattens scalar YAML/JSON values to strings; numbers like
// tasks.max: 3 become "3".
func stringify(in map[string]interface{}) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch t := v.(type) {
		case nil:
			out[k] = ""
		case string:
			out[k] = t
		case float64:
			if t == float64(int64(t)) {
				out[k] = fmt.Sprintf("%d", int64(t))
			} else {
				out[k] = fmt.Sprintf("%v", t)
			}
		default:
			out[k] = fmt.Sprintf("%v", t)
		}
	}
	return out
}
