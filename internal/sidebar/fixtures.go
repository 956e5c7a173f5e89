package sidebar

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/marginalia/framesync/pkg/types"
)

// fixture is the document form of an annotation file: either a bare list or
// an object with an "annotations" list.
type fixture struct {
	Annotations []*types.Annotation `json:"annotations" yaml:"annotations"`
}

// ReadAnnotations reads annotations from a .json, .jsonc, .yaml or .yml file.
func ReadAnnotations(path string) ([]*types.Annotation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	anns, err := ParseAnnotations(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return anns, nil
}

// ParseAnnotations decodes annotations in the format named by ext.
func ParseAnnotations(data []byte, ext string) ([]*types.Annotation, error) {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		return decodeYAML(data)
	case ".jsonc":
		return decodeJSON(jsonc.ToJSON(data))
	case ".json", "":
		return decodeJSON(data)
	default:
		return nil, fmt.Errorf("unsupported annotation format %q", ext)
	}
}

func decodeJSON(data []byte) ([]*types.Annotation, error) {
	var list []*types.Annotation
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var f fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return f.Annotations, nil
}

func decodeYAML(data []byte) ([]*types.Annotation, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	if len(node.Content) == 0 {
		return nil, nil
	}

	root := node.Content[0]
	if root.Kind == yaml.SequenceNode {
		var list []*types.Annotation
		if err := root.Decode(&list); err != nil {
			return nil, err
		}
		return list, nil
	}
	var f fixture
	if err := root.Decode(&f); err != nil {
		return nil, err
	}
	return f.Annotations, nil
}
