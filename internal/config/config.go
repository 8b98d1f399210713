// Package config loads the virtual-path mapping document.
//
// The document is a flat YAML map of virtual path to remote location:
//
//	/input-file-1: ":s3,env_auth=true:mybucket/mybigfile"
//	/input-file-2: ":ftp,host=ftp.example.com:myftp/file"
//
// Order is preserved and duplicate paths are rejected rather than silently
// merged, which is why the document is walked through the yaml.Node API
// instead of unmarshalled into a map.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sly67/pathmap/internal/pathmap"
)

// ErrDuplicatePath marks a mapping document that lists a virtual path twice.
var ErrDuplicatePath = errors.New("config: duplicate virtual path")

// LoadMapping parses a mapping document.
func LoadMapping(r io.Reader) (pathmap.Mapping, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read mapping: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse mapping: %w", err)
	}
	if len(doc.Content) == 0 {
		return pathmap.Mapping{}, nil
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("parse mapping: document is not a flat map (line %d)", root.Line)
	}

	seen := make(map[string]struct{}, len(root.Content)/2)
	mapping := make(pathmap.Mapping, 0, len(root.Content)/2)

	for i := 0; i < len(root.Content); i += 2 {
		keyNode, valNode := root.Content[i], root.Content[i+1]

		if keyNode.Kind != yaml.ScalarNode || valNode.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("parse mapping: entry at line %d is not a scalar pair", keyNode.Line)
		}

		path := keyNode.Value
		if !strings.HasPrefix(path, "/") {
			return nil, fmt.Errorf("parse mapping: virtual path %q must start with / (line %d)", path, keyNode.Line)
		}
		if strings.HasSuffix(path, "/") {
			return nil, fmt.Errorf("parse mapping: virtual path %q denotes a directory; only files can be mapped (line %d)", path, keyNode.Line)
		}
		if _, dup := seen[path]; dup {
			return nil, fmt.Errorf("%w: %s (line %d)", ErrDuplicatePath, path, keyNode.Line)
		}
		seen[path] = struct{}{}

		mapping = append(mapping, pathmap.Entry{Path: path, Remote: valNode.Value})
	}

	return mapping, nil
}

// LoadMappingFile reads a mapping document from a file. "-" or the empty
// string means standard input.
func LoadMappingFile(path string) (pathmap.Mapping, error) {
	if path == "" || path == "-" {
		return LoadMapping(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mapping: %w", err)
	}
	defer f.Close()
	return LoadMapping(f)
}
