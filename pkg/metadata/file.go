package metadata

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/Sumatoshi-tech/iblnwb/pkg/persist"
)

// ErrInvalidMetadata indicates metadata that violates the schema.
var ErrInvalidMetadata = errors.New("invalid metadata")

const zeroTime = "0001-01-01T00:00:00Z"

//go:embed schema.json
var schemaJSON []byte

// Validate checks md against the embedded JSON schema and reports every
// violation in a single error.
func Validate(md *Metadata) error {
	doc, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schemaJSON), gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}

	var problems []string

	for _, verr := range result.Errors() {
		problems = append(problems, fmt.Sprintf("%s: %s", verr.Field(), verr.Description()))
	}

	if md.NWBFile.SessionStartTime.IsZero() {
		problems = append(problems, "NWBFile.session_start_time: must be set")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidMetadata, strings.Join(problems, "; "))
	}

	return nil
}

// Load reads metadata from a YAML (or JSON) file.
func Load(path string) (*Metadata, error) {
	var md Metadata

	err := persist.LoadFile(path, persist.CodecFor(path), &md)
	if err != nil {
		return nil, fmt.Errorf("load metadata %s: %w", path, err)
	}

	return &md, nil
}

// Save writes metadata to path; the codec follows the extension.
func Save(path string, md *Metadata) error {
	err := persist.SaveFile(path, persist.CodecFor(path), md)
	if err != nil {
		return fmt.Errorf("save metadata %s: %w", path, err)
	}

	return nil
}

// Merge returns base with every non-zero field of override applied.
// Lists in override replace the base lists wholesale.
func Merge(base, override *Metadata) (*Metadata, error) {
	var node yaml.Node

	err := node.Encode(override)
	if err != nil {
		return nil, fmt.Errorf("encode override: %w", err)
	}

	pruneZero(&node)

	return overlay(base, &node)
}

// ApplyFile overlays a user-edited YAML file on base. Only keys present in
// the file change; explicit zero values are honoured.
func ApplyFile(base *Metadata, path string) (*Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read metadata overrides: %w", err)
	}

	var node yaml.Node

	err = yaml.NewDecoder(bytes.NewReader(raw)).Decode(&node)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse metadata overrides %s: %w", path, err)
	}

	return overlay(base, &node)
}

func overlay(base *Metadata, node *yaml.Node) (*Metadata, error) {
	merged := *base
	merged.Probes = append([]Probe(nil), base.Probes...)

	if node.Kind == 0 {
		return &merged, nil
	}

	err := node.Decode(&merged)
	if err != nil {
		return nil, fmt.Errorf("apply metadata overrides: %w", err)
	}

	return &merged, nil
}

// pruneZero drops mapping entries whose value is a zero scalar, an empty
// sequence or an empty mapping.
func pruneZero(n *yaml.Node) bool {
	switch n.Kind {
	case yaml.DocumentNode:
		for _, c := range n.Content {
			pruneZero(c)
		}

		return false
	case yaml.MappingNode:
		kept := n.Content[:0]

		for i := 0; i+1 < len(n.Content); i += 2 {
			if pruneZero(n.Content[i+1]) {
				continue
			}

			kept = append(kept, n.Content[i], n.Content[i+1])
		}

		n.Content = kept

		return len(n.Content) == 0
	case yaml.SequenceNode:
		return len(n.Content) == 0
	case yaml.ScalarNode:
		switch n.Value {
		case "", "0", "false", "null", "~", zeroTime:
			return true
		}

		return false
	default:
		return false
	}
}
