package patch

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// errNotScalar is returned when an offset or byte string is not a YAML scalar.
var errNotScalar = errors.New("expected a scalar value")

// Table is a patch set loaded from a YAML patch table, with its metadata.
type Table struct {
	// Component is the image the table targets.
	Component string
	// ProductType is the device the offsets were derived for, if known.
	ProductType string
	// OSVersion is the OS build the offsets were derived for, if known.
	OSVersion string
	// Set is the validated patch set.
	Set *Set
}

// tableFile mirrors the YAML layout of a patch table.
type tableFile struct {
	Component string `yaml:"component"`
	Target    struct {
		ProductType string `yaml:"product_type"`
		OSVersion   string `yaml:"os_version"`
	} `yaml:"target"`
	Patches []patchEntry `yaml:"patches"`
}

// patchEntry mirrors one YAML patch.
type patchEntry struct {
	Description string    `yaml:"description"`
	Offset      offset    `yaml:"offset"`
	Original    hexString `yaml:"original"`
	Patched     hexString `yaml:"patched"`
	Unresolved  bool      `yaml:"unresolved"`
}

// offset accepts decimal or 0x-prefixed hexadecimal integers.
type offset uint64

// UnmarshalYAML implements yaml.Unmarshaler.
func (o *offset) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("offset at line %d: %w", node.Line, errNotScalar)
	}

	v, err := strconv.ParseUint(strings.ReplaceAll(node.Value, "_", ""), 0, 64)
	if err != nil {
		return fmt.Errorf("offset at line %d: %w", node.Line, err)
	}

	*o = offset(v)

	return nil
}

// hexString accepts hex bytes, optionally 0x-prefixed and separated by whitespace.
type hexString []byte

// UnmarshalYAML implements yaml.Unmarshaler.
func (h *hexString) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("bytes at line %d: %w", node.Line, errNotScalar)
	}

	s := strings.Join(strings.Fields(node.Value), "")
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")

	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("bytes at line %d: %w", node.Line, err)
	}

	*h = b

	return nil
}

// LoadTable reads and validates a patch table file.
func LoadTable(path string) (*Table, error) {
	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read patch table: %w", err)
	}

	return ParseTable(contents)
}

// ParseTable validates a YAML patch table. An empty document yields an empty set.
func ParseTable(contents []byte) (*Table, error) {
	var file tableFile
	if err := yaml.Unmarshal(contents, &file); err != nil {
		return nil, fmt.Errorf("%w: decode patch table: %w", ErrValidation, err)
	}

	patches := make([]Patch, 0, len(file.Patches))

	for _, entry := range file.Patches {
		build := New
		if entry.Unresolved {
			build = NewPlaceholder
		}

		p, err := build(uint64(entry.Offset), entry.Original, entry.Patched, entry.Description)
		if err != nil {
			return nil, err
		}

		patches = append(patches, p)
	}

	set, err := NewSet(file.Component, patches...)
	if err != nil {
		return nil, err
	}

	return &Table{
		Component:   file.Component,
		ProductType: file.Target.ProductType,
		OSVersion:   file.Target.OSVersion,
		Set:         set,
	}, nil
}
