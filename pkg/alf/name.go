// Package alf parses ALF dataset file names and collections as used by the
// IBL ONE/Alyx data layout.
//
// An ALF file name has the shape
//
//	[_namespace_]object.attribute[_timescale][.extra...].extension
//
// for example `_ibl_trials.goCue_times.npy` or `spikes.times_ephysClock.npy`.
package alf

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrInvalidName indicates a file name that does not follow the ALF convention.
var ErrInvalidName = errors.New("invalid ALF name")

// minNameParts is object, attribute and extension.
const minNameParts = 3

// timeAttributes are attribute suffixes that may be followed by a timescale.
var timeAttributes = []string{"times", "intervals"}

// Name holds the parsed components of an ALF file name.
type Name struct {
	Namespace string   `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	Object    string   `json:"object"              yaml:"object"`
	Attribute string   `json:"attribute"           yaml:"attribute"`
	Timescale string   `json:"timescale,omitempty" yaml:"timescale,omitempty"`
	Extra     []string `json:"extra,omitempty"     yaml:"extra,omitempty"`
	Extension string   `json:"extension"           yaml:"extension"`
}

// Parse splits an ALF file name into its components. Directory components are ignored.
func Parse(filename string) (Name, error) {
	base := filename
	if idx := strings.LastIndexAny(base, `/\`); idx >= 0 {
		base = base[idx+1:]
	}

	parts := strings.Split(base, ".")
	if len(parts) < minNameParts {
		return Name{}, fmt.Errorf("%w: %q needs object.attribute.extension", ErrInvalidName, base)
	}

	for _, part := range parts {
		if part == "" {
			return Name{}, fmt.Errorf("%w: %q has an empty component", ErrInvalidName, base)
		}
	}

	namespace, object, err := splitNamespace(parts[0])
	if err != nil {
		return Name{}, fmt.Errorf("%w: %q: %w", ErrInvalidName, base, err)
	}

	attribute, timescale := splitTimescale(parts[1])

	name := Name{
		Namespace: namespace,
		Object:    object,
		Attribute: attribute,
		Timescale: timescale,
		Extension: parts[len(parts)-1],
	}

	if len(parts) > minNameParts {
		name.Extra = append([]string(nil), parts[2:len(parts)-1]...)
	}

	return name, nil
}

// MustParse is like Parse but panics on malformed names. Intended for constants and tests.
func MustParse(filename string) Name {
	name, err := Parse(filename)
	if err != nil {
		panic(err)
	}

	return name
}

// splitNamespace separates `_ns_object` into ("ns", "object").
func splitNamespace(head string) (namespace, object string, err error) {
	if !strings.HasPrefix(head, "_") {
		if !validIdentifier(head) {
			return "", "", fmt.Errorf("object %q is not alphanumeric", head)
		}

		return "", head, nil
	}

	rest := head[1:]

	idx := strings.Index(rest, "_")
	if idx <= 0 || idx == len(rest)-1 {
		return "", "", fmt.Errorf("namespace in %q is not closed", head)
	}

	namespace, object = rest[:idx], rest[idx+1:]
	if !validIdentifier(namespace) || !validIdentifier(object) {
		return "", "", fmt.Errorf("namespace/object in %q is not alphanumeric", head)
	}

	return namespace, object, nil
}

// splitTimescale separates `times_ephysClock` into ("times", "ephysClock").
// Attributes that merely end in _times or _intervals keep the suffix.
func splitTimescale(attr string) (attribute, timescale string) {
	for _, key := range timeAttributes {
		if attr == key || strings.HasSuffix(attr, "_"+key) {
			return attr, ""
		}

		marker := key + "_"
		if strings.HasPrefix(attr, marker) {
			return key, attr[len(marker):]
		}

		if idx := strings.Index(attr, "_"+marker); idx >= 0 {
			end := idx + 1 + len(key)

			return attr[:end], attr[end+1:]
		}
	}

	return attr, ""
}

func validIdentifier(s string) bool {
	if s == "" {
		return false
	}

	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '-' {
			return false
		}
	}

	return true
}

// Key returns the namespace-free dataset key, e.g. "trials.goCue_times".
func (n Name) Key() string {
	return n.Object + "." + n.Attribute
}

// DatasetType returns the Alyx dataset type, which keeps the namespace prefix,
// e.g. "_ibl_trials.goCue_times".
func (n Name) DatasetType() string {
	if n.Namespace == "" {
		return n.Key()
	}

	return "_" + n.Namespace + "_" + n.Key()
}

// String reassembles the file name.
func (n Name) String() string {
	var sb strings.Builder

	if n.Namespace != "" {
		sb.WriteString("_" + n.Namespace + "_")
	}

	sb.WriteString(n.Object)
	sb.WriteString(".")
	sb.WriteString(n.Attribute)

	if n.Timescale != "" {
		sb.WriteString("_" + n.Timescale)
	}

	for _, extra := range n.Extra {
		sb.WriteString("." + extra)
	}

	sb.WriteString("." + n.Extension)

	return sb.String()
}
