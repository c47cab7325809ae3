package config

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// ByteSize is a byte count written either as an integer or as a
// human-readable size such as "50 MB" or "1 TiB".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: byte size must be a scalar", node.Line)
	}
	n, err := humanize.ParseBytes(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid byte size %q: %w", node.Line, node.Value, err)
	}
	if n > 1<<62 {
		return fmt.Errorf("line %d: byte size %q is too large", node.Line, node.Value)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalYAML keeps the human form only when it parses back to the same value.
func (b ByteSize) MarshalYAML() (any, error) {
	if b >= 0 {
		s := humanize.Bytes(uint64(b))
		if n, err := humanize.ParseBytes(s); err == nil && n == uint64(b) {
			return s, nil
		}
	}
	return int64(b), nil
}

// String formats the size with SI units, e.g. "50 MB".
func (b ByteSize) String() string {
	if b < 0 {
		return fmt.Sprintf("%d B", int64(b))
	}
	return humanize.Bytes(uint64(b))
}
