// Package cmdfile loads batches of commands from YAML files:
//
//	commands:
//	  - args: ["--loop", "--test-cmd", "am instrument -w com.example/.Runner"]
//	  - "--dry-run --test-cmd ls"
//
// A bare top-level list is accepted as well.
package cmdfile

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Command is one argument vector read from a file.
type Command struct {
	Args []string `yaml:"args"`
}

// UnmarshalYAML accepts either a mapping with args or a whitespace-separated
// string.
func (c *Command) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		c.Args = strings.Fields(node.Value)
		return nil
	case yaml.MappingNode:
		type plain Command
		var p plain
		if err := node.Decode(&p); err != nil {
			return err
		}
		*c = Command(p)
		return nil
	case yaml.SequenceNode:
		return node.Decode(&c.Args)
	default:
		return errors.Errorf("line %d: unsupported command entry", node.Line)
	}
}

type document struct {
	Commands []Command `yaml:"commands"`
}

// Load reads path and returns the argument vectors in file order. Empty
// entries are dropped.
func Load(path string) ([][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read command file %s", path)
	}
	cmds, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "parse command file %s", path)
	}
	return cmds, nil
}

// Parse decodes a command file body.
func Parse(data []byte) ([][]string, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	if len(root.Content) == 0 {
		return nil, nil
	}
	body := root.Content[0]

	var entries []Command
	switch body.Kind {
	case yaml.SequenceNode:
		if err := body.Decode(&entries); err != nil {
			return nil, err
		}
	case yaml.MappingNode:
		var doc document
		if err := body.Decode(&doc); err != nil {
			return nil, err
		}
		entries = doc.Commands
	default:
		return nil, errors.New("expected a commands mapping or a list")
	}

	out := make([][]string, 0, len(entries))
	for _, entry := range entries {
		if len(entry.Args) == 0 {
			continue
		}
		out = append(out, entry.Args)
	}
	return out, nil
}
