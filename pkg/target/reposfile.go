package target

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadReposFile reads a yaml repo list. Three shapes are accepted:
//
//	repos: [org/a, org/b]      # slugs under the "repos" key
//	org: [a, b]                # names grouped by owner
//	- org/a                    # a bare list of slugs
//
// The two mapping shapes may be mixed. Order follows the file.
func LoadReposFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read repos file: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse repos file %s: %w", path, err)
	}
	if len(doc.Content) == 0 {
		return nil, fmt.Errorf("repos file %s is empty", path)
	}

	root := doc.Content[0]
	switch root.Kind {
	case yaml.SequenceNode:
		var slugs []string
		if err := root.Decode(&slugs); err != nil {
			return nil, fmt.Errorf("repos file %s: %w", path, err)
		}
		return slugs, nil
	case yaml.MappingNode:
		var slugs []string
		for i := 0; i+1 < len(root.Content); i += 2 {
			key := root.Content[i].Value
			var names []string
			if err := root.Content[i+1].Decode(&names); err != nil {
				return nil, fmt.Errorf("repos file %s: entry %q: %w", path, key, err)
			}
			for _, name := range names {
				if key == "repos" {
					slugs = append(slugs, name)
				} else {
					slugs = append(slugs, key+"/"+name)
				}
			}
		}
		return slugs, nil
	default:
		return nil, fmt.Errorf("repos file %s: expected a list or a mapping", path)
	}
}
