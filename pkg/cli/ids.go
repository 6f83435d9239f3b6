package cli

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

type idsFile struct {
	Principals []string `yaml:"principals"`
}

// readIDs combines IDs given on the command line with those listed in path.
// The file holds either a plain yaml list or a mapping with a principals list.
func readIDs(ids []string, path string) ([]string, error) {
	rv := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			rv = append(rv, id)
		}
	}

	if path == "" {
		return rv, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var list []string
	if err := yaml.Unmarshal(b, &list); err != nil {
		var f idsFile
		if ferr := yaml.Unmarshal(b, &f); ferr != nil {
			return nil, fmt.Errorf("reading principal ids from %s: %w", path, err)
		}
		list = f.Principals
	}

	for _, id := range list {
		if id = strings.TrimSpace(id); id != "" {
			rv = append(rv, id)
		}
	}
	return rv, nil
}
