package db

import (
	"embed"
	"fmt"
	"path"
	"strings"
)

//go:embed schema
var schemaFS embed.FS

type Migration struct {
	ID  string
	SQL string
}

// migrations lists the embedded schema files for a dialect in the order
// they apply.
func migrations(dialect string) ([]Migration, error) {
	dir := path.Join("schema", dialect)
	entries, err := schemaFS.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded %s: %w", dir, err)
	}

	var out []Migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		data, err := schemaFS.ReadFile(path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read embedded %s: %w", e.Name(), err)
		}
		out = append(out, Migration{
			ID:  strings.TrimSuffix(e.Name(), ".sql"),
			SQL: string(data),
		})
	}
	return out, nil
}
