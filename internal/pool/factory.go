package pool

import (
	"github.com/tabflow/tabflow/internal/source"

	// Import backend packages to trigger init() registration.
	_ "github.com/tabflow/tabflow/internal/source/columnar"
	_ "github.com/tabflow/tabflow/internal/source/delimited"
	_ "github.com/tabflow/tabflow/internal/source/duckdb"
	_ "github.com/tabflow/tabflow/internal/source/mssql"
	_ "github.com/tabflow/tabflow/internal/source/postgres"
	_ "github.com/tabflow/tabflow/internal/source/spreadsheet"
)

// Open resolves, validates, and constructs a Source from its descriptor.
// The kind may be omitted when the path's extension identifies a backend.
// Validation reports every missing required parameter at once; adding a
// new backend requires no changes to this function.
func Open(desc source.Descriptor) (source.Source, error) {
	if err := desc.Normalize(); err != nil {
		return nil, err
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	b, err := source.Get(desc.Kind)
	if err != nil {
		return nil, err
	}
	src, err := b.New(desc)
	if err != nil {
		return nil, err
	}
	if desc.Cache {
		src = source.WithCache(src)
	}
	return src, nil
}
