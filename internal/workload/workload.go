package workload

import (
	"context"

	"github.com/mickamy/taqo/internal/db"
	"github.com/mickamy/taqo/internal/model"
)

// Setup is what a model leaves behind after preparing the database.
type Setup struct {
	Tables   []model.Table
	Teardown []string
	Create   []string
	Import   []string
	Analyze  []string
}

// Statements returns every DDL in the order it was applied.
func (s Setup) Statements() []string {
	out := make([]string, 0, len(s.Teardown)+len(s.Create)+len(s.Import)+len(s.Analyze))
	out = append(out, s.Teardown...)
	out = append(out, s.Create...)
	out = append(out, s.Import...)
	return append(out, s.Analyze...)
}

// Model prepares the schema of a workload and lists its queries.
type Model interface {
	CreateTables(ctx context.Context, session db.Session) (Setup, error)
	Queries(tables []model.Table) ([]*model.Query, error)
}
