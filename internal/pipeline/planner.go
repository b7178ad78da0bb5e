package pipeline

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dbconsolidate/internal/config"
	"github.com/sells-group/dbconsolidate/internal/db"
	"github.com/sells-group/dbconsolidate/internal/extract"
	"github.com/sells-group/dbconsolidate/internal/load"
	"github.com/sells-group/dbconsolidate/internal/metrics"
	"github.com/sells-group/dbconsolidate/internal/model"
	"github.com/sells-group/dbconsolidate/internal/schema"
	"github.com/sells-group/dbconsolidate/internal/transform"
	"github.com/sells-group/dbconsolidate/internal/validate"
)

// Step is one target table's extracted and transformed rows, ready to load
// or to validate against.
type Step struct {
	Table       *schema.Table
	Output      *transform.Output
	Extracted   int
	Duplicates  int
	SourceTotal *float64
	Notes       []string // source-level skips and rejected rows
	Rejected    []string // rows dropped by extraction or transform
}

// Result seeds the table's MigrationResult with the extraction counts.
func (s *Step) Result(res *model.MigrationResult) *model.MigrationResult {
	if res == nil {
		res = &model.MigrationResult{Entity: s.Table.Entity, Table: s.Table.Name, Critical: s.Table.Critical}
	}
	res.RecordsExtracted = s.Extracted
	res.DuplicatesDropped = s.Duplicates
	res.SourceTotal = s.SourceTotal
	res.Errors = append(append([]string(nil), s.Notes...), res.Errors...)
	return res
}

// Planner extracts and transforms without writing. The pipeline and the
// standalone validate command share it so both compute the same source side.
type Planner struct {
	sources  []config.SourceConfig
	parallel bool
	metrics  *metrics.Recorder
}

// NewPlanner creates a Planner over sources in precedence order. rec may be
// nil.
func NewPlanner(sources []config.SourceConfig, parallel bool, rec *metrics.Recorder) *Planner {
	return &Planner{sources: sources, parallel: parallel, metrics: rec}
}

// Plan extracts and transforms the entity behind t. refs resolves foreign
// keys to parents already in the target.
func (p *Planner) Plan(ctx context.Context, t *schema.Table, refs transform.Refs) (*Step, error) {
	switch t.Entity {
	case schema.EntityPosts:
		return plan(ctx, p, t, extract.Posts, transform.Posts)
	case schema.EntityInquiries:
		return plan(ctx, p, t, extract.Inquiries, func(r []model.Inquiry) (*transform.Output, error) {
			return transform.Inquiries(r, refs)
		})
	case schema.EntityEngagement:
		return plan(ctx, p, t, extract.Engagement, func(r []model.Engagement) (*transform.Output, error) {
			return transform.Engagement(r, refs)
		})
	default:
		return nil, eris.Errorf("pipeline: no entity for table %s", t.Name)
	}
}

func plan[T model.Record](
	ctx context.Context,
	p *Planner,
	t *schema.Table,
	e extract.Entity[T],
	fn func([]T) (*transform.Output, error),
) (*Step, error) {
	ex, err := extract.Extract(ctx, p.sources, e, p.parallel)
	if err != nil {
		return nil, err
	}
	p.metrics.Duplicates(e.Name, len(ex.Duplicates))

	out, err := fn(ex.Records)
	if err != nil {
		return nil, err
	}

	step := &Step{
		Table:       t,
		Output:      out,
		Extracted:   ex.Extracted(),
		Duplicates:  len(ex.Duplicates),
		SourceTotal: ex.Total,
	}
	for _, s := range ex.Skipped {
		if s.Table == "" {
			step.Notes = append(step.Notes, fmt.Sprintf("source %s skipped: %s", s.Source, s.Reason))
			continue
		}
		note := fmt.Sprintf("source %s.%s: %s", s.Source, s.Table, s.Reason)
		step.Notes = append(step.Notes, note)
		if s.RowLevel() {
			step.Rejected = append(step.Rejected, note)
		}
	}
	for _, s := range out.Skipped {
		step.Rejected = append(step.Rejected, fmt.Sprintf("skipped %s (%s): %s", s.Key, s.Source, s.Reason))
	}
	return step, nil
}

// PlanAll plans every target table, parents first, resolving foreign keys
// against the rows already in pool. It never writes.
func (p *Planner) PlanAll(ctx context.Context, pool db.Pool) ([]*Step, error) {
	var steps []*Step
	for _, t := range schema.Tables() {
		refs, err := load.Refs(ctx, pool, t)
		if err != nil {
			return nil, err
		}
		step, err := p.Plan(ctx, t, refs)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// Sources converts steps to validator input.
func Sources(steps []*Step) []validate.Source {
	out := make([]validate.Source, 0, len(steps))
	for _, s := range steps {
		out = append(out, validate.Source{Table: s.Table, Rows: s.Output.Rows, Total: s.SourceTotal})
	}
	return out
}
