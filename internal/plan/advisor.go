package plan

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"sqlopt/internal/sqlast"
	"sqlopt/internal/util"
)

// Explainer fetches the execution plan of a statement.
type Explainer interface {
	Explain(ctx context.Context, query string, args []any) (*Plan, error)
}

// Schema lists and creates indexes. Implementations own the DDL text.
type Schema interface {
	Indexes(ctx context.Context, table string) ([][]string, error)
	CreateIndex(ctx context.Context, p *IndexProposal) error
}

// Advice is the outcome of one Advise call.
type Advice struct {
	Proposal *IndexProposal
	Reason   Reason
	Created  bool
	Plan     *Plan
}

// Advisor runs plan analysis against live collaborators.
type Advisor struct {
	explainer Explainer
	schema    Schema
	analyzer  *Analyzer
	create    bool
}

// NewAdvisor returns an Advisor. With create false proposals are reported
// but never applied.
func NewAdvisor(explainer Explainer, schema Schema, analyzer *Analyzer, create bool) *Advisor {
	return &Advisor{explainer: explainer, schema: schema, analyzer: analyzer, create: create}
}

// Advise explains a slow statement, proposes an index and creates it when
// enabled. Collaborator failures are returned wrapped.
func (a *Advisor) Advise(ctx context.Context, norm *sqlast.Normalized, elapsed time.Duration) (Advice, error) {
	if !a.analyzer.Slow(elapsed) {
		return Advice{Reason: ReasonBelowThreshold}, nil
	}
	rendered, err := norm.Render()
	if err != nil {
		return Advice{Reason: ReasonNoPlan}, errors.Wrap(err, "render for explain")
	}
	p, err := a.explainer.Explain(ctx, rendered.SQL, rendered.Args)
	if err != nil {
		return Advice{Reason: ReasonNoPlan}, errors.Wrap(err, "explain")
	}
	proposal, reason := a.analyzer.Analyze(norm, p, elapsed)
	advice := Advice{Proposal: proposal, Reason: reason, Plan: p}
	if proposal == nil {
		return advice, nil
	}
	existing, err := a.schema.Indexes(ctx, proposal.Table)
	if err != nil {
		return advice, errors.Wrapf(err, "list indexes of %s", proposal.Table)
	}
	for _, cols := range existing {
		if proposal.Covers(cols) {
			util.Debugf("index on %v already serves %s", cols, proposal)
			return Advice{Reason: ReasonIndexExists, Plan: p}, nil
		}
	}
	if !a.create {
		return advice, nil
	}
	if err := a.schema.CreateIndex(ctx, proposal); err != nil {
		return advice, errors.Wrapf(err, "create index %s", proposal.Name())
	}
	advice.Created = true
	return advice, nil
}
