package intercept

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"sqlopt/internal/config"
	"sqlopt/internal/detect"
	"sqlopt/internal/plan"
	"sqlopt/internal/report"
	"sqlopt/internal/rewrite"
	"sqlopt/internal/sqlast"
	"sqlopt/internal/util"
)

const monitorSweepEvery = 1024

// Statement is one outgoing statement as the data layer issued it.
type Statement struct {
	SQL  string
	Args []any
	// CallSite identifies the code location issuing the statement, if known.
	CallSite string
	// Duration is the measured execution time, set for Observe.
	Duration time.Duration
}

// Prepared is the statement to send after normalization and rewriting. On
// any failure SQL and Args are the original ones and Norm is nil.
type Prepared struct {
	SQL     string
	Args    []any
	Norm    *sqlast.Normalized
	Applied []rewrite.Applied
}

// Rewritten reports whether any rule changed the statement.
func (p Prepared) Rewritten() bool {
	return len(p.Applied) > 0
}

// Backend is the database side the optimizer talks to.
type Backend interface {
	detect.Executor
	plan.Explainer
	plan.Schema
	Dialect() sqlast.Dialect
}

// Interceptor is called by the execution layer around every dispatch.
type Interceptor interface {
	Prepare(stmt Statement) Prepared
	Enter() *detect.Scope
	Dispatch(ctx context.Context, scope *detect.Scope, stmt Statement) (*detect.Result, error)
	Observe(ctx context.Context, stmt Statement) plan.Advice
}

var _ Interceptor = (*Optimizer)(nil)

// Optimizer wires normalizer, rewrite engine, sequence detector and plan
// advisor according to config. Scopes it hands out are single-flow; the
// Optimizer itself is safe for concurrent use.
type Optimizer struct {
	cfg      config.Config
	backend  Backend
	dialect  sqlast.Dialect
	engine   *rewrite.Engine
	detector *detect.Detector
	monitor  *detect.Monitor
	analyzer *plan.Analyzer
	advisor  *plan.Advisor
	recorder *report.Recorder
	timeout  time.Duration
	seen     atomic.Int64
}

// New builds an Optimizer. rec may be nil.
func New(cfg config.Config, backend Backend, rec *report.Recorder) *Optimizer {
	o := &Optimizer{
		cfg:      cfg,
		backend:  backend,
		dialect:  backend.Dialect(),
		recorder: rec,
		timeout:  time.Duration(cfg.StatementTimeoutMs) * time.Millisecond,
	}
	o.engine = rewrite.NewEngine(rewrite.Options{
		MaxPasses: cfg.Rewrite.MaxPasses,
		Enabled:   cfg.Rewrite.RuleEnabled,
	})
	o.detector = detect.New(timedExecutor{o: o}, detect.Options{
		MaxKeys: cfg.Batch.MaxKeys,
		OnEvent: o.onDetectEvent,
	})
	o.monitor = detect.NewMonitor(
		cfg.Monitor.Threshold,
		time.Duration(cfg.Monitor.WindowMs)*time.Millisecond,
		time.Duration(cfg.Monitor.CooldownMs)*time.Millisecond,
	)
	o.analyzer = plan.NewAnalyzer(plan.Options{
		SlowThreshold: time.Duration(cfg.Plan.SlowThresholdMs) * time.Millisecond,
		MinScanRows:   cfg.Plan.MinScanRows,
		MaxColumns:    cfg.Plan.MaxIndexColumns,
	})
	o.advisor = plan.NewAdvisor(backend, backend, o.analyzer, cfg.Plan.CreateIndexes)
	return o
}

// Recorder returns the observability channel, possibly nil.
func (o *Optimizer) Recorder() *report.Recorder {
	return o.recorder
}

// Prepare normalizes and rewrites a statement. It never fails: statements
// the normalizer rejects pass through unchanged.
func (o *Optimizer) Prepare(stmt Statement) Prepared {
	orig := Prepared{SQL: stmt.SQL, Args: stmt.Args}
	norm, err := sqlast.NormalizeDialect(o.dialect, stmt.SQL, stmt.Args)
	if err != nil {
		o.skip("parse", stmt, err)
		return orig
	}
	orig.Norm = norm
	if !o.cfg.Rewrite.Enabled {
		return orig
	}
	out, applied, err := o.engine.Rewrite(norm)
	if err != nil {
		o.skip("rewrite", stmt, err)
		return orig
	}
	if len(applied) == 0 {
		return orig
	}
	rendered, err := out.Render()
	if err != nil {
		o.skip("render", stmt, err)
		return orig
	}
	for _, a := range applied {
		o.recorder.Record(report.Event{
			Kind:    report.KindRewrite,
			Outcome: report.OutcomeApplied,
			Reason:  a.Rule,
			Shape:   norm.Shape.Text,
			SQL:     a.After,
			Details: map[string]any{"before": a.Before},
		})
	}
	return Prepared{SQL: rendered.SQL, Args: rendered.Args, Norm: out, Applied: applied}
}

// Enter opens a loop scope, or returns nil when batching is disabled.
// A nil scope makes Dispatch execute statements directly.
func (o *Optimizer) Enter() *detect.Scope {
	if !o.cfg.Batch.Enabled {
		return nil
	}
	return o.detector.Enter()
}

// Dispatch prepares a statement and runs it, through the scope's detector
// when one is given. Errors are returned only for scope misuse; statement
// failures travel in the Result.
func (o *Optimizer) Dispatch(ctx context.Context, scope *detect.Scope, stmt Statement) (*detect.Result, error) {
	p := o.Prepare(stmt)
	if scope != nil {
		if p.Norm == nil {
			return scope.Exec(ctx, p.SQL, p.Args)
		}
		return scope.Submit(ctx, detect.Item{Norm: p.Norm, SQL: p.SQL, Args: p.Args, CallSite: stmt.CallSite})
	}
	o.watch(p, time.Now())
	rows, err := timedExecutor{o: o, callSite: stmt.CallSite}.Query(ctx, p.SQL, p.Args)
	return detect.Resolved(rows, err), nil
}

// timedExecutor runs statements under the statement timeout and hands slow
// ones to plan analysis. Scoped statements, their batches and fallbacks all
// go through it.
type timedExecutor struct {
	o        *Optimizer
	callSite string
}

func (e timedExecutor) Query(ctx context.Context, query string, args []any) (*sqlast.Rows, error) {
	o := e.o
	qctx, cancel := o.withTimeout(ctx)
	start := time.Now()
	rows, err := o.backend.Query(qctx, query, args)
	elapsed := time.Since(start)
	cancel()
	if err == nil && o.cfg.Plan.Enabled && o.analyzer.Slow(elapsed) {
		o.Observe(ctx, Statement{SQL: query, Args: args, CallSite: e.callSite, Duration: elapsed})
	}
	return rows, err
}

// watch feeds the repeated-shape monitor for statements outside any scope.
func (o *Optimizer) watch(p Prepared, now time.Time) {
	if p.Norm == nil {
		return
	}
	res := o.monitor.Record(p.Norm.Shape.Key(), p.Norm.Inline(), now)
	if res.Alert != nil {
		util.Warnf("repeated statement outside a loop scope (%d in window): %s", res.Alert.Count, res.Alert.Sample)
		o.recorder.Record(report.Event{
			Kind:    report.KindAlert,
			Outcome: report.OutcomeProposed,
			Reason:  "n+1",
			Shape:   p.Norm.Shape.Text,
			SQL:     res.Alert.Sample,
			Details: map[string]any{"count": res.Alert.Count},
		})
	}
	if o.seen.Add(1)%monitorSweepEvery == 0 {
		o.monitor.Sweep(now)
	}
}

// Observe runs plan analysis for a statement with a measured duration. The
// outcome is recorded; failures are logged and never returned.
func (o *Optimizer) Observe(ctx context.Context, stmt Statement) plan.Advice {
	if !o.cfg.Plan.Enabled {
		return plan.Advice{Reason: plan.ReasonNone}
	}
	norm, err := sqlast.NormalizeDialect(o.dialect, stmt.SQL, stmt.Args)
	if err != nil {
		o.skip("parse", stmt, err)
		return plan.Advice{Reason: plan.ReasonNoPlan}
	}
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()
	advice, err := o.advisor.Advise(ctx, norm, stmt.Duration)
	ev := report.Event{Kind: report.KindIndex, Reason: string(advice.Reason), Shape: norm.Shape.Text, SQL: norm.Inline()}
	switch {
	case err != nil:
		util.Warnf("plan analysis failed: %v", err)
		ev.Outcome = report.OutcomeFailed
		ev.Details = map[string]any{"error": err.Error()}
	case advice.Created:
		util.Infof("created index %s", advice.Proposal.Name())
		ev.Outcome = report.OutcomeCreated
	case advice.Proposal != nil:
		util.Infof("proposed index %s", advice.Proposal)
		ev.Outcome = report.OutcomeProposed
	case advice.Reason == plan.ReasonBelowThreshold:
		return advice
	default:
		ev.Kind, ev.Outcome = report.KindSkip, report.OutcomeIneligible
	}
	if advice.Proposal != nil {
		if ev.Details == nil {
			ev.Details = map[string]any{}
		}
		ev.Details["table"] = advice.Proposal.Table
		ev.Details["columns"] = advice.Proposal.Columns
		ev.Details["index"] = advice.Proposal.Name()
	}
	o.recorder.Record(ev)
	return advice
}

func (o *Optimizer) onDetectEvent(ev detect.Event) {
	out := report.Event{Kind: report.KindBatch, Reason: string(ev.Reason), Shape: ev.Shape, SQL: ev.SQL}
	switch ev.Kind {
	case detect.EventBatch:
		out.Outcome = report.OutcomeApplied
	case detect.EventFallback:
		out.Outcome = report.OutcomeFallback
	case detect.EventDiscard:
		out.Outcome = report.OutcomeDiscarded
	default:
		out.Outcome = report.OutcomeIneligible
	}
	if ev.Items > 0 || ev.Keys > 0 {
		out.Details = map[string]any{"items": ev.Items, "keys": ev.Keys}
	}
	if ev.Err != nil {
		if out.Details == nil {
			out.Details = map[string]any{}
		}
		out.Details["error"] = ev.Err.Error()
	}
	o.recorder.Record(out)
}

func (o *Optimizer) skip(stage string, stmt Statement, err error) {
	util.Debugf("%s skipped: %v", stage, err)
	reason := stage
	if errors.Is(err, sqlast.ErrParse) {
		reason = "parse"
	}
	o.recorder.Record(report.Event{
		Kind:    report.KindSkip,
		Outcome: report.OutcomeFailed,
		Reason:  reason,
		SQL:     sqlast.InlineText(o.dialect, stmt.SQL, stmt.Args),
		Details: map[string]any{"error": err.Error()},
	})
}

func (o *Optimizer) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.timeout)
}
