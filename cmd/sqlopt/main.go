package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"sqlopt/internal/config"
	"sqlopt/internal/db"
	"sqlopt/internal/detect"
	"sqlopt/internal/highlight"
	"sqlopt/internal/intercept"
	"sqlopt/internal/report"
	"sqlopt/internal/runinfo"
	"sqlopt/internal/sqlast"
	"sqlopt/internal/uploader"
	"sqlopt/internal/util"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const defaultConfigPath = "config.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to config file")
	file := flag.String("file", "", "SQL script to optimize, - for stdin; statements separated by ;")
	dsn := flag.String("dsn", "", "override the configured DSN")
	explain := flag.Bool("explain", false, "run plan analysis against the configured database")
	apply := flag.Bool("apply", false, "create proposed indexes (implies -explain)")
	loop := flag.Bool("loop", false, "execute the statements as one loop and batch repeated lookups")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *dsn != "" {
		cfg.DSN = *dsn
	}
	if *apply {
		*explain = true
		cfg.Plan.CreateIndexes = true
	}
	if *explain {
		cfg.Plan.Enabled = true
		// Every statement is analyzed regardless of how long it took.
		cfg.Plan.SlowThresholdMs = 0
	} else {
		cfg.Plan.Enabled = false
	}
	util.SetVerbose(cfg.Logging.Verbose || *verbose)
	if closer, err := openLogFile(cfg.Logging.LogFile); err != nil {
		util.Warnf("log file disabled: %v", err)
	} else if closer != nil {
		defer util.CloseWithErr(closer, "log file")
	}
	if data, err := yaml.Marshal(&cfg); err == nil {
		util.Debugf("config:\n%s", string(data))
	}

	script, err := readScript(*file, flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read statements: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := run(ctx, cfg, script, *explain || *loop, *loop); err != nil {
		fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (config.Config, error) {
	if path == defaultConfigPath {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}

func openLogFile(path string) (io.Closer, error) {
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return util.TeeLogFile(path)
}

func readScript(path string, args []string) (string, error) {
	switch path {
	case "":
		if len(args) == 0 {
			return "", errors.New("no statements: pass -file or SQL arguments")
		}
		return strings.Join(args, " "), nil
	case "-":
		data, err := io.ReadAll(os.Stdin)
		return string(data), errors.Wrap(err, "read stdin")
	default:
		data, err := os.ReadFile(path)
		return string(data), errors.Wrapf(err, "read %s", path)
	}
}

func run(ctx context.Context, cfg config.Config, script string, online, loop bool) error {
	if online {
		if err := db.EnsureDatabase(ctx, cfg); err != nil {
			return err
		}
	}
	conn, err := openConn(cfg)
	if err != nil {
		return err
	}
	defer util.CloseWithErr(conn, "db")
	if online {
		if err := conn.Ping(ctx); err != nil {
			return err
		}
	}

	outputDir := ""
	if cfg.Report.Enabled {
		outputDir = cfg.Report.OutputDir
	}
	rec, err := report.NewRecorder(outputDir)
	if err != nil {
		return err
	}
	util.Infof("session %s (%s)", rec.ID(), conn.Driver())

	opt := intercept.New(cfg, conn, rec)
	stmts := sqlast.Split(conn.Dialect(), script)
	if loop {
		runLoop(ctx, opt, stmts)
	} else {
		for i, sql := range stmts {
			printStatement(ctx, opt, i+1, sql, cfg.Plan.Enabled)
		}
	}
	return finish(ctx, cfg, rec, len(stmts))
}

func openConn(cfg config.Config) (*db.Conn, error) {
	var (
		conn *db.Conn
		err  error
	)
	if cfg.Driver != "" {
		conn, err = db.OpenDriver(cfg.Driver, cfg.DSN)
	} else {
		conn, err = db.Open(cfg.DSN)
	}
	if err != nil {
		return nil, err
	}
	conn.SetExplainFormat(cfg.Plan.ExplainFormat)
	return conn, nil
}

func printStatement(ctx context.Context, opt *intercept.Optimizer, n int, sql string, explain bool) {
	fmt.Println(highlight.Title(fmt.Sprintf("-- statement %d", n)))
	p := opt.Prepare(intercept.Statement{SQL: sql})
	if p.Norm == nil {
		fmt.Println(highlight.SQL(sql))
		fmt.Println("-- not normalized, sent unchanged")
		return
	}
	fmt.Printf("-- shape: %s\n", p.Norm.Shape.Text)
	for _, a := range p.Applied {
		fmt.Printf("-- rewrite: %s\n", a.Rule)
	}
	fmt.Println(highlight.SQL(p.Norm.Inline()))
	if !explain {
		return
	}
	advice := opt.Observe(ctx, intercept.Statement{SQL: p.SQL, Args: p.Args})
	if advice.Plan != nil {
		fmt.Println(highlight.Plan(advice.Plan.String()))
	}
	switch {
	case advice.Created:
		fmt.Printf("-- created index %s\n", advice.Proposal)
	case advice.Proposal != nil:
		fmt.Printf("-- proposed index %s\n", advice.Proposal)
	case advice.Reason != "":
		fmt.Printf("-- no index: %s\n", advice.Reason)
	}
}

func runLoop(ctx context.Context, opt *intercept.Optimizer, stmts []string) {
	scope := opt.Enter()
	results := make([]*detect.Result, 0, len(stmts))
	for i, sql := range stmts {
		res, err := opt.Dispatch(ctx, scope, intercept.Statement{SQL: sql, CallSite: "script"})
		if err != nil {
			util.Errorf("statement %d: %v", i+1, err)
			results = append(results, detect.Resolved(nil, err))
			continue
		}
		results = append(results, res)
	}
	if scope != nil {
		if err := scope.Exit(ctx); err != nil {
			util.Errorf("exit loop: %v", err)
		}
	}
	for i, res := range results {
		rows, err := res.Rows(ctx)
		if err != nil {
			fmt.Printf("-- statement %d: error: %v\n", i+1, err)
			continue
		}
		mode := "direct"
		if res.Batched() {
			mode = "batched"
		}
		fmt.Printf("-- statement %d: %d row(s), %s\n", i+1, rows.Len(), mode)
	}
}

func finish(ctx context.Context, cfg config.Config, rec *report.Recorder, statements int) error {
	details := map[string]any{
		"statements": statements,
		"driver":     cfg.Driver,
	}
	if info := runinfo.FromEnv(); info != nil {
		details["run"] = info.Details()
	}
	summary, err := rec.Close(details)
	if err != nil {
		return err
	}
	for _, kind := range []report.Kind{report.KindRewrite, report.KindBatch, report.KindIndex, report.KindAlert, report.KindSkip} {
		for _, outcome := range []string{
			report.OutcomeApplied, report.OutcomeFallback, report.OutcomeIneligible, report.OutcomeDiscarded,
			report.OutcomeProposed, report.OutcomeCreated, report.OutcomeFailed,
		} {
			if n := rec.Count(kind, outcome); n > 0 {
				util.Infof("%s/%s: %d", kind, outcome, n)
			}
		}
	}
	if summary.SessionDir == "" || !cfg.Storage.CloudEnabled() {
		return nil
	}
	up, err := uploader.New(cfg.Storage)
	if err != nil {
		return err
	}
	location, err := up.UploadDir(ctx, summary.SessionDir)
	if err != nil {
		util.Warnf("upload session failed: %v", err)
		return nil
	}
	summary.UploadLocation = location
	util.Highlightf("session uploaded to %s", location)
	return rec.UpdateSummary(summary)
}
