// Command taxcore runs the tax rule aggregation engine: importing evidence
// rules, aggregating them into canonical rules, building form schemas, and
// computing tax amounts from materialized brackets.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"taxcore/internal/blob"
	"taxcore/internal/config"
	"taxcore/internal/core"
	"taxcore/internal/infra/persistence/memory"
	"taxcore/internal/infra/persistence/postgres"
	"taxcore/internal/infra/persistence/sqlite"
	"taxcore/internal/llm"
	"taxcore/pkg/domain"
)

var exitFunc = os.Exit

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "taxcore: %v\n", err)
		exitFunc(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		usage(stderr)
		return fmt.Errorf("missing command")
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "import":
		return runImport(rest, stdout)
	case "aggregate":
		return runAggregate(rest, stdout)
	case "build-schema":
		return runBuildSchema(rest, stdout)
	case "calc":
		return runCalc(rest, stdout)
	case "help", "-h", "--help":
		usage(stdout)
		return nil
	default:
		usage(stderr)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: taxcore <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "commands:")
	fmt.Fprintln(w, "  import       -file <rules.json>            import evidence rules")
	fmt.Fprintln(w, "  aggregate    -type <tax type> -date <date> aggregate evidence into a canonical rule")
	fmt.Fprintln(w, "  build-schema -type <tax type> -date <date> [-strict] build and activate a form schema")
	fmt.Fprintln(w, "  calc         -type <tax type> -date <date> -income <amount> [-mode progressive|lookup]")
}

func newService(ctx context.Context) (*core.Service, domain.PersistentStore, error) {
	cfg, err := config.Load("")
	if err != nil {
		return nil, nil, err
	}

	engine := domain.NewRulesEngine()
	engine.Register(core.BracketOrderRule())
	engine.Register(core.ProvenanceIntegrityRule())
	engine.Register(core.SingleActiveSchemaRule())

	var store domain.PersistentStore
	switch cfg.Store.Driver {
	case "memory":
		store = memory.NewStore(engine)
	case "sqlite":
		store, err = sqlite.NewStore(cfg.Store.Path, engine)
	case "postgres":
		store, err = postgres.NewStore(cfg.Store.DSN, engine)
	default:
		err = fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	if err != nil {
		return nil, nil, err
	}

	opts := []core.Option{
		core.WithMetricsRecorder(core.NewExpvarMetricsRecorder("")),
	}
	if prom, err := core.NewPrometheusMetricsRecorder(nil); err == nil {
		opts = []core.Option{core.WithMetricsRecorder(prom)}
	}

	if archive, err := openArchive(ctx, cfg.Blob); err == nil && archive != nil {
		opts = append(opts, core.WithArchive(archive))
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "taxcore: archive disabled: %v\n", err)
	}

	if client, err := openModel(cfg.Model); err != nil {
		return nil, nil, err
	} else if client != nil {
		opts = append(opts, core.WithMerger(core.NewMerger(client)))
	}

	return core.NewService(store, opts...), store, nil
}

func openModel(cfg config.Model) (core.ModelClient, error) {
	if cfg.BaseURL == "" {
		client, err := llm.OpenFromEnv()
		if err != nil || client == nil {
			return nil, err
		}
		return client, nil
	}
	return llm.New(llm.Config{
		BaseURL:    cfg.BaseURL,
		Model:      cfg.Name,
		APIKey:     cfg.APIKey,
		Timeout:    time.Duration(cfg.TimeoutSeconds) * time.Second,
		MaxRetries: cfg.MaxRetries,
	})
}

// blobArchive adapts a blob.Store to the service's archive port.
type blobArchive struct {
	store blob.Store
}

func (a blobArchive) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := a.store.Put(ctx, key, bytes.NewReader(data), blob.PutOptions{ContentType: contentType})
	return err
}

func openArchive(ctx context.Context, cfg config.Blob) (core.Archive, error) {
	var (
		store blob.Store
		err   error
	)
	switch blob.Driver(cfg.Driver) {
	case "", blob.DriverFilesystem:
		store, err = blob.NewFilesystem(cfg.FSRoot)
	case blob.DriverMemory:
		store = blob.NewMemory()
	case blob.DriverS3:
		store, err = blob.OpenS3FromEnv(ctx)
	default:
		err = fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return blobArchive{store: store}, nil
}

func runImport(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	file := fs.String("file", "", "path to a JSON file containing one evidence rule or an array of them")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("import: -file is required")
	}
	data, err := os.ReadFile(*file)
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}
	var rules []domain.EvidenceRule
	if err := json.Unmarshal(data, &rules); err != nil {
		var single domain.EvidenceRule
		if err2 := json.Unmarshal(data, &single); err2 != nil {
			return fmt.Errorf("import: decode %s: %w", *file, err)
		}
		rules = []domain.EvidenceRule{single}
	}

	ctx := context.Background()
	svc, _, err := newService(ctx)
	if err != nil {
		return err
	}
	for _, rule := range rules {
		created, _, err := svc.ImportEvidenceRule(ctx, rule)
		if err != nil {
			return fmt.Errorf("import %s: %w", rule.ID, err)
		}
		fmt.Fprintf(stdout, "imported %s (%s effective %s)\n", created.ID, created.TaxType, created.EffectiveDate)
	}
	return nil
}

func runAggregate(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("aggregate", flag.ContinueOnError)
	taxType := fs.String("type", "", "tax type to aggregate")
	date := fs.String("date", "", "target effective date (YYYY-MM-DD)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	parsed, err := requireTypeAndDate(*taxType, *date)
	if err != nil {
		return fmt.Errorf("aggregate: %w", err)
	}

	ctx := context.Background()
	svc, _, err := newService(ctx)
	if err != nil {
		return err
	}
	outcome, err := svc.AggregateRules(ctx, parsed, *date)
	if err != nil {
		return fmt.Errorf("aggregate: %w", err)
	}
	fmt.Fprintf(stdout, "aggregated rule %s (strategy %s, %d brackets, %d conflicts)\n",
		outcome.Rule.ID, outcome.Strategy, len(outcome.Brackets), len(outcome.Conflicts))
	if outcome.Degraded {
		fmt.Fprintln(stdout, "aggregation degraded to a single source rule")
	}
	for _, w := range outcome.Warnings {
		fmt.Fprintf(stdout, "warning: %s\n", w)
	}
	return nil
}

func runBuildSchema(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("build-schema", flag.ContinueOnError)
	taxType := fs.String("type", "", "tax type to build a schema for")
	date := fs.String("date", "", "target effective date (YYYY-MM-DD)")
	strict := fs.Bool("strict", false, "fail instead of synthesizing when source data is incomplete")
	if err := fs.Parse(args); err != nil {
		return err
	}
	parsed, err := requireTypeAndDate(*taxType, *date)
	if err != nil {
		return fmt.Errorf("build-schema: %w", err)
	}

	ctx := context.Background()
	svc, _, err := newService(ctx)
	if err != nil {
		return err
	}
	schema, err := svc.BuildFormSchema(ctx, parsed, *date, *strict)
	if err != nil {
		return fmt.Errorf("build-schema: %w", err)
	}
	fmt.Fprintf(stdout, "built schema %s version %d (active=%t)\n", schema.ID, schema.Version, schema.IsActive)
	return nil
}

func runCalc(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("calc", flag.ContinueOnError)
	taxType := fs.String("type", "", "tax type to calculate")
	date := fs.String("date", "", "effective date (YYYY-MM-DD)")
	income := fs.String("income", "", "income amount")
	mode := fs.String("mode", "progressive", "calculation mode: progressive or lookup")
	if err := fs.Parse(args); err != nil {
		return err
	}
	parsed, err := requireTypeAndDate(*taxType, *date)
	if err != nil {
		return fmt.Errorf("calc: %w", err)
	}
	if *income == "" {
		return fmt.Errorf("calc: -income is required")
	}
	amount, err := decimal.NewFromString(*income)
	if err != nil {
		return fmt.Errorf("calc: invalid income %q: %w", *income, err)
	}

	ctx := context.Background()
	_, store, err := newService(ctx)
	if err != nil {
		return err
	}
	brackets, ruleID, err := bracketsFor(store, parsed, *date)
	if err != nil {
		return fmt.Errorf("calc: %w", err)
	}

	var tax decimal.Decimal
	switch *mode {
	case "progressive":
		tax = core.ProgressiveTax(brackets, amount)
	case "lookup":
		tax = core.LookupTax(brackets, amount)
	default:
		return fmt.Errorf("calc: unknown mode %q", *mode)
	}
	fmt.Fprintf(stdout, "rule %s: %s tax on income %s is %s\n", ruleID, *mode, amount.String(), tax.String())
	return nil
}

// bracketsFor returns the materialized brackets of the most recent aggregated
// rule for taxType effective on or before date.
func bracketsFor(store domain.PersistentStore, taxType domain.TaxType, date string) ([]domain.Bracket, string, error) {
	var best *domain.AggregatedRule
	for _, rule := range store.ListAggregatedRules() {
		if rule.TaxType != taxType || rule.EffectiveDate > date {
			continue
		}
		if best == nil || rule.EffectiveDate > best.EffectiveDate {
			r := rule
			best = &r
		}
	}
	if best == nil {
		return nil, "", fmt.Errorf("no aggregated rule for %s effective on or before %s", taxType, date)
	}
	brackets := store.ListBrackets(best.ID)
	if len(brackets) == 0 {
		return nil, "", fmt.Errorf("aggregated rule %s has no brackets", best.ID)
	}
	return brackets, best.ID, nil
}

func requireTypeAndDate(taxType, date string) (domain.TaxType, error) {
	if taxType == "" {
		return "", fmt.Errorf("-type is required")
	}
	if date == "" {
		return "", fmt.Errorf("-date is required")
	}
	if err := domain.ValidateISODate(date); err != nil {
		return "", err
	}
	return domain.ParseTaxType(taxType)
}
