package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/basket/clawgov/internal/audit"
	"github.com/basket/clawgov/internal/catalog"
	"github.com/basket/clawgov/internal/config"
	"github.com/basket/clawgov/internal/dispatch"
	"github.com/basket/clawgov/internal/doctor"
	"github.com/basket/clawgov/internal/persistence"
)

func runInitCommand(_ context.Context, args []string, out io.Writer) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: clawgov init")
		return 2
	}
	home := config.HomeDir()
	written, err := config.WriteStarter(home)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		return 1
	}
	if len(written) == 0 {
		fmt.Fprintf(out, "%s already initialized\n", home)
		return 0
	}
	for _, p := range written {
		fmt.Fprintf(out, "wrote %s\n", p)
	}
	return 0
}

func runSecretCommand(_ context.Context, args []string, out io.Writer) int {
	if len(args) != 3 || args[0] != "set" {
		fmt.Fprintln(os.Stderr, "usage: clawgov secret set GROUP SECRET")
		return 2
	}
	if err := config.SetCallerSecret(config.HomeDir(), args[1], args[2]); err != nil {
		fmt.Fprintf(os.Stderr, "secret: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "secret for %s updated\n", args[1])
	return 0
}

func runDispatchCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := pflag.NewFlagSet("dispatch", pflag.ContinueOnError)
	batch := fs.Int("batch", 0, "maximum tasks to consider")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	return withApp(ctx, os.Stderr, func(a *app) int {
		n, err := dispatch.Pass(ctx, a.kernel, *batch, a.logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "dispatch: %v\n", err)
			return 1
		}
		_ = printJSON(out, map[string]int{"dispatched": n})
		return 0
	})
}

func runProductsCommand(ctx context.Context, args []string, out io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: clawgov products import FILE | list")
		return 2
	}
	switch args[0] {
	case "import":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: clawgov products import FILE")
			return 2
		}
		return withApp(ctx, os.Stderr, func(a *app) int {
			n, err := catalog.Import(ctx, a.store, args[1], a.logger)
			if err != nil {
				fmt.Fprintf(os.Stderr, "import: %v\n", err)
				return 1
			}
			_ = printJSON(out, map[string]int{"imported": n})
			return 0
		})
	case "list":
		return withApp(ctx, os.Stderr, func(a *app) int {
			products, err := a.store.ListProducts(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "list: %v\n", err)
				return 1
			}
			if products == nil {
				products = []persistence.Product{}
			}
			_ = printJSON(out, products)
			return 0
		})
	default:
		fmt.Fprintf(os.Stderr, "unknown products action %q\n", args[0])
		return 2
	}
}

const auditUsage = "usage: clawgov audit verify | log [--decision allow|deny] [--caller G] [--action PREFIX] [--since DUR] [--limit N]"

func runAuditCommand(ctx context.Context, args []string, out io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, auditUsage)
		return 2
	}
	switch args[0] {
	case "verify":
		if len(args) != 1 {
			fmt.Fprintln(os.Stderr, auditUsage)
			return 2
		}
		return withApp(ctx, os.Stderr, func(a *app) int {
			report, err := a.store.VerifyActivityChain(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "verify: %v\n", err)
				return 1
			}
			_ = printJSON(out, report)
			if !report.OK {
				return 1
			}
			return 0
		})
	case "log":
		return runAuditLog(ctx, args[1:], out)
	default:
		fmt.Fprintln(os.Stderr, auditUsage)
		return 2
	}
}

func runAuditLog(ctx context.Context, args []string, out io.Writer) int {
	fs := pflag.NewFlagSet("audit log", pflag.ContinueOnError)
	var f audit.Filter
	fs.StringVar(&f.Decision, "decision", "", "allow or deny")
	fs.StringVar(&f.Caller, "caller", "", "group folder of the caller")
	fs.StringVar(&f.ActionPrefix, "action", "", "action prefix, e.g. ext_call:")
	since := fs.Duration("since", 0, "only rows newer than this")
	fs.IntVar(&f.Limit, "limit", 0, "maximum rows")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	switch f.Decision {
	case "", audit.DecisionAllow, audit.DecisionDeny, audit.DecisionFatal:
	default:
		fmt.Fprintf(os.Stderr, "unknown decision %q\n", f.Decision)
		return 2
	}
	if *since > 0 {
		f.Since = time.Now().Add(-*since)
	}
	return withApp(ctx, os.Stderr, func(a *app) int {
		rows, err := audit.Query(ctx, a.store.DB(), f)
		if err != nil {
			fmt.Fprintf(os.Stderr, "audit log: %v\n", err)
			return 1
		}
		if rows == nil {
			rows = []audit.Row{}
		}
		_ = printJSON(out, rows)
		return 0
	})
}

func runDoctorCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := pflag.NewFlagSet("doctor", pflag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "JSON output")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil && !cfg.NeedsGenesis {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
	}
	var cfgPtr *config.Config
	if err == nil {
		cfgPtr = &cfg
	}
	diag := doctor.Run(ctx, cfgPtr, Version)

	if *jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
	} else {
		fmt.Fprintf(out, "clawgov doctor (%s)\n", diag.Timestamp.Format(time.RFC3339))
		fmt.Fprintf(out, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
		fmt.Fprintln(out, "---")
		for _, res := range diag.Results {
			fmt.Fprintf(out, "[%-4s] %-15s %s\n", res.Status, res.Name, res.Message)
			if res.Detail != "" {
				fmt.Fprintf(out, "       %s\n", res.Detail)
			}
		}
	}
	if diag.Failed() {
		return 1
	}
	return 0
}
