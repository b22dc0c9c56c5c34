package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/clawgov/internal/audit"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

const usage = `Usage: clawgov <command> [flags]

DAEMON:
  serve                          Run the kernel, dispatcher and IPC transport

TASKS:
  task create --id ID --title T --type TYPE --scope SCOPE [flags]
  task transition ID STATE [--reason R] [--expected-version N]
  task approve ID GATE [--notes N]
  task override ID --reason R --risk R --deadline RFC3339 [--expected-version N]
  task show ID
  task list [--state S] [--assigned G] [--product P] [--limit N]
  task history ID [--limit N]

EXTERNAL ACCESS:
  grant GROUP PROVIDER --level N [--allow a,b] [--deny c] [--gate G] [--product P]
  revoke GROUP PROVIDER
  call PROVIDER ACTION [--params JSON] [--task ID] [--key K] [--as GROUP]
  capabilities [GROUP]
  actions

ADMIN:
  init                           Write starter config.yaml and policy.yaml
  secret set GROUP SECRET        Store a caller signing secret
  policy show                    Print the egress policy and its version
  policy allow-domain DOMAIN     Allow webhook egress to DOMAIN
  policy disable-provider NAME   Switch a provider off (enable-provider undoes it)
  dispatch [--batch N]           Run one dispatch pass
  products import FILE           Sync a TOML product catalog
  products list
  audit verify                   Verify the activity hash chain
  audit log [--decision D] [--caller G] [--limit N]
                                 List recent access decisions
  doctor [--json]                Run diagnostic checks
  status [--json]                Summarize tasks, calls and capabilities

Task and access commands run in-process as the main group unless --as is
given. Results are printed as JSON.

ENVIRONMENT:
  CLAWGOV_HOME                   Data directory (default: ~/.clawgov)
  CLAWGOV_LOG_LEVEL              debug, info, warn or error
  CLAWGOV_SECRET_<GROUP>         Caller signing secret
`

func printUsage(w io.Writer) {
	fmt.Fprint(w, usage)
}

// command is the shape every subcommand shares so tests can drive them with
// captured output.
type command func(ctx context.Context, args []string, out io.Writer) int

var commands = map[string]command{
	"serve":        runServeCommand,
	"task":         runTaskCommand,
	"grant":        runGrantCommand,
	"revoke":       runRevokeCommand,
	"call":         runCallCommand,
	"capabilities": runCapabilitiesCommand,
	"actions":      runActionsCommand,
	"init":         runInitCommand,
	"secret":       runSecretCommand,
	"policy":       runPolicyCommand,
	"dispatch":     runDispatchCommand,
	"products":     runProductsCommand,
	"audit":        runAuditCommand,
	"doctor":       runDoctorCommand,
	"status":       runStatusCommand,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout))
}

func run(ctx context.Context, args []string, out io.Writer) int {
	if len(args) == 0 {
		printUsage(os.Stderr)
		return 2
	}
	name := strings.ToLower(strings.TrimSpace(args[0]))
	switch name {
	case "help", "-h", "--help":
		printUsage(out)
		return 0
	case "version", "--version":
		fmt.Fprintln(out, Version)
		return 0
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printUsage(os.Stderr)
		return 2
	}
	return cmd(ctx, args[1:], out)
}

// fatalStartup records a structured startup failure and exits.
func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), audit.Entry{
		Decision: audit.DecisionFatal,
		Action:   "runtime.startup",
		Reason:   reasonCode,
		Subject:  message,
	})

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
