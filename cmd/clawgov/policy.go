package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/basket/clawgov/internal/config"
	"github.com/basket/clawgov/internal/policy"
)

type policyView struct {
	Version           string              `json:"version"`
	AllowDomains      []string            `json:"allow_domains"`
	AllowLoopback     bool                `json:"allow_loopback"`
	DisabledProviders []string            `json:"disabled_providers"`
	ProviderDomains   map[string][]string `json:"provider_domains,omitempty"`
}

// runPolicyCommand edits policy.yaml in place. A running server picks the
// change up through its watcher.
func runPolicyCommand(_ context.Context, args []string, out io.Writer) int {
	const usageLine = "usage: clawgov policy show | allow-domain DOMAIN | disable-provider NAME | enable-provider NAME"
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usageLine)
		return 2
	}
	path := config.PolicyPath(config.HomeDir())
	current, err := policy.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "policy: %v\n", err)
		return 1
	}
	live := policy.NewLivePolicy(current, path)

	switch {
	case args[0] == "show" && len(args) == 1:
	case args[0] == "allow-domain" && len(args) == 2:
		err = live.AllowDomain(args[1])
	case args[0] == "disable-provider" && len(args) == 2:
		err = live.DisableProvider(args[1])
	case args[0] == "enable-provider" && len(args) == 2:
		err = live.EnableProvider(args[1])
	default:
		fmt.Fprintln(os.Stderr, usageLine)
		return 2
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "policy: %v\n", err)
		return 1
	}

	snap := live.Snapshot()
	_ = printJSON(out, policyView{
		Version:           live.PolicyVersion(),
		AllowDomains:      nonNil(snap.AllowDomains),
		AllowLoopback:     snap.AllowLoopback,
		DisabledProviders: nonNil(snap.DisabledProviders),
		ProviderDomains:   snap.ProviderDomains,
	})
	return 0
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
