package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/basket/clawgov/internal/ipc"
)

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printResponse writes resp and maps it to an exit code.
func printResponse(out io.Writer, resp *ipc.Response) int {
	if resp == nil {
		fmt.Fprintln(os.Stderr, "request already processed")
		return 0
	}
	if err := printJSON(out, resp); err != nil {
		fmt.Fprintf(os.Stderr, "encode: %v\n", err)
		return 1
	}
	if !resp.OK {
		return 1
	}
	return 0
}

// isTerminal reports whether out is an interactive terminal.
func isTerminal(out io.Writer) bool {
	f, ok := out.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
