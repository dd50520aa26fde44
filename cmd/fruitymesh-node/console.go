package main

import (
    "bufio"
    "context"
    "fmt"
    "io"
    "strings"

    "go.uber.org/zap"

    "github.com/JosefGst/fruitymesh/pkg/module"
)

type commander interface {
    Command(ctx context.Context, tokens []string) (module.CommandResult, error)
}

// console feeds whitespace-separated lines from r to the node until r ends
// or ctx is done.
func console(ctx context.Context, r io.Reader, w io.Writer, n commander) {
    sc := bufio.NewScanner(r)
    for sc.Scan() {
        tokens := strings.Fields(sc.Text())
        if len(tokens) == 0 { continue }
        res, err := n.Command(ctx, tokens)
        if err != nil {
            zap.L().Debug("console stopped", zap.Error(err))
            return
        }
        if res == module.Unhandled {
            fmt.Fprintf(w, "unknown command: %s\n", tokens[0])
            continue
        }
        fmt.Fprintln(w, res)
    }
}
