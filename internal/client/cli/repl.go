package cli

import (
	"bufio"
	"context"
	"fmt"
	"strings"
)

// printlnFn is a test seam for user-facing output. In tests, replace it with a stub.
var printlnFn = fmt.Println

// execIface defines the minimal command surface the REPL needs to operate.
// The real App type satisfies this interface; tests can provide a lightweight stub.
type execIface interface {
	AddRecord(ctx context.Context) error
	AddEvent(ctx context.Context) error
	Show(ctx context.Context, args []string) error
	Reschedule(ctx context.Context, args []string) error
	Remove(ctx context.Context, args []string) error
	Reconcile(ctx context.Context, args []string) error
	Delete(ctx context.Context, args []string) error
	Sync(ctx context.Context) error
}

const helpText = "Available commands: addrecord, addevent, show <type> <id> [refresh], " +
	"reschedule <event-id>, remove <event-id> [reason], reconcile <record-id> <number>, " +
	"delete <type> <id>, sync, exit"

// runREPL starts a read-eval-print loop for the device console.
//
// It reads a line from reader, parses the first token as the
// command, and dispatches to methods on 'a' with the remaining tokens as
// arguments. The loop exits on EOF or when the user types "exit" or
// "quit".
//
// Commands that prompt for more input read from the same reader. Errors
// returned by command handlers are printed and the loop continues.
func runREPL(ctx context.Context, a execIface, statusFn func() string, reader *bufio.Reader) {
	for {
		printlnFn(fmt.Sprintf("appt %s> ", statusFn()))
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return
		}
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		cmd, args := parts[0], parts[1:]

		err = nil
		switch cmd {
		case "help":
			printlnFn(helpText)
		case "addrecord":
			err = a.AddRecord(ctx)
		case "addevent":
			err = a.AddEvent(ctx)
		case "show":
			err = a.Show(ctx, args)
		case "reschedule":
			err = a.Reschedule(ctx, args)
		case "remove":
			err = a.Remove(ctx, args)
		case "reconcile":
			err = a.Reconcile(ctx, args)
		case "delete":
			err = a.Delete(ctx, args)
		case "sync":
			err = a.Sync(ctx)
		case "exit", "quit":
			printlnFn("Bye!")
			return
		default:
			printlnFn("Unknown command:", cmd)
		}

		if err != nil {
			printlnFn("Error:", err)
		}
	}
}
