package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/lacehq/lace/pkg/approval"
)

// terminalApprovalHandler prompts on stdin for each risky tool call.
// Resolution runs on its own goroutine so the broker's single-in-flight
// queueing works the same as with an async UI.
func terminalApprovalHandler() approval.Handler {
	return func(req *approval.Request) {
		go func() {
			fmt.Printf("\nTool %q requests permission to run.\n", req.ToolName)
			if len(req.Input) > 0 {
				fmt.Printf("Input: %s\n", string(req.Input))
			}
			fmt.Print("Allow? [y]es once / [a]lways this session / [n]o: ")

			reader := bufio.NewReader(os.Stdin)
			line, err := reader.ReadString('\n')
			if err != nil {
				req.Resolve(approval.Deny)
				return
			}
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "y", "yes":
				req.Resolve(approval.AllowOnce)
			case "a", "always":
				req.Resolve(approval.AllowSession)
			default:
				req.Resolve(approval.Deny)
			}
		}()
	}
}
