package cmd

import (
	"context"
	"fmt"
	"os"
)

const usage = `chat-relay forwards OpenAI-style chat completions to a single upstream,
checking client credentials and relaying event streams.

Usage:
  chat-relay <command> [flags]

Commands:
  serve    Listen for chat completion requests
  help     Print this message

Run "chat-relay serve -h" for the serve flags.
`

// Execute dispatches args[0] to its command.
func Execute(ctx context.Context, args []string) error {
	command := "help"
	if len(args) > 0 {
		command = args[0]
		args = args[1:]
	}

	switch command {
	case "serve":
		return serve(ctx, args)
	case "help", "-h", "--help":
		fmt.Fprint(os.Stdout, usage)
		return nil
	}
	return fmt.Errorf("unknown command %q (see \"chat-relay help\")", command)
}
