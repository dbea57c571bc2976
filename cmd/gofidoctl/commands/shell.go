package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// shellCommands lists the available commands for the interactive shell help output.
var shellCommands = []struct {
	name string
	desc string
}{
	{"devices [--all]", "List plugged-in authenticators"},
	{"register <appId> <challenge>", "Enroll a new credential"},
	{"authenticate <appId> <challenge> <keyHandle>", "Sign a challenge"},
	{"check <appId> <challenge> <keyHandle>", "Probe key handle ownership"},
	{"token-version", "Print the token's U2F version"},
	{"ping [--size n]", "Echo test against the token"},
	{"wink", "Flash the token"},
	{"lock <seconds>", "Reserve / release the token channel"},
	{"version", "Print build information"},
	{"help", "Show this help message"},
	{"exit / quit", "Leave the interactive shell"},
}

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive gofidoctl shell",
		Long:  "Launches a simple REPL that accepts gofidoctl subcommands. Type 'help', 'exit', or 'quit'.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			printShellBanner()
			scanner := bufio.NewScanner(os.Stdin)
			fmt.Print("gofidoctl> ")

			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())

				switch {
				case line == "exit" || line == "quit":
					return nil
				case line == "help" || line == "?":
					printShellHelp()
				case line != "":
					args := strings.Fields(line)
					rootCmd.SetArgs(args)

					if err := rootCmd.Execute(); err != nil {
						fmt.Fprintln(os.Stderr, "Error:", err)
					}
				}

				fmt.Print("gofidoctl> ")
			}

			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}

			return nil
		},
	}
}

func printShellBanner() {
	fmt.Println("gofidoctl interactive shell -- type 'help' for commands, 'exit' to leave")
}

func printShellHelp() {
	fmt.Println("Available commands:")
	for _, c := range shellCommands {
		fmt.Printf("  %-46s %s\n", c.name, c.desc)
	}
}
