// Command vmnetd-client connects to a vmnetd socket and runs a command with
// the connection as its file descriptor 3.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/codewiresh/vmnetd/internal/client"
)

var version = "dev"

func main() {
	code := 1
	cmd := &cobra.Command{
		Use:           "vmnetd-client SOCKET COMMAND [ARGS...]",
		Short:         "Run COMMAND with a vmnetd connection on fd 3",
		Version:       version,
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			argv := client.ChildArgs(args[1:])
			if len(argv) == 0 {
				return fmt.Errorf("no command given")
			}
			sock, err := client.Connect(args[0])
			if err != nil {
				return err
			}
			var debug io.Writer
			if os.Getenv("DEBUG") != "" {
				debug = os.Stderr
			}
			code, err = client.Run(sock, argv, debug)
			return err
		},
	}
	// Everything after SOCKET belongs to the command.
	cmd.Flags().SetInterspersed(false)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "vmnetd-client: %v\n", err)
		os.Exit(1)
	}
	os.Exit(code)
}
