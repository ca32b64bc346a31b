package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"modhost/internal/config"
	"modhost/internal/protocol"
	"modhost/internal/sandbox"
)

// runnerCmd is the sandbox side of the protocol. The loader re-execs
// this binary with the "runner" argument and owns its stdio; it is not
// meant to be invoked by hand.
var runnerCmd = &cobra.Command{
	Use:    "runner",
	Short:  "Serve a single mod over stdio (spawned by the loader)",
	Hidden: true,
	RunE:   serveRunner,
}

func serveRunner(cmd *cobra.Command, args []string) error {
	opts := sandbox.DefaultOptions()
	opts.DefaultRunTimeout = config.Duration(cfg.Runtime.RunTimeout, opts.DefaultRunTimeout)
	opts.InitTimeout = config.Duration(cfg.Runtime.InitTimeout, opts.InitTimeout)
	if cfg.Runtime.MaxStorageValueSize > 0 {
		opts.MaxStorageValueSize = cfg.Runtime.MaxStorageValueSize
	}

	conn := protocol.NewConn(stdio{}, logger.Named("conn"))
	runner := sandbox.NewRunner(conn, sandbox.NewGojaLoader(), logger.Named("runner"), opts)
	return runner.Serve()
}

// stdio fuses the process's stdin and stdout into the ReadWriteCloser
// the protocol layer expects. Closing severs stdin so the read loop
// unblocks; stdout is left to the process exit.
type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdio) Close() error                { return os.Stdin.Close() }

var _ io.ReadWriteCloser = stdio{}
