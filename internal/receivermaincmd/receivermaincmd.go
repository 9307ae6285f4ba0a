// Package receivermaincmd is the thin entry point cmd/gokr-rsync's main()
// calls into, wiring process-level os.Args/stdio into internal/maincmd.Main.
package receivermaincmd

import (
	"context"
	"io"

	"github.com/gokrazy/rsync/internal/maincmd"
	"github.com/gokrazy/rsync/internal/rsyncos"
	"github.com/gokrazy/rsync/internal/rsyncstats"
)

// ClientMain runs one rsync CLI invocation (client, remote-shell server, or
// daemon, depending on args) against the given standard streams.
func ClientMain(args []string, stdin io.Reader, stdout, stderr io.Writer) (*rsyncstats.TransferStats, error) {
	osenv := &rsyncos.Env{
		Std: rsyncos.Std{
			Stdin:  stdin,
			Stdout: stdout,
			Stderr: stderr,
		},
	}
	return maincmd.Main(context.Background(), osenv, args, nil)
}
