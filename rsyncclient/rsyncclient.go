// Package rsyncclient offers a programmatic (non-CLI) entry point into
// the client half of a session: given an already-connected io.ReadWriter
// (a subprocess's stdin/stdout, a net.Conn, an io.Pipe pair, …) and a set
// of rsync-style CLI flags, it drives the handshake and the transfer to
// completion.
package rsyncclient

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/gokrazy/rsync"
	"github.com/gokrazy/rsync/internal/log"
	"github.com/gokrazy/rsync/internal/receiver"
	"github.com/gokrazy/rsync/internal/rsyncopts"
	"github.com/gokrazy/rsync/internal/rsyncos"
	"github.com/gokrazy/rsync/internal/rsyncstats"
	"github.com/gokrazy/rsync/internal/rsyncwire"
	"github.com/gokrazy/rsync/internal/sender"
)

// Option configures a Client at construction time.
type Option interface {
	apply(*Client)
}

type optionFunc func(*Client)

func (f optionFunc) apply(c *Client) { f(c) }

// WithSender makes the Client act as the sending side of the session
// (the peer then receives). The default is to receive.
func WithSender() Option {
	return optionFunc(func(c *Client) {
		c.opts.SetSender()
	})
}

// WithLogger overrides the logger used for diagnostic output; by default
// nothing is logged.
func WithLogger(logger log.Logger) Option {
	return optionFunc(func(c *Client) {
		c.logger = logger
	})
}

// WithDaemonConnection marks rw as a daemon connection whose textual
// @RSYNCD greeting the caller has already completed; Run then skips the
// binary protocol-version exchange of the --server calling convention
// (a daemon negotiates versions in the greeting instead).
func WithDaemonConnection() Option {
	return optionFunc(func(c *Client) {
		c.daemonConn = true
	})
}

// Client drives one client-side session, constructed with the CLI flags
// that would otherwise come from os.Args.
type Client struct {
	opts       *rsyncopts.Options
	logger     log.Logger
	daemonConn bool
}

// New parses args (an rsync-style flag set, e.g. []string{"-av"}) and
// returns a Client ready to Run.
func New(args []string, opts ...Option) (*Client, error) {
	pc, err := rsyncopts.ParseArguments(&rsyncos.Env{}, args)
	if err != nil {
		return nil, err
	}
	c := &Client{
		opts:   pc.Options,
		logger: log.New(io.Discard),
	}
	for _, o := range opts {
		o.apply(c)
	}
	return c, nil
}

// Run negotiates the protocol over rw and transfers paths, acting as
// sender or receiver per the options given to New.
func (c *Client) Run(ctx context.Context, rw io.ReadWriter, paths []string) error {
	_, err := c.run(ctx, rw, paths)
	return err
}

func (c *Client) run(ctx context.Context, rw io.ReadWriter, paths []string) (*rsyncstats.TransferStats, error) {
	crd, cwr := rsyncwire.CounterPair(rw, rw)
	conn := &rsyncwire.Conn{
		Reader: bufio.NewReader(crd),
		Writer: cwr,
	}

	if !c.daemonConn {
		if err := conn.WriteInt32(rsync.ProtocolVersion); err != nil {
			return nil, err
		}
		remoteProtocol, err := conn.ReadInt32()
		if err != nil {
			return nil, err
		}
		c.logger.Printf("remote protocol: %d", remoteProtocol)
	}

	seed, err := conn.ReadInt32()
	if err != nil {
		return nil, fmt.Errorf("reading seed: %v", err)
	}

	// Read the framed stream through crd, so that reads keep flushing
	// pending writes on the other half.
	mrd := rsyncwire.NewMultiplexReader(crd, func(m rsyncwire.Message) error {
		if m.Tag == rsync.MsgError || m.Tag == rsync.MsgErrorXfer {
			c.logger.Printf("remote error: %s", m.Body)
		}
		return nil
	})
	conn.Reader = bufio.NewReaderSize(mrd, 256*1024)

	if c.opts.Sender() {
		if len(paths) != 1 {
			return nil, fmt.Errorf("rsyncclient: exactly one source path supported, got %q", paths)
		}
		if c.opts.DeleteMode() {
			if err := conn.WriteInt32(0); err != nil {
				return nil, err
			}
		}
		st := &sender.Transfer{
			Logger: c.logger,
			Opts:   c.opts,
			Conn:   conn,
			Seed:   seed,
		}
		other := paths[0]
		trimPrefix := filepath.Base(filepath.Clean(other))
		if strings.HasSuffix(other, "/") {
			trimPrefix += "/"
		}
		return st.Do(crd, cwr, other, []string{trimPrefix}, nil)
	}

	if len(paths) != 1 {
		return nil, fmt.Errorf("rsyncclient: exactly one destination path supported, got %q", paths)
	}

	const exclusionListEnd = 0
	if err := conn.WriteInt32(exclusionListEnd); err != nil {
		return nil, err
	}

	rt := &receiver.Transfer{
		Logger: c.logger,
		Opts: &receiver.TransferOpts{
			DryRun: c.opts.DryRun(),

			DeleteMode:        c.opts.DeleteMode(),
			PreserveGid:       c.opts.PreserveGid(),
			PreserveUid:       c.opts.PreserveUid(),
			PreserveLinks:     c.opts.PreserveLinks(),
			PreservePerms:     c.opts.PreservePerms(),
			PreserveDevices:   c.opts.PreserveDevices(),
			PreserveSpecials:  c.opts.PreserveSpecials(),
			PreserveTimes:     c.opts.PreserveMTimes(),
			PreserveHardlinks: c.opts.PreserveHardLinks(),
		},
		Dest: paths[0],
		Conn: conn,
		Seed: seed,
	}
	fileList, err := rt.ReceiveFileList()
	if err != nil {
		return nil, err
	}
	return rt.Do(conn, fileList, false)
}
