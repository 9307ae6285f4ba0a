// Package maincmd implements a subset of the '$ rsync' CLI surface, namely that it can:
//   - serve as a server daemon over TCP, SSH (anonymous or authorized_keys), or
//     plain SSH session stdin/stdout (the remote-shell calling convention)
//   - act as "client" CLI for connecting to the server
package maincmd

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/gokrazy/rsync/internal/anonssh"
	"github.com/gokrazy/rsync/internal/restrict"
	"github.com/gokrazy/rsync/internal/rsyncdconfig"
	"github.com/gokrazy/rsync/internal/rsyncopts"
	"github.com/gokrazy/rsync/internal/rsyncos"
	"github.com/gokrazy/rsync/internal/rsyncstats"
	"github.com/gokrazy/rsync/rsyncd"
)

// tlsListener wraps ln so that accepted connections require a TLS
// handshake using the given certificate/key pair.
func tlsListener(ln net.Listener, certFile, keyFile string) (net.Listener, error) {
	if certFile == "" || keyFile == "" {
		return nil, fmt.Errorf("--tls requires --gokr.tls_cert and --gokr.tls_key")
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("loading TLS certificate: %v", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
	}
	return tls.NewListener(ln, cfg), nil
}

func version(osenv *rsyncos.Env) {
	osenv.Logf("gokrazy rsync, pid %d", os.Getpid())
}

type readWriter struct {
	r io.Reader
	w io.Writer
}

func (r *readWriter) Read(p []byte) (n int, err error)  { return r.r.Read(p) }
func (r *readWriter) Write(p []byte) (n int, err error) { return r.w.Write(p) }

// stdioAddr stands in for net.Addr on transports (remote-shell stdin/stdout,
// SSH session channels) that have no socket address of their own.
type stdioAddr string

func (a stdioAddr) Network() string { return "stdio" }
func (a stdioAddr) String() string  { return string(a) }

func Main(ctx context.Context, osenv *rsyncos.Env, args []string, cfg *rsyncdconfig.Config) (*rsyncstats.TransferStats, error) {
	osenv.Logf("Main(osenv=%v, args=%q)", osenv, args)
	pc, err := rsyncopts.ParseArguments(osenv, args[1:])
	if err != nil {
		if pe, ok := err.(*rsyncopts.PoptError); ok &&
			pe.Errno == rsyncopts.POPT_ERROR_BADOPT &&
			strings.HasPrefix(pe.Error(), "--gokr.") {
			return nil, fmt.Errorf("%v (you need to specify --daemon before flags starting with --gokr are available)", pe)
		}
		return nil, err
	}
	opts := pc.Options
	remaining := pc.RemainingArgs

	// calling convention: daemon mode over remote shell (also builtin SSH)
	// Example: --server --daemon .
	if opts.Daemon() && opts.Server() {
		if cfg == nil {
			var err error
			cfg, _, err = rsyncdconfig.FromDefaultFiles()
			if err != nil {
				return nil, err
			}
		}
		srv, err := rsyncd.NewServer(cfg.Modules, rsyncd.WithStderr(osenv.Stderr))
		if err != nil {
			return nil, err
		}
		conn := &readWriter{r: osenv.Stdin, w: osenv.Stdout}
		return nil, srv.HandleDaemonConn(ctx, osenv.Std, conn, stdioAddr("<remote-shell-daemon>"))
	}

	// calling convention: command mode (over remote shell or locally)
	// Example: --server --sender -vvvvlogDtpre.iLsfxCIvu . .
	if opts.Server() {
		srv, err := rsyncd.NewServer(nil, rsyncd.WithStderr(osenv.Stderr))
		if err != nil {
			return nil, err
		}

		if len(remaining) < 2 {
			return nil, fmt.Errorf("invalid args: at least one directory required")
		}
		if got, want := remaining[0], "."; got != want {
			return nil, fmt.Errorf("protocol error: got %q, expected %q", got, want)
		}
		paths := remaining[1:]
		if opts.Verbose() {
			osenv.Logf("paths: %q", paths)
		}
		var roDirs, rwDirs []string
		if opts.Sender() {
			roDirs = append(roDirs, paths...)
		} else {
			for _, path := range paths {
				if err := os.MkdirAll(path, 0755); err != nil {
					return nil, err
				}
			}
			rwDirs = append(rwDirs, paths...)
		}
		if osenv.Restrict() {
			if err := restrict.MaybeFileSystem(roDirs, rwDirs); err != nil {
				return nil, err
			}
		}
		conn := srv.NewConnection(osenv.Stdin, osenv.Stdout)
		const negotiate = true
		return nil, srv.HandleConn(nil, conn, paths, opts, negotiate)
	}

	if !opts.Daemon() {
		if !osenv.DontRestrict {
			osenv.DontRestrict = opts.GokrazyClient.DontRestrict == 1
		}
		return clientMain(ctx, osenv, opts, remaining)
	}

	// daemon_main(): start a daemon in TCP/SSH listening mode.
	version(osenv)

	var cfgfn string
	var cfgErr error
	if cfg == nil {
		if opts.GokrazyDaemon.Config != "" {
			cfgfn = opts.GokrazyDaemon.Config
			cfg, cfgErr = rsyncdconfig.FromFile(cfgfn)
		} else {
			cfg, cfgfn, cfgErr = rsyncdconfig.FromDefaultFiles()
		}
		if cfgErr != nil {
			if os.IsNotExist(cfgErr) {
				osenv.Logf("config file not found, relying on flags")
				cfg = &rsyncdconfig.Config{
					Listeners: []rsyncdconfig.Listener{
						{Rsyncd: opts.GokrazyDaemon.Listen},
					},
					Modules: []rsyncd.Module{},
				}
			} else {
				return nil, cfgErr
			}
		} else {
			osenv.Logf("config file %s loaded", cfgfn)
		}
	}

	if os.IsNotExist(cfgErr) {
		if opts.GokrazyDaemon.Listen == "" {
			return nil, fmt.Errorf("--gokr.listen not specified, and config file not found: %v", cfgErr)
		}
		if opts.GokrazyDaemon.ModuleMap == "" {
			opts.GokrazyDaemon.ModuleMap = "nonex=/nonexistant/path"
		}
	} else if len(cfg.Listeners) == 0 {
		return nil, fmt.Errorf("no rsyncd listeners configured, add a [[listener]] to %s", cfgfn)
	}

	if len(cfg.Listeners) != 1 {
		return nil, fmt.Errorf("not precisely 1 rsyncd listener specified")
	}
	listenerCfg := cfg.Listeners[0]

	if moduleMap := opts.GokrazyDaemon.ModuleMap; moduleMap != "" {
		parts := strings.Split(moduleMap, "=")
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed --gokr.modulemap parameter %q, expected <modulename>=<path>", moduleMap)
		}
		cfg.Modules = append(cfg.Modules, rsyncd.Module{
			Name: parts[0],
			Path: parts[1],
		})
	}
	osenv.Logf("%d rsync modules configured in total", len(cfg.Modules))
	for _, mod := range cfg.Modules {
		osenv.Logf("rsync module %q with path %s configured", mod.Name, mod.Path)
	}

	// File names travel as bytes and are decoded with the negotiated
	// charset; this implementation only speaks UTF-8 (the default).
	switch strings.ToLower(opts.GokrazyDaemon.Charset) {
	case "", "utf-8", "utf8":
	default:
		return nil, fmt.Errorf("unsupported charset %q (only utf-8 is supported)", opts.GokrazyDaemon.Charset)
	}

	srvOpts := []rsyncd.Option{rsyncd.WithStderr(osenv.Stderr)}
	if t := opts.GokrazyDaemon.Timeout; t > 0 {
		srvOpts = append(srvOpts, rsyncd.WithReadTimeout(time.Duration(t)*time.Millisecond))
	}
	if opts.GokrazyDaemon.DeferWrite != 0 {
		srvOpts = append(srvOpts, rsyncd.WithDeferWrite())
	}
	if n := opts.GokrazyDaemon.Threads; n > 0 {
		srvOpts = append(srvOpts, rsyncd.WithConnectionLimit(int64(n)))
	}
	srv, err := rsyncd.NewServer(cfg.Modules, srvOpts...)
	if err != nil {
		return nil, err
	}
	if osenv.Restrict() {
		if err := srv.RestrictToModules(); err != nil {
			return nil, err
		}
	}

	switch {
	case listenerCfg.AuthorizedSSH.Address != "":
		if listenerCfg.AuthorizedSSH.AuthorizedKeys == "" {
			return nil, fmt.Errorf("misconfiguration: authorized_keys must not be empty when using an authorized_ssh listener")
		}
		ln, err := net.Listen("tcp", listenerCfg.AuthorizedSSH.Address)
		if err != nil {
			return nil, err
		}
		sshListener, err := anonssh.ListenerFromConfig(osenv, listenerCfg)
		if err != nil {
			return nil, err
		}
		osenv.Logf("rsync daemon listening (authorized SSH) on %s", ln.Addr())
		return nil, anonssh.Serve(ctx, osenv, ln, sshListener, cfg, reexecHandler(ctx, cfg))

	case listenerCfg.AnonSSH != "":
		ln, err := net.Listen("tcp", listenerCfg.AnonSSH)
		if err != nil {
			return nil, err
		}
		sshListener, err := anonssh.ListenerFromConfig(osenv, listenerCfg)
		if err != nil {
			return nil, err
		}
		osenv.Logf("rsync daemon listening (anon SSH) on %s", ln.Addr())
		return nil, anonssh.Serve(ctx, osenv, ln, sshListener, cfg, reexecHandler(ctx, cfg))

	default:
		if listenerCfg.Rsyncd == "" {
			return nil, fmt.Errorf("listener has neither rsyncd, anonssh, nor authorized_ssh set")
		}
		ln, err := net.Listen("tcp", listenerCfg.Rsyncd)
		if err != nil {
			return nil, err
		}
		// Bind first (873 needs privilege), then shed it.
		if err := dropPrivileges(osenv); err != nil {
			return nil, err
		}
		if opts.GokrazyDaemon.TLS != 0 {
			// The daemon only terminates TLS on an operator-provisioned
			// cert/key pair; provisioning is the operator's problem. A
			// TLS transport gives the session driver no interrupt
			// point, so sessions accepted here always run to
			// completion or failure.
			ln, err = tlsListener(ln, opts.GokrazyDaemon.TLSCert, opts.GokrazyDaemon.TLSKey)
			if err != nil {
				return nil, err
			}
			osenv.Logf("rsync daemon listening (TLS) on rsync://%s", ln.Addr())
		} else {
			osenv.Logf("rsync daemon listening on rsync://%s", ln.Addr())
		}
		return nil, srv.Serve(ctx, ln)
	}
}

// reexecHandler adapts an SSH "exec" request into another Main() call
// over the session's own stdin/stdout/stderr, the same calling
// convention a remote shell invocation of this binary would use.
func reexecHandler(ctx context.Context, cfg *rsyncdconfig.Config) anonssh.Handler {
	return func(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
		childEnv := &rsyncos.Env{
			Std: rsyncos.Std{
				Stdin:  stdin,
				Stdout: stdout,
				Stderr: stderr,
			},
			// The listening process already engaged OS-level
			// sandboxing (if any) for the module paths; avoid
			// layering a second ruleset per connection.
			DontRestrict: true,
		}
		_, err := Main(ctx, childEnv, args, cfg)
		return err
	}
}
