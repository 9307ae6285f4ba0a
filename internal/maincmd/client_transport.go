package maincmd

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gokrazy/rsync"
	"github.com/gokrazy/rsync/internal/auth"
	"github.com/gokrazy/rsync/internal/log"
	"github.com/gokrazy/rsync/internal/rsyncopts"
	"github.com/gokrazy/rsync/internal/rsyncos"
	"github.com/gokrazy/rsync/internal/rsyncstats"
)

// checkForHostspec recognizes the two rsync hostspec forms this client
// accepts: "rsync://host[:port]/module/path" and "host::module/path".
// A plain local path returns a non-nil error, signalling "not remote".
func checkForHostspec(arg string) (host, path string, port int, err error) {
	if rest, ok := strings.CutPrefix(arg, "rsync://"); ok {
		hostport, rest, ok := strings.Cut(rest, "/")
		if !ok {
			return "", "", 0, fmt.Errorf("malformed rsync:// URL: %q", arg)
		}
		h, p := splitHostPort(hostport, 873)
		return h, rest, p, nil
	}
	if h, rest, ok := strings.Cut(arg, "::"); ok {
		host, p := splitHostPort(h, 873)
		return host, rest, p, nil
	}
	return "", "", 0, fmt.Errorf("not a remote hostspec: %q", arg)
}

func splitHostPort(hostport string, defaultPort int) (string, int) {
	h, p, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, defaultPort
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return h, defaultPort
	}
	return h, port
}

// socketClient connects directly to a daemon over TCP (no remote
// shell), speaks the daemon greeting/module-select handshake, and
// hands off to clientRun.
func socketClient(ctx context.Context, osenv rsyncos.Std, opts *rsyncopts.Options, host, path string, port int, other string) (*rsyncstats.TransferStats, error) {
	_ = ctx // cancellation of an in-flight dial/session is not implemented yet
	if port == 0 {
		port = 873
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, 30*time.Second)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	fmt.Fprintf(conn, "@RSYNCD: %d\n", rsync.ProtocolVersion)
	rd := bufio.NewReader(conn)
	greeting, err := rd.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("reading daemon greeting: %v", err)
	}
	if !strings.HasPrefix(greeting, "@RSYNCD: ") {
		return nil, fmt.Errorf("invalid daemon greeting: %q", greeting)
	}

	module := path
	if idx := strings.IndexByte(path, '/'); idx >= 0 {
		module = path[:idx]
	}
	fmt.Fprintf(conn, "%s\n", module)

	status, err := rd.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("reading module ack: %v", err)
	}
	status = strings.TrimSpace(status)
	if challenge, ok := strings.CutPrefix(status, "@RSYNCD: AUTH REQD "); ok {
		// Same convention as upstream rsync: the password comes from
		// the environment, never from the command line.
		secret := os.Getenv("RSYNC_PASSWORD")
		if secret == "" {
			return nil, fmt.Errorf("module %q requires authentication, but RSYNC_PASSWORD is not set", module)
		}
		user := os.Getenv("USER")
		if user == "" {
			user = "rsync"
		}
		fmt.Fprintf(conn, "%s %s\n", user, auth.Response(secret, challenge))
		status, err = rd.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("reading auth ack: %v", err)
		}
		status = strings.TrimSpace(status)
	}
	if strings.HasPrefix(status, "@ERROR") {
		return nil, fmt.Errorf("daemon: %s", status)
	}
	if status != "@RSYNCD: OK" {
		return nil, fmt.Errorf("unexpected daemon status: %q", status)
	}

	for _, flag := range serverOptions(opts) {
		fmt.Fprintf(conn, "%s\n", flag)
	}
	// The requested path stays module-name-prefixed on the wire; the
	// daemon's path resolver insists on that leading segment.
	fmt.Fprintf(conn, ".\n%s\n\n", path)

	// The local path (source when pushing, destination when pulling)
	// is what the transfer operates on; the remote path already went
	// over the wire above.
	return clientRun(osenv, opts, &bufferedConn{Reader: rd, Conn: conn}, []string{other}, false)
}

// startInbandExchange performs the daemon-over-remote-shell greeting
// exchange (calling convention "daemonConnection == 1" in rsyncMain),
// after which the regular MUX-framed session begins exactly as it
// would over a bare socket.
func startInbandExchange(osenv rsyncos.Std, opts *rsyncopts.Options, conn *readWriter, module, path string) (bool, error) {
	rd := bufio.NewReader(conn)
	greeting, err := rd.ReadString('\n')
	if err != nil {
		return false, fmt.Errorf("reading daemon greeting: %v", err)
	}
	if !strings.HasPrefix(greeting, "@RSYNCD: ") {
		return false, fmt.Errorf("invalid daemon greeting: %q", greeting)
	}
	fmt.Fprintf(conn, "%s\n", module)
	status, err := rd.ReadString('\n')
	if err != nil {
		return false, err
	}
	status = strings.TrimSpace(status)
	if strings.HasPrefix(status, "@ERROR") {
		return false, fmt.Errorf("daemon: %s", status)
	}
	for _, flag := range serverOptions(opts) {
		fmt.Fprintf(conn, "%s\n", flag)
	}
	fmt.Fprintf(conn, ".\n%s\n\n", path)
	if opts.Verbose() {
		log.Printf("in-band daemon exchange complete for module %q", module)
	}
	return false, nil
}

// serverOptions reconstructs the flag list a remote peer's --server
// invocation needs, mirroring rsync/options.c:server_options. The
// --sender flag describes the REMOTE side's role: it is present
// exactly when the local side receives.
func serverOptions(opts *rsyncopts.Options) []string {
	args := []string{"--server"}
	if !opts.Sender() {
		args = append(args, "--sender")
	}
	if opts.Verbose() {
		args = append(args, "-v")
	}
	if opts.DryRun() {
		args = append(args, "-n")
	}
	if opts.Recurse() {
		args = append(args, "-r")
	}
	if opts.PreserveLinks() {
		args = append(args, "-l")
	}
	if opts.PreservePerms() {
		args = append(args, "-p")
	}
	if opts.PreserveMTimes() {
		args = append(args, "-t")
	}
	if opts.PreserveUid() {
		args = append(args, "-o")
	}
	if opts.PreserveGid() {
		args = append(args, "-g")
	}
	if opts.DeleteMode() {
		args = append(args, "--delete")
	}
	return args
}

// bufferedConn wires an already-buffered reader (used up for the
// greeting exchange) back into an io.ReadWriter for the framed session
// that follows.
type bufferedConn struct {
	Reader *bufio.Reader
	Conn   net.Conn
}

func (b *bufferedConn) Read(p []byte) (int, error)  { return b.Reader.Read(p) }
func (b *bufferedConn) Write(p []byte) (int, error) { return b.Conn.Write(p) }
