// Package anonssh provides an SSH transport for the rsync daemon: a
// module can be reached either over a plain TCP rsync:// listener or
// over SSH, anonymously (any client key accepted, host key is
// ephemeral) or with an authorized_keys allowlist. Either way, once a
// session is accepted its "exec" request is handed to the same daemon
// re-exec callback the remote-shell client path already uses
// (internal/maincmd.Main), so the framed channel itself never has to
// know which transport carried it.
package anonssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/gokrazy/rsync/internal/log"
	"github.com/gokrazy/rsync/internal/rsyncdconfig"
	"github.com/gokrazy/rsync/internal/rsyncos"
	"golang.org/x/crypto/ssh"
)

// Listener holds the SSH server configuration derived from one
// rsyncdconfig.Listener entry.
type Listener struct {
	config *ssh.ServerConfig
}

// ListenerFromConfig builds the ssh.ServerConfig for lc: anonymous (no
// client authentication) if lc.AuthorizedSSH.Address is unset, or
// restricted to the keys in lc.AuthorizedSSH.AuthorizedKeys otherwise.
func ListenerFromConfig(osenv *rsyncos.Env, lc rsyncdconfig.Listener) (*Listener, error) {
	cfg := &ssh.ServerConfig{}

	if addr := lc.AuthorizedSSH.Address; addr != "" {
		authorized, err := loadAuthorizedKeys(lc.AuthorizedSSH.AuthorizedKeys)
		if err != nil {
			return nil, err
		}
		cfg.PublicKeyCallback = func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			marshaled := string(key.Marshal())
			if _, ok := authorized[marshaled]; !ok {
				return nil, fmt.Errorf("unauthorized key for user %q", conn.User())
			}
			return nil, nil
		}
	} else {
		cfg.NoClientAuth = true
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ephemeral SSH host key: %v", err)
	}
	signer, err := ssh.NewSignerFromSigner(priv)
	if err != nil {
		return nil, err
	}
	cfg.AddHostKey(signer)

	return &Listener{config: cfg}, nil
}

func loadAuthorizedKeys(path string) (map[string]bool, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading authorized_keys: %v", err)
	}
	out := make(map[string]bool)
	rest := contents
	for len(rest) > 0 {
		var pk ssh.PublicKey
		pk, _, _, rest, err = ssh.ParseAuthorizedKey(rest)
		if err != nil {
			break
		}
		out[string(pk.Marshal())] = true
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no usable keys found in %s", path)
	}
	return out, nil
}

// Handler is invoked once per accepted "exec" request, with the argv
// the client sent split as maincmd.Main expects (args[0] is
// conventionally "rsync" for compatibility with upstream's argv[0]
// handling, but this implementation ignores it).
type Handler func(args []string, stdin io.Reader, stdout, stderr io.Writer) error

// Serve accepts connections on ln until ctx is done, running the SSH
// handshake per l's configuration and invoking handle for each "exec"
// request on each accepted session channel.
func Serve(ctx context.Context, osenv *rsyncos.Env, ln net.Listener, l *Listener, cfg *rsyncdconfig.Config, handle Handler) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go func() {
			defer conn.Close()
			if err := serveConn(conn, l, handle); err != nil {
				osenv.Logf("anonssh: %s: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

func serveConn(conn net.Conn, l *Listener, handle Handler) error {
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, l.config)
	if err != nil {
		return fmt.Errorf("ssh handshake: %v", err)
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			return fmt.Errorf("accepting channel: %v", err)
		}
		go handleSession(channel, requests, handle)
	}
	return nil
}

func handleSession(channel ssh.Channel, requests <-chan *ssh.Request, handle Handler) {
	defer channel.Close()
	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)

			args, err := splitCommand(payload.Command)
			if err != nil {
				log.Printf("anonssh: invalid exec command: %v", err)
				channel.Close()
				return
			}
			err = handle(args, channel, channel, channel.Stderr())
			status := uint32(0)
			if err != nil {
				status = 1
				fmt.Fprintf(channel.Stderr(), "%v\n", err)
			}
			channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
			return
		default:
			req.Reply(false, nil)
		}
	}
}

func splitCommand(command string) ([]string, error) {
	// The rsync remote-shell calling convention sends a single
	// already-quoted command line; shlex-free whitespace splitting is
	// sufficient here because internal/maincmd.doCmd is the only
	// producer of these command lines and never quotes arguments.
	var args []string
	var cur []byte
	for i := 0; i < len(command); i++ {
		c := command[i]
		if c == ' ' {
			if len(cur) > 0 {
				args = append(args, string(cur))
				cur = nil
			}
			continue
		}
		cur = append(cur, c)
	}
	if len(cur) > 0 {
		args = append(args, string(cur))
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return args, nil
}
