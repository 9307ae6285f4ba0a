package rsyncd_test

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/gokrazy/rsync/internal/auth"
	"github.com/gokrazy/rsync/internal/rsyncos"
	"github.com/gokrazy/rsync/internal/testlogger"
	"github.com/gokrazy/rsync/rsyncd"
)

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

// startSession runs HandleDaemonConn on one end of a pipe and hands the
// test the other end, plus a channel carrying the handler's result.
func startSession(t *testing.T, modules []rsyncd.Module, addr net.Addr) (net.Conn, <-chan error) {
	t.Helper()
	srv, err := rsyncd.NewServer(modules, rsyncd.WithStderr(testlogger.New(t)))
	if err != nil {
		t.Fatal(err)
	}
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.HandleDaemonConn(context.Background(), rsyncos.Std{}, server, addr)
		server.Close()
	}()
	return client, errCh
}

func TestDaemonGreetingAndModuleListing(t *testing.T) {
	t.Parallel()

	modules := []rsyncd.Module{
		{Name: "x", Path: "/srv/x", Writable: true},
		{Name: "backup", Path: "/srv/backup", Comment: "nightly dumps"},
	}
	conn, _ := startSession(t, modules, fakeAddr("192.0.2.7:4711"))

	rd := bufio.NewReader(conn)
	greeting, err := rd.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(greeting, "@RSYNCD: ") {
		t.Fatalf("greeting = %q, want @RSYNCD: prefix", greeting)
	}
	fmt.Fprintf(conn, "@RSYNCD: 27\n")
	fmt.Fprintf(conn, "#list\n")

	var lines []string
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		line = strings.TrimSuffix(line, "\n")
		if line == "@RSYNCD: EXIT" {
			break
		}
		lines = append(lines, line)
	}
	if len(lines) != 2 {
		t.Fatalf("module list = %q, want 2 entries", lines)
	}
	if got, want := lines[0], "x\t"; got != want {
		t.Errorf("list entry 0 = %q, want %q", got, want)
	}
	if got, want := lines[1], "backup\tnightly dumps"; got != want {
		t.Errorf("list entry 1 = %q, want %q", got, want)
	}
}

func TestDaemonUnknownModule(t *testing.T) {
	t.Parallel()

	conn, errCh := startSession(t, []rsyncd.Module{{Name: "x", Path: "/srv/x"}}, fakeAddr("192.0.2.7:4711"))

	rd := bufio.NewReader(conn)
	if _, err := rd.ReadString('\n'); err != nil {
		t.Fatal(err)
	}
	fmt.Fprintf(conn, "@RSYNCD: 27\n")
	fmt.Fprintf(conn, "nonex\n")

	line, err := rd.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if got, want := strings.TrimSpace(line), "@ERROR: Unknown module 'nonex'"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if err := <-errCh; err == nil {
		t.Error("HandleDaemonConn returned nil, want module error")
	}
}

func TestDaemonRefusesOldProtocol(t *testing.T) {
	t.Parallel()

	conn, errCh := startSession(t, []rsyncd.Module{{Name: "x", Path: "/srv/x"}}, fakeAddr("192.0.2.7:4711"))

	rd := bufio.NewReader(conn)
	if _, err := rd.ReadString('\n'); err != nil {
		t.Fatal(err)
	}
	// One write: the daemon answers right after the greeting without
	// reading the module line, and net.Pipe has no buffer to hold it.
	fmt.Fprintf(conn, "@RSYNCD: 20\nx\n")

	line, err := rd.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(line, "@ERROR: protocol version") {
		t.Errorf("got %q, want protocol version error", line)
	}
	if err := <-errCh; err == nil {
		t.Error("HandleDaemonConn returned nil, want protocol error")
	}
}

func TestDaemonAuth(t *testing.T) {
	t.Parallel()

	modules := []rsyncd.Module{{
		Name:      "secure",
		Path:      "/srv/secure",
		AuthUsers: []string{"backup"},
		Secret:    "hunter2",
	}}

	t.Run("CorrectResponse", func(t *testing.T) {
		conn, _ := startSession(t, modules, fakeAddr("192.0.2.7:4711"))
		rd := bufio.NewReader(conn)
		if _, err := rd.ReadString('\n'); err != nil {
			t.Fatal(err)
		}
		fmt.Fprintf(conn, "@RSYNCD: 27\n")
		fmt.Fprintf(conn, "secure\n")

		line, err := rd.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		challenge, ok := strings.CutPrefix(strings.TrimSpace(line), "@RSYNCD: AUTH REQD ")
		if !ok {
			t.Fatalf("got %q, want AUTH REQD challenge", line)
		}
		fmt.Fprintf(conn, "backup %s\n", auth.Response("hunter2", challenge))

		line, err = rd.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		if got, want := strings.TrimSpace(line), "@RSYNCD: OK"; got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	})

	t.Run("WrongSecret", func(t *testing.T) {
		conn, errCh := startSession(t, modules, fakeAddr("192.0.2.7:4711"))
		rd := bufio.NewReader(conn)
		if _, err := rd.ReadString('\n'); err != nil {
			t.Fatal(err)
		}
		fmt.Fprintf(conn, "@RSYNCD: 27\n")
		fmt.Fprintf(conn, "secure\n")

		line, err := rd.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		challenge, ok := strings.CutPrefix(strings.TrimSpace(line), "@RSYNCD: AUTH REQD ")
		if !ok {
			t.Fatalf("got %q, want AUTH REQD challenge", line)
		}
		fmt.Fprintf(conn, "backup %s\n", auth.Response("wrong", challenge))

		line, err = rd.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		if !strings.HasPrefix(line, "@ERROR:") {
			t.Errorf("got %q, want @ERROR", line)
		}
		if err := <-errCh; err == nil {
			t.Error("HandleDaemonConn returned nil, want auth failure")
		}
	})
}

func TestDaemonACLDeny(t *testing.T) {
	t.Parallel()

	modules := []rsyncd.Module{{
		Name: "x",
		Path: "/srv/x",
		ACL:  []string{"deny all"},
	}}
	conn, errCh := startSession(t, modules, fakeAddr("192.0.2.7:4711"))

	rd := bufio.NewReader(conn)
	if _, err := rd.ReadString('\n'); err != nil {
		t.Fatal(err)
	}
	fmt.Fprintf(conn, "@RSYNCD: 27\n")
	fmt.Fprintf(conn, "x\n")

	line, err := rd.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(line, "@ERROR:") {
		t.Errorf("got %q, want @ERROR", line)
	}
	select {
	case err := <-errCh:
		if err == nil {
			t.Error("HandleDaemonConn returned nil, want ACL error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the session to end")
	}
}

func TestModuleNameValidation(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name string
		ok   bool
	}{
		{"data", true},
		{"data_2", true},
		{"DATA", true},
		{"da ta", false},
		{"da/ta", false},
		{"da.ta", false},
		{"", false},
	} {
		_, err := rsyncd.NewServer([]rsyncd.Module{{Name: tt.name, Path: "/srv/x"}})
		if tt.ok && err != nil {
			t.Errorf("module name %q rejected: %v", tt.name, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("module name %q accepted, want rejection", tt.name)
		}
	}
}
