package source

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	agenterrors "github.com/RosMarinas/OpenWRT-AutoConfigure/internal/errors"
)

type execResult struct {
	stdout string
	stderr string
	status uint32
	delay  time.Duration
}

// startSSHServer runs a minimal SSH server that answers exec requests with
// handler. It accepts user root with password "secret".
func startSSHServer(t *testing.T, handler func(cmd string) execResult) (string, int) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "root" && string(pass) == "secret" {
				return nil, nil
			}
			return nil, errors.New("denied")
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSSHConn(nc, cfg, handler)
		}
	}()

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return host, p
}

func serveSSHConn(nc net.Conn, cfg *ssh.ServerConfig, handler func(string) execResult) {
	conn, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		_ = nc.Close()
		return
	}
	defer func() { _ = conn.Close() }()
	go ssh.DiscardRequests(reqs)

	for nch := range chans {
		if nch.ChannelType() != "session" {
			_ = nch.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, requests, err := nch.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer func() { _ = ch.Close() }()
			for req := range requests {
				if req.Type != "exec" {
					_ = req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				_ = ssh.Unmarshal(req.Payload, &payload)
				_ = req.Reply(true, nil)

				res := handler(payload.Command)
				time.Sleep(res.delay)
				_, _ = ch.Write([]byte(res.stdout))
				_, _ = ch.Stderr().Write([]byte(res.stderr))
				_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{res.status}))
				return
			}
		}()
	}
}

func newTestSSHExporter(t *testing.T, host string, port int, timeout time.Duration) *SSHExporter {
	t.Helper()
	e, err := NewSSHExporter(SSHConfig{
		Host:                  host,
		Port:                  port,
		User:                  "root",
		Password:              "secret",
		InsecureIgnoreHostKey: true,
		Timeout:               timeout,
	})
	require.NoError(t, err)
	return e
}

func TestSSHExporter_RunsUCIExport(t *testing.T) {
	// Given: a device answering uci export
	commands := make(chan string, 2)
	host, port := startSSHServer(t, func(cmd string) execResult {
		commands <- cmd
		if cmd == "uci export network" {
			return execResult{stdout: "package network\r\n\r\nconfig interface 'lan'\r\n"}
		}
		return execResult{stdout: "package network\n\npackage wireless\n"}
	})
	e := newTestSSHExporter(t, host, port, 5*time.Second)

	// When: exporting one package and everything
	one, err := e.Export(context.Background(), "network")
	require.NoError(t, err)
	all, err := e.Export(context.Background(), All)
	require.NoError(t, err)

	// Then: the right commands ran and CRLF is normalized
	assert.Equal(t, "uci export network", <-commands)
	assert.Equal(t, "uci export", <-commands)
	assert.Equal(t, "package network\n\nconfig interface 'lan'\n", one)
	assert.Contains(t, all, "package wireless")
}

func TestSSHExporter_MissingPackageIsEmpty(t *testing.T) {
	host, port := startSSHServer(t, func(string) execResult {
		return execResult{stderr: "uci: Entry not found\n", status: 1}
	})
	e := newTestSSHExporter(t, host, port, 5*time.Second)

	out, err := e.Export(context.Background(), "dropbear")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestSSHExporter_CommandFailure(t *testing.T) {
	host, port := startSSHServer(t, func(string) execResult {
		return execResult{stderr: "uci: I/O error\n", status: 2}
	})
	e := newTestSSHExporter(t, host, port, 5*time.Second)

	_, err := e.Export(context.Background(), "network")
	require.Error(t, err)
	assert.True(t, agenterrors.HasCode(err, agenterrors.ErrCodeSourceCommand))
	assert.Contains(t, err.Error(), "I/O error")
}

func TestSSHExporter_Timeout(t *testing.T) {
	// Given: a device slower than the exporter timeout
	host, port := startSSHServer(t, func(string) execResult {
		return execResult{stdout: "package network\n", delay: 2 * time.Second}
	})
	e := newTestSSHExporter(t, host, port, 200*time.Millisecond)

	// When: exporting
	_, err := e.Export(context.Background(), "network")

	// Then: a source timeout is reported
	require.Error(t, err)
	assert.True(t, agenterrors.HasCode(err, agenterrors.ErrCodeSourceTimeout))
}

func TestSSHExporter_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	e := newTestSSHExporter(t, "127.0.0.1", port, time.Second)
	_, err = e.Export(context.Background(), "network")
	require.Error(t, err)
	assert.True(t, agenterrors.HasCode(err, agenterrors.ErrCodeSourceUnavailable))
}

func TestSSHExporter_RejectsBadModuleBeforeDialing(t *testing.T) {
	e := newTestSSHExporter(t, "192.0.2.1", 22, time.Second)

	_, err := e.Export(context.Background(), "network && reboot")
	assert.True(t, agenterrors.HasCode(err, agenterrors.ErrCodeInvalidInput))
}

func TestNewSSHExporter_Validation(t *testing.T) {
	_, err := NewSSHExporter(SSHConfig{Password: "x", InsecureIgnoreHostKey: true})
	assert.Error(t, err)

	_, err = NewSSHExporter(SSHConfig{Host: "h", InsecureIgnoreHostKey: true})
	assert.ErrorContains(t, err, "no ssh authentication")

	_, err = NewSSHExporter(SSHConfig{Host: "h", Password: "x", KnownHosts: "/nonexistent/known_hosts"})
	assert.ErrorContains(t, err, "known_hosts")

	e, err := NewSSHExporter(SSHConfig{Host: "router", Password: "x", InsecureIgnoreHostKey: true})
	require.NoError(t, err)
	assert.Equal(t, "router:22", e.Addr())
}
