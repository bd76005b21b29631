package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	agenterrors "github.com/RosMarinas/OpenWRT-AutoConfigure/internal/errors"
)

// DefaultTimeout bounds one export, including connection setup.
const DefaultTimeout = 30 * time.Second

// SSHConfig configures an SSHExporter.
type SSHConfig struct {
	Host     string
	Port     int
	User     string
	KeyFile  string
	Password string
	// KnownHosts is an OpenSSH known_hosts file used to verify the device.
	KnownHosts            string
	InsecureIgnoreHostKey bool
	Timeout               time.Duration
}

// SSHExporter runs `uci export` on a device over SSH. Each call opens its
// own connection, so exports for different modules may run concurrently.
type SSHExporter struct {
	addr    string
	timeout time.Duration
	client  *ssh.ClientConfig
}

// NewSSHExporter validates cfg and prepares the client configuration.
func NewSSHExporter(cfg SSHConfig) (*SSHExporter, error) {
	if cfg.Host == "" {
		return nil, agenterrors.ConfigError("source.host is required for the ssh source", nil)
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.User == "" {
		cfg.User = "root"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	var auth []ssh.AuthMethod
	if cfg.KeyFile != "" {
		key, err := os.ReadFile(cfg.KeyFile)
		switch {
		case err == nil:
			signer, err := ssh.ParsePrivateKey(key)
			if err != nil {
				return nil, agenterrors.ConfigError("failed to parse ssh key "+cfg.KeyFile, err)
			}
			auth = append(auth, ssh.PublicKeys(signer))
		case cfg.Password == "":
			return nil, agenterrors.ConfigError("failed to read ssh key "+cfg.KeyFile, err)
		default:
			slog.Debug("ssh key unreadable, using password auth", slog.String("path", cfg.KeyFile))
		}
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, agenterrors.ConfigError("no ssh authentication configured (set source.key_file or source.password_env)", nil)
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if !cfg.InsecureIgnoreHostKey {
		cb, err := knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, agenterrors.ConfigError("failed to load known_hosts "+cfg.KnownHosts, err).
				WithSuggestion("add the device with ssh-keyscan, or set source.insecure_ignore_host_key")
		}
		hostKey = cb
	}

	return &SSHExporter{
		addr:    net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		timeout: cfg.Timeout,
		client: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            auth,
			HostKeyCallback: hostKey,
			Timeout:         cfg.Timeout,
		},
	}, nil
}

// Addr returns host:port of the device.
func (e *SSHExporter) Addr() string { return e.addr }

func exportCommand(module string) string {
	if module == All {
		return "uci export"
	}
	return "uci export " + module
}

// Export implements Exporter.
func (e *SSHExporter) Export(ctx context.Context, module string) (string, error) {
	if err := ValidateModule(module); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	client, err := e.dial(ctx)
	if err != nil {
		return "", e.classify(ctx, module, err)
	}
	defer func() { _ = client.Close() }()

	session, err := client.NewSession()
	if err != nil {
		return "", agenterrors.SourceError(module, fmt.Errorf("open session: %w", err))
	}
	defer func() { _ = session.Close() }()

	var stderr bytes.Buffer
	session.Stderr = &stderr

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.Output(exportCommand(module))
		done <- result{out, err}
	}()

	select {
	case <-ctx.Done():
		_ = client.Close()
		return "", e.classify(ctx, module, ctx.Err())
	case r := <-done:
		if r.err != nil {
			var exitErr *ssh.ExitError
			if errors.As(r.err, &exitErr) {
				msg := strings.TrimSpace(stderr.String())
				// uci reports a missing package this way; treat it as empty
				if strings.Contains(msg, "Entry not found") {
					return "", nil
				}
				return "", agenterrors.New(agenterrors.ErrCodeSourceCommand,
					fmt.Sprintf("%s exited with %d: %s", exportCommand(module), exitErr.ExitStatus(), msg), r.err).
					WithDetail("module", module)
			}
			return "", e.classify(ctx, module, r.err)
		}
		return strings.ReplaceAll(string(r.out), "\r\n", "\n"), nil
	}
}

func (e *SSHExporter) dial(ctx context.Context) (*ssh.Client, error) {
	d := net.Dialer{Timeout: e.timeout}
	conn, err := d.DialContext(ctx, "tcp", e.addr)
	if err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, e.addr, e.client)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

func (e *SSHExporter) classify(ctx context.Context, module string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return agenterrors.New(agenterrors.ErrCodeSourceTimeout,
			fmt.Sprintf("export of %s from %s timed out after %s", module, e.addr, e.timeout), err).
			WithDetail("module", module)
	}
	return agenterrors.SourceError(module, fmt.Errorf("%s: %w", e.addr, err))
}
