// Package sshengine drives one remote host's transport: TCP dial, SSH
// handshake and auth, an interactive PTY shell channel, and a lazily
// opened SFTP channel. It is grounded on the teacher's internal/ssh
// client.go/keys.go, generalized from a one-shot command runner to the
// interactive, non-blocking-read shell contract SPEC_FULL.md §4.2
// requires.
package sshengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"gossh-gateway/internal/apperr"
	"gossh-gateway/internal/model"
)

// HostKeyVerifier lets callers (the Security Gate, via the Client Link)
// inspect the presented host key before the handshake completes. user
// is the authenticating username, since trust decisions are scoped
// per-user rather than shared across every session on the gateway.
type HostKeyVerifier func(user, hostname string, key ssh.PublicKey) error

// Transport is the live transport state for one session: the SSH
// connection, an optional shell channel, and a lazily opened SFTP
// channel. The Session Registry owns the Transport and serializes all
// access to it through its entry lock — Transport itself holds no lock.
type Transport struct {
	conn  *ssh.Client
	shell *ssh.Session
	stdin io.WriteCloser
	sftpc *sftp.Client

	outputCh chan []byte
	errCh    chan error
}

// DialTimeout bounds the TCP dial and SSH handshake+auth.
const DialTimeout = 30 * time.Second

// Connect opens TCP to host:port, performs the SSH handshake, and
// authenticates with exactly one of password or private key, per
// spec.md §4.2. verify, if non-nil, is consulted as the connection's
// HostKeyCallback.
func Connect(ctx context.Context, cfg model.SessionConfig, verify HostKeyVerifier) (*Transport, error) {
	port := cfg.Port
	if port == 0 {
		port = 22
	}

	authMethods, err := authMethodsFor(cfg)
	if err != nil {
		return nil, apperr.Wrap(apperr.AuthFailed, "no authentication method provided", err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if verify != nil {
		hostKeyCallback = func(hostname string, _ net.Addr, key ssh.PublicKey) error {
			return verify(cfg.Username, hostname, key)
		}
	}

	sshConfig := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         DialTimeout,
	}

	addr := fmt.Sprintf("%s:%d", cfg.Hostname, port)

	dialer := net.Dialer{Timeout: DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, apperr.Wrap(apperr.ConnectionFailed, "tcp dial failed", err)
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
	if err != nil {
		conn.Close()
		if isAuthError(err) {
			return nil, apperr.Wrap(apperr.AuthFailed, "ssh authentication failed", err)
		}
		return nil, apperr.Wrap(apperr.ConnectionFailed, "ssh handshake failed", err)
	}

	return &Transport{conn: ssh.NewClient(clientConn, chans, reqs)}, nil
}

func isAuthError(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate") ||
		strings.Contains(err.Error(), "no supported methods remain")
}

func authMethodsFor(cfg model.SessionConfig) ([]ssh.AuthMethod, error) {
	switch {
	case cfg.PrivateKey != "" && cfg.Password != "":
		return nil, errors.New("exactly one of password or privateKey must be supplied")
	case cfg.PrivateKey != "":
		signer, err := parsePrivateKey(cfg.PrivateKey, cfg.Passphrase)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	case cfg.Password != "":
		return []ssh.AuthMethod{ssh.Password(cfg.Password)}, nil
	default:
		return nil, errors.New("exactly one of password or privateKey must be supplied")
	}
}

// parsePrivateKey writes key material to an owner-only-permission
// temporary file and deletes it unconditionally, per SPEC_FULL.md §4.2 /
// spec.md's Design Notes on temporary key material — mirroring the
// owner-only (0600/0700) discipline of the teacher's KeyManager.
func parsePrivateKey(pemContent, passphrase string) (ssh.Signer, error) {
	dir, err := os.MkdirTemp("", "gossh-gateway-key-")
	if err != nil {
		return nil, fmt.Errorf("create temp key dir: %w", err)
	}
	defer os.RemoveAll(dir)

	keyPath := filepath.Join(dir, "id")
	if err := os.WriteFile(keyPath, []byte(pemContent), 0o600); err != nil {
		return nil, fmt.Errorf("write temp key file: %w", err)
	}

	keyBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read temp key file: %w", err)
	}

	if passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(passphrase))
	}
	return ssh.ParsePrivateKey(keyBytes)
}

// Connected reports whether the underlying SSH session handle exists.
func (t *Transport) Connected() bool {
	return t.conn != nil
}

// CreateShell opens a channel, requests a PTY of the given size and
// type, and starts an interactive shell. The shell's stdout is drained
// by a dedicated goroutine into a buffered channel so ReadFromShell can
// be non-blocking, the way ssh/shell.rs's start_reading loop feeds its
// mpsc channel.
func (t *Transport) CreateShell(cols, rows uint16, ptyType string) error {
	if t.conn == nil {
		return apperr.New(apperr.ConnectionFailed, "not connected")
	}

	session, err := t.conn.NewSession()
	if err != nil {
		return apperr.Wrap(apperr.ConnectionFailed, "failed to open shell channel", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(ptyType, int(rows), int(cols), modes); err != nil {
		session.Close()
		return apperr.Wrap(apperr.ConnectionFailed, "failed to request pty", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return apperr.Wrap(apperr.ConnectionFailed, "failed to open shell stdin", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return apperr.Wrap(apperr.ConnectionFailed, "failed to open shell stdout", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return apperr.Wrap(apperr.ConnectionFailed, "failed to start shell", err)
	}

	t.shell = session
	t.stdin = stdin
	t.outputCh = make(chan []byte, 256)
	t.errCh = make(chan error, 1)

	go t.pumpReader(stdout)
	return nil
}

func (t *Transport) pumpReader(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			t.outputCh <- chunk
		}
		if err != nil {
			if err == io.EOF {
				close(t.outputCh)
			} else {
				t.errCh <- err
			}
			return
		}
	}
}

// WriteToShell writes verbatim to the shell's stdin.
func (t *Transport) WriteToShell(data []byte) error {
	if t.stdin == nil {
		return apperr.New(apperr.ConnectionFailed, "shell not open")
	}
	if _, err := t.stdin.Write(data); err != nil {
		return apperr.Wrap(apperr.ConnectionFailed, "failed to write to shell", err)
	}
	return nil
}

// ReadFromShell performs a non-blocking read: a chunk if one is
// buffered, nil with no error if nothing is available or the shell hit
// EOF, or an error on a fatal read failure. Callers must not decode
// across calls — each chunk is decoded independently (see DecodeLossy).
func (t *Transport) ReadFromShell() ([]byte, error) {
	if t.outputCh == nil {
		return nil, apperr.New(apperr.ConnectionFailed, "shell not open")
	}
	select {
	case chunk, ok := <-t.outputCh:
		if !ok {
			return nil, nil
		}
		return chunk, nil
	case err := <-t.errCh:
		return nil, apperr.Wrap(apperr.ConnectionFailed, "shell read failed", err)
	default:
		return nil, nil
	}
}

// DecodeLossy decodes a chunk as UTF-8, substituting the replacement
// character for any invalid byte sequence rather than failing.
func DecodeLossy(chunk []byte) string {
	return strings.ToValidUTF8(string(chunk), "�")
}

// ResizeShell issues a PTY window-change request.
func (t *Transport) ResizeShell(cols, rows uint16) error {
	if t.shell == nil {
		return apperr.New(apperr.ConnectionFailed, "shell not open")
	}
	if err := t.shell.WindowChange(int(rows), int(cols)); err != nil {
		return apperr.Wrap(apperr.ConnectionFailed, "failed to resize shell", err)
	}
	return nil
}

// Disconnect closes the shell (if any), drops SFTP (if any), and closes
// the SSH connection. Idempotent.
func (t *Transport) Disconnect() error {
	if t.shell != nil {
		t.shell.Close()
		t.shell = nil
		t.stdin = nil
	}
	if t.sftpc != nil {
		t.sftpc.Close()
		t.sftpc = nil
	}
	if t.conn != nil {
		err := t.conn.Close()
		t.conn = nil
		if err != nil {
			return apperr.Wrap(apperr.ConnectionFailed, "failed to close ssh connection", err)
		}
	}
	return nil
}

func (t *Transport) sftpClient() (*sftp.Client, error) {
	if t.sftpc != nil {
		return t.sftpc, nil
	}
	if t.conn == nil {
		return nil, apperr.New(apperr.ConnectionFailed, "not connected")
	}
	cl, err := sftp.NewClient(t.conn)
	if err != nil {
		return nil, apperr.Wrap(apperr.FileOperationFailed, "failed to open sftp channel", err)
	}
	t.sftpc = cl
	return cl, nil
}

// ListDirectory returns the entries of a remote directory.
func (t *Transport) ListDirectory(dir string) ([]model.FileInfo, error) {
	cl, err := t.sftpClient()
	if err != nil {
		return nil, err
	}
	entries, err := cl.ReadDir(dir)
	if err != nil {
		return nil, apperr.Wrap(apperr.FileOperationFailed, "failed to list directory", err)
	}

	out := make([]model.FileInfo, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if name == "" {
			name = "unknown"
		}
		modified := e.ModTime()
		out = append(out, model.FileInfo{
			Name:        name,
			Path:        path.Join(dir, name),
			Size:        e.Size(),
			IsDirectory: e.IsDir(),
			Modified:    &modified,
			Permissions: fmt.Sprintf("%o", e.Mode().Perm()),
		})
	}
	return out, nil
}

// DownloadFile streams the full remote file into memory.
func (t *Transport) DownloadFile(remotePath string) ([]byte, error) {
	cl, err := t.sftpClient()
	if err != nil {
		return nil, err
	}
	f, err := cl.Open(remotePath)
	if err != nil {
		return nil, apperr.Wrap(apperr.FileOperationFailed, "failed to open remote file", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, apperr.Wrap(apperr.FileOperationFailed, "failed to read remote file", err)
	}
	return data, nil
}

// UploadFile streams bytes into a remote file, creating or truncating it.
func (t *Transport) UploadFile(remotePath string, data []byte) error {
	cl, err := t.sftpClient()
	if err != nil {
		return err
	}
	f, err := cl.Create(remotePath)
	if err != nil {
		return apperr.Wrap(apperr.FileOperationFailed, "failed to create remote file", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return apperr.Wrap(apperr.FileOperationFailed, "failed to write remote file", err)
	}
	return nil
}
