package remote

import (
	"context"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	gssh "golang.org/x/crypto/ssh"
)

const defaultConnectTimeout = 15 * time.Second

// SSHDialer opens password-authenticated SSH sessions.
type SSHDialer struct {
	// HostKeyCallback defaults to accepting any key: freshly imaged devices
	// have no known host key yet.
	HostKeyCallback gssh.HostKeyCallback
}

// NewSSHDialer returns a dialer for freshly imaged devices.
func NewSSHDialer() *SSHDialer {
	return &SSHDialer{HostKeyCallback: gssh.InsecureIgnoreHostKey()}
}

// Probe reports whether host:port accepts TCP connections.
func (d *SSHDialer) Probe(ctx context.Context, host string, port int, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Dial connects and authenticates, bounding the whole handshake by the
// target's connect timeout.
func (d *SSHDialer) Dial(ctx context.Context, target Target) (Session, error) {
	timeout := target.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	hostKey := d.HostKeyCallback
	if hostKey == nil {
		hostKey = gssh.InsecureIgnoreHostKey()
	}
	password := target.Password
	cfg := &gssh.ClientConfig{
		User: target.User,
		Auth: []gssh.AuthMethod{
			gssh.Password(password),
			gssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}

	addr := target.Addr()
	netDialer := net.Dialer{Timeout: timeout}
	conn, err := netDialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, ClassifyDialError(err)
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))
	c, chans, reqs, err := gssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, ClassifyDialError(err)
	}
	_ = conn.SetDeadline(time.Time{})
	log.Debug().Str("addr", addr).Str("user", target.User).Msg("remote: ssh session established")
	return &sshSession{client: gssh.NewClient(c, chans, reqs)}, nil
}

type sshSession struct {
	client *gssh.Client

	mu     sync.Mutex
	sftp   *sftp.Client
	closed bool
}

func (s *sshSession) NewChannel() (Channel, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, err
	}
	return &sshChannel{session: sess}, nil
}

func (s *sshSession) fileClient() (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("remote: session closed")
	}
	if s.sftp != nil {
		return s.sftp, nil
	}
	client, err := sftp.NewClient(s.client)
	if err != nil {
		return nil, errors.Wrap(err, "remote: open sftp failed")
	}
	s.sftp = client
	return client, nil
}

// WriteFile replaces path with data over SFTP.
func (s *sshSession) WriteFile(ctx context.Context, filePath string, data []byte, perm os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	client, err := s.fileClient()
	if err != nil {
		return err
	}
	if err := client.MkdirAll(path.Dir(filePath)); err != nil {
		return errors.Wrapf(err, "remote: mkdir %s failed", path.Dir(filePath))
	}
	f, err := client.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return errors.Wrapf(err, "remote: open %s failed", filePath)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "remote: write %s failed", filePath)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "remote: close %s failed", filePath)
	}
	if perm != 0 {
		if err := client.Chmod(filePath, perm); err != nil {
			return errors.Wrapf(err, "remote: chmod %s failed", filePath)
		}
	}
	return nil
}

// Close closes the file-transfer handle and then the connection.
func (s *sshSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	fc := s.sftp
	s.sftp = nil
	s.mu.Unlock()

	if fc != nil {
		_ = fc.Close()
	}
	return s.client.Close()
}

type sshChannel struct {
	session *gssh.Session
	once    sync.Once
}

func (c *sshChannel) Run(command string, stdin io.Reader, stdout, stderr io.Writer) error {
	c.session.Stdin = stdin
	c.session.Stdout = stdout
	c.session.Stderr = stderr
	err := c.session.Run(command)
	if err == nil {
		return nil
	}
	var exitErr *gssh.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Command: command, Code: exitErr.ExitStatus()}
	}
	return err
}

func (c *sshChannel) Close() error {
	var err error
	c.once.Do(func() {
		err = c.session.Close()
		if errors.Is(err, io.EOF) {
			err = nil
		}
	})
	return err
}
