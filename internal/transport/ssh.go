package transport

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	mgerr "mudgate/internal/errors"
	"mudgate/util"
)

// SSHConfig describes the jump host used to reach a remote Portal.
type SSHConfig struct {
	User          string
	Host          string
	Port          int
	KeyPath       string
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string
	ConnTimeout   time.Duration
}

// SSHDialer forwards dials through an SSH client connection.  The SSH
// connection is made lazily on the first Dial and re-made after it
// drops, so a Server redialing after a network blip gets a fresh hop.
type SSHDialer struct {
	cfg    SSHConfig
	logger *util.Logger

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHDialer creates a dialer that is not yet connected.
func NewSSHDialer(cfg SSHConfig, logger *util.Logger) *SSHDialer {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = 15 * time.Second
	}
	return &SSHDialer{cfg: cfg, logger: logger}
}

// Dial opens address (as seen from the jump host) through the tunnel.
func (d *SSHDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	client, err := d.connect(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := client.Dial(network, address)
	if err != nil {
		return nil, fmt.Errorf("ssh %s: dial %s: %w", d.jump(), address, err)
	}
	return conn, nil
}

// Close tears down the SSH connection.
func (d *SSHDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client == nil {
		return nil
	}
	err := d.client.Close()
	d.client = nil
	return err
}

func (d *SSHDialer) jump() string {
	return fmt.Sprintf("%s@%s", d.cfg.User, util.FormatAddr(d.cfg.Host, d.cfg.Port))
}

func (d *SSHDialer) connect(ctx context.Context) (*ssh.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client != nil {
		return d.client, nil
	}

	auth, err := BuildAuthMethods(d.cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh %s: auth: %w", d.jump(), err)
	}
	hk, err := hostKeyCallback(d.cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh %s: host key: %w", d.jump(), err)
	}

	addr := util.FormatAddr(d.cfg.Host, d.cfg.Port)
	d.logger.Debug("ssh: dialing %s as %s", addr, d.cfg.User)

	var nd net.Dialer
	tcp, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, mgerr.Link(d.jump(), "dial", err)
	}
	conn, chans, reqs, err := ssh.NewClientConn(tcp, addr, &ssh.ClientConfig{
		User:            d.cfg.User,
		Auth:            auth,
		HostKeyCallback: hk,
		Timeout:         d.cfg.ConnTimeout,
	})
	if err != nil {
		tcp.Close()
		return nil, mgerr.Link(d.jump(), "ssh handshake", err)
	}

	client := ssh.NewClient(conn, chans, reqs)
	d.client = client
	go d.monitor(client)
	d.logger.Verbose("ssh tunnel to %s established", d.jump())
	return client, nil
}

// monitor forgets the client once the SSH connection ends.
func (d *SSHDialer) monitor(client *ssh.Client) {
	err := client.Wait()
	d.mu.Lock()
	if d.client == client {
		d.client = nil
	}
	d.mu.Unlock()
	d.logger.Debug("ssh tunnel to %s closed: %v", d.jump(), err)
}

// ── Authentication ───────────────────────────────────────────────────

// BuildAuthMethods assembles the SSH auth methods for cfg: the key
// file, then the agent, then the usual ~/.ssh key names.
func BuildAuthMethods(cfg SSHConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if cfg.KeyPath != "" {
		m, err := publicKeyAuth(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", cfg.KeyPath, err)
		}
		methods = append(methods, m)
	}
	if cfg.UseAgent {
		m, err := agentAuth()
		if err != nil {
			return nil, fmt.Errorf("ssh-agent: %w", err)
		}
		methods = append(methods, m)
	}
	if len(methods) == 0 {
		methods = defaultAuthMethods()
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("no SSH authentication methods available; set ssh key or agent")
	}
	return methods, nil
}

func publicKeyAuth(keyPath string) (ssh.AuthMethod, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		// Services run unattended; encrypted keys belong in the agent.
		return nil, fmt.Errorf("parsing key: %w", err)
	}
	return ssh.PublicKeys(signer), nil
}

func agentAuth() (ssh.AuthMethod, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, fmt.Errorf("SSH_AUTH_SOCK is not set")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("connecting to agent at %s: %w", sock, err)
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), nil
}

func defaultAuthMethods() []ssh.AuthMethod {
	var out []ssh.AuthMethod
	if m, err := agentAuth(); err == nil {
		out = append(out, m)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return out
	}
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		p := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if m, err := publicKeyAuth(p); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func hostKeyCallback(cfg SSHConfig) (ssh.HostKeyCallback, error) {
	if !cfg.StrictHostKey {
		//nolint:gosec // operator opted out of host key checking
		return ssh.InsecureIgnoreHostKey(), nil
	}
	file := cfg.KnownHosts
	if file == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locating home directory: %w", err)
		}
		file = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(file)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts from %s: %w", file, err)
	}
	return cb, nil
}
