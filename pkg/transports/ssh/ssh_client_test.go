package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// testSSHServer is a minimal SSH server with an SFTP subsystem.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	done     chan struct{}
}

func newTestSSHServer(t *testing.T) *testSSHServer {
	_, hostKey, err := generateTestKey()
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	config.AddHostKey(hostKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &testSSHServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
	}
	go server.serve()
	t.Cleanup(server.close)
	return server
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleChannel(channel, requests)
	}
}

func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		if req.Type == "subsystem" && string(req.Payload[4:]) == "sftp" {
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			_ = server.Serve()
			return
		}
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
	}
}

func (s *testSSHServer) close() {
	select {
	case <-s.done:
	default:
		close(s.done)
		_ = s.listener.Close()
	}
}

func generateTestKey() (ssh.PublicKey, ssh.Signer, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		return nil, nil, err
	}
	publicKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, nil, err
	}
	return publicKey, signer, nil
}

func newConnectedClient(t *testing.T, server *testSSHServer) *SSHClient {
	t.Helper()
	host, port := parseAddress(server.addr)

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second

	client, err := NewSSHClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect() })
	return client
}

func TestSSHClientConnect(t *testing.T) {
	server := newTestSSHServer(t)
	client := newConnectedClient(t, server)

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}

	host, _ := parseAddress(server.addr)
	info := client.GetConnectionInfo()
	if info.Host != host {
		t.Errorf("expected host '%s', got '%s'", host, info.Host)
	}
	if info.User != "testuser" {
		t.Errorf("expected user 'testuser', got '%s'", info.User)
	}
	if info.ConnectedAt.IsZero() {
		t.Error("expected connection time to be set")
	}
}

func TestSSHClientWrongPassword(t *testing.T) {
	server := newTestSSHServer(t)
	host, port := parseAddress(server.addr)

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "wrong"
	config.StrictHostKeyChecking = false

	client, err := NewSSHClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	err = client.Connect(context.Background())
	if err == nil {
		t.Fatal("expected authentication failure")
	}
	terr, ok := err.(*TransportError)
	if !ok || !terr.IsAuthError {
		t.Errorf("expected auth transport error, got %v", err)
	}
}

func TestSSHClientHealthCheck(t *testing.T) {
	server := newTestSSHServer(t)
	client := newConnectedClient(t, server)

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("health check failed: %v", err)
	}
}

func TestSSHClientDisconnect(t *testing.T) {
	server := newTestSSHServer(t)
	client := newConnectedClient(t, server)

	if err := client.Disconnect(); err != nil {
		t.Errorf("disconnect failed: %v", err)
	}
	if client.IsConnected() {
		t.Error("expected client to be disconnected")
	}
	if err := client.HealthCheck(context.Background()); err == nil {
		t.Error("expected health check to fail after disconnect")
	}
}

func TestSSHClientKeyBasedAuth(t *testing.T) {
	server := newTestSSHServer(t)
	host, port := parseAddress(server.addr)

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.PrivateKeyPath = writeTestKey(t)
	config.StrictHostKeyChecking = false

	client, err := NewSSHClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect with key auth: %v", err)
	}
	defer client.Disconnect()

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}
}

func TestSSHClientUploadListRemove(t *testing.T) {
	server := newTestSSHServer(t)
	client := newConnectedClient(t, server)
	ctx := context.Background()

	local := filepath.Join(t.TempDir(), "0a1b2c3d.tar")
	payload := []byte("snapshot payload")
	if err := os.WriteFile(local, payload, 0o600); err != nil {
		t.Fatal(err)
	}

	remoteDir := filepath.ToSlash(filepath.Join(t.TempDir(), "replica", "site-a"))
	remote := remoteDir + "/0a1b2c3d.tar"

	result, err := client.UploadFile(ctx, local, remote)
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if result.BytesTransferred != int64(len(payload)) {
		t.Errorf("expected %d bytes, got %d", len(payload), result.BytesTransferred)
	}
	if len(result.Checksum) != 64 {
		t.Errorf("expected sha256 hex checksum, got %q", result.Checksum)
	}

	got, err := os.ReadFile(filepath.FromSlash(remote))
	if err != nil {
		t.Fatalf("remote file missing: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("remote content = %q", got)
	}
	if _, err := os.Stat(filepath.FromSlash(remote + ".part")); !os.IsNotExist(err) {
		t.Error("partial file left behind")
	}

	files, err := client.ListFiles(ctx, remoteDir)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(files) != 1 || files[0].Name != "0a1b2c3d.tar" || files[0].Size != int64(len(payload)) {
		t.Errorf("unexpected listing %+v", files)
	}

	if err := client.RemoveFile(ctx, remote); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if err := client.RemoveFile(ctx, remote); err != nil {
		t.Errorf("removing a missing file must succeed: %v", err)
	}
}

func TestSSHClientListMissingDir(t *testing.T) {
	server := newTestSSHServer(t)
	client := newConnectedClient(t, server)

	files, err := client.ListFiles(context.Background(), filepath.ToSlash(filepath.Join(t.TempDir(), "absent")))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(files) != 0 {
		t.Errorf("expected no files, got %v", files)
	}
}

func TestUploadRequiresConnection(t *testing.T) {
	config := DefaultConfig("127.0.0.1", "testuser")
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.StrictHostKeyChecking = false

	client, err := NewSSHClient(config)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.UploadFile(context.Background(), "/nonexistent", "/remote"); err == nil {
		t.Error("expected error without connection")
	}
}

// parseAddress splits an address into host and port.
func parseAddress(addr string) (string, int) {
	host, portStr, _ := net.SplitHostPort(addr)
	port := 0
	_, _ = fmt.Sscanf(portStr, "%d", &port)
	return host, port
}
