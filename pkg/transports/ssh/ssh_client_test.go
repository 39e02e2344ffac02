package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/scenepilot/scenepilot/pkg/engine"
	"github.com/scenepilot/scenepilot/pkg/tools"
)

// testSSHServer provides a minimal SSH server for testing. It serves SFTP
// against the local filesystem and answers exec requests by running a tool
// host over the channel.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	done     chan struct{}
	tool     engine.Tool

	execs chan string
}

// newTestSSHServer creates a new test SSH server.
func newTestSSHServer(t *testing.T, tool engine.Tool) *testSSHServer {
	_, privateKey, err := generateTestKey()
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
	config.AddHostKey(privateKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &testSSHServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
		tool:     tool,
		execs:    make(chan string, 8),
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

	go func() {
		for req := range reqs {
			// Keep-alives get a positive reply.
			if req.WantReply {
				_ = req.Reply(req.Type == "keepalive@openssh.com", nil)
			}
		}
	}()

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
		switch req.Type {
		case "exec":
			command := string(req.Payload[4:])
			_ = req.Reply(true, nil)
			go ssh.DiscardRequests(requests)
			s.execs <- command

			server := tools.NewServer(s.tool, "ssh-test", "0.0.1", nil, nil)
			status := uint32(0)
			if err := server.Serve(context.Background(), channel, channel); err != nil {
				status = 1
			}
			_, _ = channel.SendRequest("exit-status", false, binary.BigEndian.AppendUint32(nil, status))
			return

		case "subsystem":
			if string(req.Payload[4:]) != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go ssh.DiscardRequests(requests)

			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			_ = server.Serve()
			_ = server.Close()
			return

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *testSSHServer) close() {
	close(s.done)
	_ = s.listener.Close()
}

// generateTestKey generates a test SSH key pair.
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

// parseAddress splits an address into host and port.
func parseAddress(addr string) (string, int) {
	host, portStr, _ := net.SplitHostPort(addr)
	port := 0
	_, _ = fmt.Sscanf(portStr, "%d", &port)
	return host, port
}

func testConfig(server *testSSHServer) *Config {
	host, port := parseAddress(server.addr)
	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second
	return config
}

func echoTool() engine.Tool {
	return engine.ToolFunc(func(ctx context.Context, name, args string) (string, error) {
		if name == tools.DeleteEntity {
			return "", errors.New("entity not found")
		}
		return fmt.Sprintf(`{"success":true,"tool":%q}`, name), nil
	})
}

func TestSSHClientConnect(t *testing.T) {
	server := newTestSSHServer(t, echoTool())

	client, err := NewSSHClient(testConfig(server))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer client.Disconnect()

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}
	if err := client.HealthCheck(ctx); err != nil {
		t.Errorf("health check failed: %v", err)
	}

	info := client.GetConnectionInfo()
	if info.User != "testuser" {
		t.Errorf("expected user 'testuser', got '%s'", info.User)
	}

	// Reconnecting a healthy client is a no-op.
	if err := client.Connect(ctx); err != nil {
		t.Errorf("reconnect failed: %v", err)
	}
}

func TestSSHClientBadPassword(t *testing.T) {
	server := newTestSSHServer(t, echoTool())

	config := testConfig(server)
	config.Password = "wrong"
	client, err := NewSSHClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	err = client.Connect(context.Background())
	var transportErr *TransportError
	if !errors.As(err, &transportErr) || transportErr.Op != "connect" {
		t.Fatalf("expected connect TransportError, got %v", err)
	}
	if !transportErr.IsAuthError || transportErr.Temporary() {
		t.Errorf("expected a permanent auth error, got %+v", transportErr)
	}
	if code := engine.CodeOf(transportErr.EngineError()); code != engine.ErrCodePermissionDenied {
		t.Errorf("expected %s, got %s", engine.ErrCodePermissionDenied, code)
	}
	if client.IsConnected() {
		t.Error("expected client to stay disconnected")
	}
}

func TestSSHClientDisconnect(t *testing.T) {
	server := newTestSSHServer(t, echoTool())

	client, err := NewSSHClient(testConfig(server))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	if err := client.Disconnect(); err != nil {
		t.Fatalf("failed to disconnect: %v", err)
	}
	if client.IsConnected() {
		t.Error("expected client to be disconnected")
	}
	if err := client.Disconnect(); err != nil {
		t.Errorf("second disconnect failed: %v", err)
	}

	if _, _, err := client.Execute(context.Background(), "/tmp/toolhost"); err == nil {
		t.Error("expected error executing without a connection")
	}
}

func TestSSHClientRunsToolHost(t *testing.T) {
	server := newTestSSHServer(t, echoTool())

	client, err := NewSSHClient(testConfig(server))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer client.Disconnect()

	dir := t.TempDir()
	localPath := filepath.Join(dir, "toolhost")
	if err := os.WriteFile(localPath, []byte("#!/bin/sh\n"), 0o644); err != nil {
		t.Fatalf("failed to write host binary: %v", err)
	}
	remotePath := filepath.Join(dir, "remote", "toolhost")

	host, err := tools.NewClient(tools.ClientConfig{
		Transport:  client,
		HostPath:   localPath,
		RemotePath: remotePath,
	})
	if err != nil {
		t.Fatalf("failed to create tool client: %v", err)
	}
	if err := host.Start(ctx); err != nil {
		t.Fatalf("failed to start tool host: %v", err)
	}

	info, err := os.Stat(remotePath)
	if err != nil {
		t.Fatalf("expected uploaded host at %s: %v", remotePath, err)
	}
	if info.Mode().Perm()&0o100 == 0 {
		t.Errorf("expected uploaded host to be executable, got %v", info.Mode())
	}
	if cmd := <-server.execs; !strings.HasSuffix(cmd, "toolhost") {
		t.Errorf("unexpected exec command: %s", cmd)
	}

	reply, err := host.Execute(ctx, tools.SceneQuery, "{}")
	if err != nil {
		t.Fatalf("scene_query failed: %v", err)
	}
	if reply != `{"success":true,"tool":"scene_query"}` {
		t.Errorf("unexpected reply: %s", reply)
	}

	if _, err := host.Execute(ctx, tools.DeleteEntity, `{"entity":"x"}`); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected not found failure, got %v", err)
	}

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := host.Close(closeCtx); err != nil {
		t.Fatalf("failed to close tool host: %v", err)
	}
	if _, err := os.Stat(remotePath); !os.IsNotExist(err) {
		t.Errorf("expected uploaded host to be removed, got %v", err)
	}
	if n := client.GetConnectionInfo().Sessions; n != 0 {
		t.Errorf("expected no running sessions, got %d", n)
	}
}

func TestShellQuote(t *testing.T) {
	tests := map[string]string{
		"/opt/toolhost": "/opt/toolhost",
		"--backend=sim": "--backend=sim",
		"/tmp/my host":  "'/tmp/my host'",
		"it's":          `'it'\''s'`,
		"":              "''",
	}
	for in, want := range tests {
		if got := shellQuote(in); got != want {
			t.Errorf("shellQuote(%q): expected %s, got %s", in, want, got)
		}
	}
}

func TestTransportErrorClassification(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		name      string
		err       *TransportError
		retryable bool
		code      string
	}{
		{"temporary", &TransportError{Op: "exec", Err: cause, IsTemporary: true}, true, engine.ErrCodeToolFailed},
		{"auth", &TransportError{Op: "connect", Err: cause, IsAuthError: true}, false, engine.ErrCodePermissionDenied},
		{"permanent", &TransportError{Op: "upload", Err: cause}, false, engine.ErrCodeToolFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ee := tt.err.EngineError()
			if engine.IsRetryable(ee) != tt.retryable {
				t.Errorf("expected retryable=%v, got %v", tt.retryable, engine.IsRetryable(ee))
			}
			if ee.Code != tt.code {
				t.Errorf("expected code %s, got %s", tt.code, ee.Code)
			}
			if ee.Operation != tt.err.Op {
				t.Errorf("expected operation %s, got %s", tt.err.Op, ee.Operation)
			}
			if !errors.Is(ee, cause) {
				t.Error("expected the cause to stay in the chain")
			}
		})
	}
}
