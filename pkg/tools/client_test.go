package tools

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/scenepilot/scenepilot/pkg/engine"
	"github.com/scenepilot/scenepilot/pkg/tools/protocol"
)

// pipeTransport serves a Tool in-process over io.Pipe.
type pipeTransport struct {
	server *Server

	mu       sync.Mutex
	finished chan error
	uploads  []string
}

func newPipeTransport(tool engine.Tool) *pipeTransport {
	return &pipeTransport{server: NewServer(tool, "test", "0.0.1", nil, nil)}
}

func (p *pipeTransport) Upload(ctx context.Context, localPath, remotePath string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.uploads = append(p.uploads, localPath+"->"+remotePath)
	return nil
}

func (p *pipeTransport) Execute(ctx context.Context, remotePath string) (io.WriteCloser, io.ReadCloser, error) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	finished := make(chan error, 1)
	p.mu.Lock()
	p.finished = finished
	p.mu.Unlock()

	go func() {
		err := p.server.Serve(context.Background(), inR, outW)
		_ = outW.Close()
		_ = inR.Close()
		finished <- err
	}()
	return inW, outR, nil
}

func (p *pipeTransport) Cleanup(ctx context.Context, remotePath string) error {
	p.mu.Lock()
	finished := p.finished
	p.mu.Unlock()
	if finished == nil {
		return nil
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func startClient(t *testing.T, tool engine.Tool, onEvent func(*protocol.EventMessage)) (*Client, *pipeTransport) {
	t.Helper()
	transport := newPipeTransport(tool)
	client, err := NewClient(ClientConfig{
		Transport:  transport,
		RemotePath: "/opt/toolhost",
		OnEvent:    onEvent,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Close(ctx); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return client, transport
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(ClientConfig{}); err == nil {
		t.Error("Expected error without transport")
	}
	if _, err := NewClient(ClientConfig{Transport: newPipeTransport(nil)}); err == nil {
		t.Error("Expected error without host path")
	}
}

func TestClientExecute(t *testing.T) {
	tool := engine.ToolFunc(func(ctx context.Context, name, args string) (string, error) {
		switch name {
		case SceneQuery:
			return `{"success":true,"data":{"entities":[]}}`, nil
		case SpawnEntity:
			if !strings.Contains(args, `"Tree"`) {
				return "", errors.New("expected class Tree")
			}
			return "spawned Tree_1", nil
		}
		return "", errors.New("unexpected tool")
	})

	client, transport := startClient(t, tool, nil)

	ready := client.Ready()
	if ready == nil || ready.Backend != "test" {
		t.Fatalf("Expected READY from test backend, got %+v", ready)
	}
	if !ready.Supports(ExecuteScript) {
		t.Error("Expected the host to advertise every registered tool")
	}
	if len(transport.uploads) != 0 {
		t.Errorf("Expected no upload without host path, got %v", transport.uploads)
	}

	reply, err := client.Execute(context.Background(), SceneQuery, "{}")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if reply != `{"success":true,"data":{"entities":[]}}` {
		t.Errorf("Unexpected reply: %s", reply)
	}

	reply, err = client.Execute(context.Background(), SpawnEntity, `{"class":"Tree"}`)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if reply != "spawned Tree_1" {
		t.Errorf("Expected plain text reply, got %q", reply)
	}
}

func TestClientErrors(t *testing.T) {
	tool := engine.ToolFunc(func(ctx context.Context, name, args string) (string, error) {
		switch name {
		case DeleteEntity:
			return "", errors.New("entity not found: rock-9")
		case SnapToGround:
			return "", engine.NewTransientError("editor busy", nil)
		case GenerateAsset:
			return "", engine.NewThrottledError("generation quota exhausted", nil)
		}
		return "{}", nil
	})
	client, _ := startClient(t, tool, nil)
	ctx := context.Background()

	tests := []struct {
		name      string
		tool      string
		args      string
		code      string
		retryable bool
		contains  string
	}{
		{name: "tool failure", tool: DeleteEntity, args: `{"entity":"rock-9"}`, code: engine.ErrCodeToolFailed, contains: "not found"},
		{name: "retryable failure", tool: SnapToGround, args: `{"entity":"a"}`, code: engine.ErrCodeToolFailed, retryable: true, contains: "busy"},
		{name: "throttled", tool: GenerateAsset, args: `{"prompt":"a chair"}`, code: engine.ErrCodeRateLimited, retryable: true, contains: "quota"},
		{name: "unknown tool", tool: "teleport", args: `{}`, code: engine.ErrCodeUnknownTool, contains: "unknown tool"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.Execute(ctx, tt.tool, tt.args)
			if err == nil {
				t.Fatal("Expected error")
			}
			if code := engine.CodeOf(err); code != tt.code {
				t.Errorf("Expected code %s, got %s", tt.code, code)
			}
			if engine.IsRetryable(err) != tt.retryable {
				t.Errorf("Expected retryable=%v, got %v", tt.retryable, engine.IsRetryable(err))
			}
			if !strings.Contains(err.Error(), tt.contains) {
				t.Errorf("Expected error to contain %q, got %v", tt.contains, err)
			}
		})
	}

	// The host keeps serving after failures.
	if _, err := client.Execute(ctx, SceneQuery, "{}"); err != nil {
		t.Errorf("Expected host to keep serving, got %v", err)
	}
}

func TestClientDiscardsAbandonedReplies(t *testing.T) {
	release := make(chan struct{})
	tool := engine.ToolFunc(func(ctx context.Context, name, args string) (string, error) {
		if name == ExecuteScript {
			<-release
			return `{"success":true,"late":true}`, nil
		}
		return `{"success":true}`, nil
	})
	client, _ := startClient(t, tool, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	_, err := client.Execute(ctx, ExecuteScript, `{"code":"spawn('Tree')"}`)
	cancel()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
	if engine.CodeOf(err) != engine.ErrCodeTimeout {
		t.Errorf("Expected TIMEOUT code, got %s", engine.CodeOf(err))
	}

	close(release)

	reply, err := client.Execute(context.Background(), SceneQuery, "{}")
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if reply != `{"success":true}` {
		t.Errorf("Expected the reply to the second command, got %s", reply)
	}
}

func TestClientForwardsEvents(t *testing.T) {
	tool := engine.ToolFunc(func(ctx context.Context, name, args string) (string, error) {
		for i := 1; i <= 3; i++ {
			ReportProgress(ctx, i, 3, "spawned entity")
		}
		return `{"success":true}`, nil
	})

	var mu sync.Mutex
	var events []*protocol.EventMessage
	client, _ := startClient(t, tool, func(evt *protocol.EventMessage) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, evt)
	})

	if _, err := client.Execute(context.Background(), ExecuteScript, `{"code":"x"}`); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(events))
	}
	if events[2].Progress == nil || events[2].Progress.Current != 3 || events[2].Progress.Total != 3 {
		t.Errorf("Unexpected progress on last event: %+v", events[2].Progress)
	}
}

func TestClientAfterClose(t *testing.T) {
	transport := newPipeTransport(engine.ToolFunc(func(ctx context.Context, name, args string) (string, error) {
		return "{}", nil
	}))
	client, err := NewClient(ClientConfig{Transport: transport, HostPath: "./toolhost", RemotePath: "/tmp/toolhost"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	if _, err := client.Execute(context.Background(), SceneQuery, "{}"); err == nil {
		t.Error("Expected error before Start")
	}
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if len(transport.uploads) != 1 || transport.uploads[0] != "./toolhost->/tmp/toolhost" {
		t.Errorf("Expected one upload, got %v", transport.uploads)
	}

	if err := client.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := client.Close(context.Background()); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}
	if _, err := client.Execute(context.Background(), SceneQuery, "{}"); !engine.IsPermanent(err) {
		t.Errorf("Expected permanent error after Close, got %v", err)
	}
}
