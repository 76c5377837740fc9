package health

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestDialAddr(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"https://api.openai.com/v1", "api.openai.com:443", false},
		{"http://localhost", "localhost:80", false},
		{"http://127.0.0.1:8080/x", "127.0.0.1:8080", false},
		{"not a url", "", true},
		{"://bad", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := dialAddr(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("dialAddr(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("dialAddr(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTCPChecker_Check_Success(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer listener.Close()

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	checker, err := NewTCPChecker(map[string]Endpoint{"openai": {BaseURL: "http://" + listener.Addr().String()}}, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	if err := checker.Check(context.Background(), openaiCred()); err != nil {
		t.Errorf("expected check to succeed, got error: %v", err)
	}
}

func TestTCPChecker_Check_Failure(t *testing.T) {
	checker, err := NewTCPChecker(map[string]Endpoint{"openai": {BaseURL: "http://127.0.0.1:59999"}}, time.Second)
	if err != nil {
		t.Fatal(err)
	}

	if err := checker.Check(context.Background(), openaiCred()); err == nil {
		t.Error("expected check to fail, but it succeeded")
	}
}

func TestTCPChecker_Check_UnknownProvider(t *testing.T) {
	checker, _ := NewTCPChecker(nil, time.Second)

	if err := checker.Check(context.Background(), openaiCred()); !errors.Is(err, ErrNoEndpoint) {
		t.Errorf("expected ErrNoEndpoint, got %v", err)
	}
}

func TestTCPChecker_Check_ContextCancellation(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer listener.Close()

	checker, _ := NewTCPChecker(map[string]Endpoint{"openai": {BaseURL: "http://" + listener.Addr().String()}}, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := checker.Check(ctx, openaiCred()); err == nil {
		t.Error("expected check to fail due to context cancellation")
	}
}

func TestNewTCPChecker_InvalidBaseURL(t *testing.T) {
	if _, err := NewTCPChecker(map[string]Endpoint{"openai": {BaseURL: "://bad"}}, time.Second); err == nil {
		t.Error("expected error for invalid base url")
	}
}
