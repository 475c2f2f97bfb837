package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/elex-project/mosquitto-examples/internal/api"
	"github.com/elex-project/mosquitto-examples/internal/infrastructure/mqtt"
)

const testSecret = "test-secret-key-at-least-32-characters-long"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

// runRoot executes the command tree with args and returns its output.
func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&out)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("MQTTC_CONFIG", "")
	if got := resolveConfigPath(""); got != defaultConfigPath {
		t.Errorf("default = %q, want %q", got, defaultConfigPath)
	}

	t.Setenv("MQTTC_CONFIG", "/etc/mqttc/env.yaml")
	if got := resolveConfigPath(""); got != "/etc/mqttc/env.yaml" {
		t.Errorf("env = %q", got)
	}
	if got := resolveConfigPath("flag.yaml"); got != "flag.yaml" {
		t.Errorf("flag = %q, want flag.yaml", got)
	}
}

func TestToolClientID(t *testing.T) {
	if got := toolClientID("mqttc", "pub"); got != "mqttc-pub" {
		t.Errorf("toolClientID() = %q, want mqttc-pub", got)
	}
}

func TestRunServe_InvalidConfig(t *testing.T) {
	err := runServe(context.Background(), "/nonexistent/path/config.yaml")
	if err == nil || !strings.Contains(err.Error(), "loading config") {
		t.Fatalf("runServe() error = %v, want loading config error", err)
	}
}

func TestRunServe_ValidationFailure(t *testing.T) {
	path := writeConfig(t, `
api:
  enabled: true
  port: 8080
security:
  jwt:
    secret: "short"
`)
	err := runServe(context.Background(), path)
	if err == nil || !strings.Contains(err.Error(), "security.jwt.secret") {
		t.Fatalf("runServe() error = %v, want secret validation error", err)
	}
}

// closedPort returns a loopback port with nothing listening on it.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestRunServe_BrokerUnreachable(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, `
mqtt:
  broker:
    host: "127.0.0.1"
    port: `+strconv.Itoa(closedPort(t))+`
    client_id: "serve-test"
  delivery:
    store: sqlite
database:
  enabled: true
  path: "`+filepath.Join(dir, "mqttc.db")+`"
journal:
  enabled: true
logging:
  level: error
  format: text
`)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	err := runServe(ctx, path)
	if !errors.Is(err, mqtt.ErrConnectionFailed) {
		t.Fatalf("runServe() error = %v, want ErrConnectionFailed", err)
	}
	if _, statErr := os.Stat(filepath.Join(dir, "mqttc.db")); statErr != nil {
		t.Errorf("database not created before connect: %v", statErr)
	}
}

func TestTokenCmd(t *testing.T) {
	path := writeConfig(t, `
security:
  jwt:
    secret: "`+testSecret+`"
    access_token_ttl: 30
`)

	out, err := runRoot(t, "token", "--config", path, "--subject", "ops")
	if err != nil {
		t.Fatalf("token error = %v", err)
	}
	claims, err := api.ParseToken(strings.TrimSpace(out), testSecret)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Subject != "ops" {
		t.Errorf("Subject = %q, want ops", claims.Subject)
	}
	if lifetime := claims.ExpiresAt.Sub(claims.IssuedAt.Time); lifetime != 30*time.Minute {
		t.Errorf("lifetime = %v, want config default 30m", lifetime)
	}

	out, err = runRoot(t, "token", "--config", path, "--ttl", "2h")
	if err != nil {
		t.Fatalf("token --ttl error = %v", err)
	}
	claims, err = api.ParseToken(strings.TrimSpace(out), testSecret)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Subject != "cli" {
		t.Errorf("Subject = %q, want cli", claims.Subject)
	}
	if lifetime := claims.ExpiresAt.Sub(claims.IssuedAt.Time); lifetime != 2*time.Hour {
		t.Errorf("lifetime = %v, want 2h", lifetime)
	}
}

func TestTokenCmd_WithoutConfigFile(t *testing.T) {
	t.Setenv("MQTTC_JWT_SECRET", testSecret)

	out, err := runRoot(t, "token", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("token error = %v", err)
	}
	if _, err := api.ParseToken(strings.TrimSpace(out), testSecret); err != nil {
		t.Errorf("ParseToken() error = %v", err)
	}

	t.Setenv("MQTTC_JWT_SECRET", "")
	if _, err := runRoot(t, "token", "--config", filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, api.ErrTokenInvalid) {
		t.Errorf("token without secret error = %v, want ErrTokenInvalid", err)
	}
}

func TestPublishCmd_Validation(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.yaml")

	tests := []struct {
		name string
		args []string
		want error
	}{
		{"wildcard topic", []string{"publish", "--config", missing, "-t", "hello/#", "-m", "x"}, mqtt.ErrInvalidTopic},
		{"bad qos", []string{"publish", "--config", missing, "-t", "hello/mosquitto", "-q", "3"}, mqtt.ErrInvalidQoS},
		{"bad filter", []string{"subscribe", "--config", missing, "-t", "a/#/b"}, mqtt.ErrInvalidFilter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := runRoot(t, tt.args...); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}

	for _, name := range []string{"publish", "subscribe"} {
		_, err := runRoot(t, name, "--config", missing)
		if err == nil || !strings.Contains(err.Error(), `required flag(s) "topic" not set`) {
			t.Errorf("%s without --topic: error = %v, want required flag error", name, err)
		}
	}
}

func TestVersionCmd(t *testing.T) {
	out, err := runRoot(t, "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if !strings.HasPrefix(out, "mqttc dev") {
		t.Errorf("output = %q", out)
	}
}

func TestRxPrinter(t *testing.T) {
	var buf bytes.Buffer
	handler := rxPrinter(&buf)
	if err := handler("hello/mosquitto", []byte("Hahaha, ...")); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); got != "Rx: hello/mosquitto = Hahaha, ...\n" {
		t.Errorf("output = %q", got)
	}
}
