// Package remoteshell reaches a running pipeline pod over SSH to pull
// artifacts back into the object store and to send the small skip-stage
// control command, grounded on
// original_source/.../runpod/runpod_artifacts.go's remote-command pattern.
package remoteshell

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/crypto/ssh"
)

const (
	workspacePath   = "/workspace"
	pipelineLogPath = workspacePath + "/research_pipeline.log"
	workspacesGlob  = workspacePath + "/AE-Scientist/research_pipeline/workspaces"

	// skipStageControlPort is the well-known loopback port a running
	// pipeline pod listens on for control commands (spec.md §4.3).
	skipStageControlPort = 8787
)

// SkipStageResult is the outcome of RequestSkipStage.
type SkipStageResult string

// RequestSkipStage outcomes.
const (
	SkipStageSuccess  SkipStageResult = "success"
	SkipStageNotFound SkipStageResult = "notfound"
	SkipStageConflict SkipStageResult = "conflict"
)

// ObjectStore is the minimal surface remoteshell needs to land uploaded
// artifacts under deterministic keys (spec.md §5: "Object-store keys are
// deterministic... so duplicate uploads are safe").
type ObjectStore interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
}

// Adapter is the SSH-based remote-shell contract from spec.md §4.3.
type Adapter struct {
	signer         ssh.Signer
	connectTimeout time.Duration
	store          ObjectStore
	logger         *slog.Logger
}

// NewAdapter loads the private key at keyPath and builds an Adapter. SSH
// key material is treated as an opaque secret: it is never logged and
// never leaves this package except as a signer.
func NewAdapter(keyPath string, connectTimeout time.Duration, store ObjectStore) (*Adapter, error) {
	keyBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading SSH private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("parsing SSH private key: %w", err)
	}
	return &Adapter{
		signer:         signer,
		connectTimeout: connectTimeout,
		store:          store,
		logger:         slog.With("component", "remoteshell"),
	}, nil
}

func (a *Adapter) dial(host string, port int) (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User:            "root",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(a.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // pods are ephemeral, single-use, not long-lived trust anchors
		Timeout:         a.connectTimeout,
	}
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	return ssh.Dial("tcp", addr, cfg)
}

// runCommand executes a single command over a fresh SSH session and
// returns combined stdout+stderr.
func (a *Adapter) runCommand(client *ssh.Client, command string) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("opening SSH session: %w", err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out
	if err := session.Run(command); err != nil {
		return out.String(), fmt.Errorf("running remote command: %w", err)
	}
	return out.String(), nil
}

// UploadArtifacts transfers the pipeline log and the workspace archive
// from the pod to the object store under
// research-pipeline/{run_id}/{artifact_type}/... keys. Best-effort and
// idempotent on the object-store side: a retry with the same key
// overwrites rather than duplicating.
func (a *Adapter) UploadArtifacts(ctx context.Context, host string, port int, runID, trigger string) error {
	if host == "" || port == 0 {
		return fmt.Errorf("remoteshell: missing SSH host/port for run %s (trigger=%s)", runID, trigger)
	}

	client, err := a.dial(host, port)
	if err != nil {
		return fmt.Errorf("connecting to pod for run %s: %w", runID, err)
	}
	defer client.Close()

	op := func() error {
		return a.uploadOnce(ctx, client, runID, trigger)
	}
	boff := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(5*time.Second), 2), ctx)
	return backoff.Retry(op, boff)
}

func (a *Adapter) uploadOnce(ctx context.Context, client *ssh.Client, runID, trigger string) error {
	logOut, err := a.runCommand(client, fmt.Sprintf("cat %s", pipelineLogPath))
	if err != nil {
		return fmt.Errorf("reading pipeline log for run %s: %w", runID, err)
	}
	logKey := fmt.Sprintf("research-pipeline/%s/run_log/research_pipeline.log", runID)
	if err := a.store.PutObject(ctx, logKey, []byte(logOut), "text/plain"); err != nil {
		return fmt.Errorf("storing run log for run %s: %w", runID, err)
	}

	archiveOut, err := a.runCommand(client, fmt.Sprintf("tar -czf - -C %s .", workspacesGlob))
	if err != nil {
		return fmt.Errorf("archiving workspace for run %s: %w", runID, err)
	}
	archiveKey := fmt.Sprintf("research-pipeline/%s/workspace_archive/workspace.tar.gz", runID)
	if err := a.store.PutObject(ctx, archiveKey, []byte(archiveOut), "application/gzip"); err != nil {
		return fmt.Errorf("storing workspace archive for run %s: %w", runID, err)
	}

	a.logger.Info("uploaded pod artifacts", "run_id", runID, "trigger", trigger)
	return nil
}

// RequestSkipStage sends a control command to the small control server
// running inside the pod at a well-known loopback-mapped port.
func (a *Adapter) RequestSkipStage(ctx context.Context, host string, port int, reason string) (SkipStageResult, error) {
	client, err := a.dial(host, port)
	if err != nil {
		return "", fmt.Errorf("connecting to pod for skip-stage request: %w", err)
	}
	defer client.Close()

	cmd := fmt.Sprintf("curl -sS -o /dev/null -w '%%{http_code}' -X POST http://127.0.0.1:%d/skip-stage -d %q",
		skipStageControlPort, reason)
	out, err := a.runCommand(client, cmd)
	if err != nil {
		return "", fmt.Errorf("sending skip-stage control command: %w", err)
	}

	switch out {
	case "200":
		return SkipStageSuccess, nil
	case "404":
		return SkipStageNotFound, nil
	case "409":
		return SkipStageConflict, nil
	default:
		return "", fmt.Errorf("unexpected skip-stage control response: %q", out)
	}
}
