// SPDX-License-Identifier: MIT

package node

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/browsergrid/browsergrid/internal/log"
)

// Variant selects quirk handling for a WebDriver binary.
type Variant string

const (
	VariantChrome  Variant = "chrome"
	VariantFirefox Variant = "firefox"
	VariantSafari  Variant = "safari"
	VariantGeneric Variant = "generic"
)

// args builds the subprocess argv for the variant.
func (v Variant) args(port int) []string {
	switch v {
	case VariantChrome:
		return []string{fmt.Sprintf("--port=%d", port), "--whitelisted-ips", "*"}
	case VariantSafari:
		return []string{"--diagnose", "-p", strconv.Itoa(port)}
	default:
		return []string{fmt.Sprintf("--port=%d", port)}
	}
}

// Driver wraps the WebDriver subprocess: launch, health polling, the
// initial session create and shutdown.
type Driver struct {
	Binary  string
	Variant Variant
	Port    int
	Logger  zerolog.Logger

	// base overrides the driver URL; tests point it at a fake server.
	base   string
	client *http.Client
	cmd    *exec.Cmd
	exited chan struct{}
}

// NewDriver builds a driver wrapper listening on port.
func NewDriver(binary string, variant Variant, port int) *Driver {
	return &Driver{
		Binary:  binary,
		Variant: variant,
		Port:    port,
		Logger:  log.WithComponent("driver"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// BaseURL is the driver's local HTTP root.
func (d *Driver) BaseURL() string {
	if d.base != "" {
		return d.base
	}
	return "http://127.0.0.1:" + strconv.Itoa(d.Port)
}

// Start launches the subprocess.
func (d *Driver) Start() error {
	cmd := exec.Command(d.Binary, d.Variant.args(d.Port)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start driver %s: %w", d.Binary, err)
	}
	d.cmd = cmd
	d.exited = make(chan struct{})
	go func() {
		defer close(d.exited)
		if err := cmd.Wait(); err != nil {
			d.Logger.Warn().Err(err).Msg("driver exited")
		}
	}()
	return nil
}

// AwaitHealthy polls /status until the driver answers 200 or timeout
// elapses.
func (d *Driver) AwaitHealthy(ctx context.Context, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.BaseURL()+"/status", nil)
		if err != nil {
			return err
		}
		resp, err := d.client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-ticker.C:
		case <-deadline.C:
			return fmt.Errorf("driver not healthy after %s", timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type driverSessionValue struct {
	Value struct {
		SessionID    string          `json:"sessionId"`
		Capabilities json.RawMessage `json:"capabilities"`
	} `json:"value"`
}

// CreateSession posts the client capabilities to the driver and returns
// the driver-internal session id plus the actual capabilities.
func (d *Driver) CreateSession(ctx context.Context, rawCapabilities json.RawMessage) (string, json.RawMessage, error) {
	body, err := json.Marshal(map[string]json.RawMessage{"capabilities": rawCapabilities})
	if err != nil {
		return "", nil, fmt.Errorf("marshal session request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.BaseURL()+"/session", bytes.NewReader(body))
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("create driver session: %w", err)
	}
	defer resp.Body.Close()

	var out driverSessionValue
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", nil, fmt.Errorf("decode driver session response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || out.Value.SessionID == "" {
		return "", nil, fmt.Errorf("driver refused session, status %d", resp.StatusCode)
	}
	return out.Value.SessionID, out.Value.Capabilities, nil
}

// Stop terminates the subprocess, escalating to SIGKILL after grace.
func (d *Driver) Stop(grace time.Duration) {
	if d.cmd == nil || d.cmd.Process == nil {
		return
	}
	if err := d.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		d.Logger.Warn().Err(err).Msg("driver signal failed")
	}
	select {
	case <-d.exited:
	case <-time.After(grace):
		_ = d.cmd.Process.Kill()
		<-d.exited
	}
}
