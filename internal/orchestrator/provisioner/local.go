// SPDX-License-Identifier: MIT

package provisioner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/browsergrid/browsergrid/internal/log"
)

// Local provisions nodes as child processes of the orchestrator by
// re-executing this binary's node subcommand. Meant for development
// and single-host setups; the Image reference selects the driver
// variant rather than a container image.
type Local struct {
	orchestrator string
	busURL       string
	binary       string
	driverPath   string
	logger       zerolog.Logger

	mu    sync.Mutex
	procs map[string]*localProc
}

type localProc struct {
	cmd    *exec.Cmd
	exited bool
}

// NewLocal builds the subprocess back-end. driverPath points at the
// WebDriver binary handed to spawned nodes.
func NewLocal(orchestratorID, busURL, driverPath string) (*Local, error) {
	binary, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve own binary: %w", err)
	}
	return &Local{
		orchestrator: orchestratorID,
		busURL:       busURL,
		binary:       binary,
		driverPath:   driverPath,
		logger:       log.WithComponent("provisioner.local"),
		procs:        make(map[string]*localProc),
	}, nil
}

func (l *Local) Name() string { return "local" }

func (l *Local) Provision(ctx context.Context, req Request) (map[string]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if p, ok := l.procs[req.SessionID]; ok && !p.exited {
		// Redelivered provisioning job; the node is running.
		return map[string]string{"pid": fmt.Sprint(p.cmd.Process.Pid)}, nil
	}

	cmd := exec.Command(l.binary,
		"node",
		"--id", req.SessionID,
		"--driver", l.driverPath,
		"--variant", req.Image,
		"--bus", l.busURL,
	)
	cmd.Env = append(os.Environ(),
		EnvSessionID+"="+req.SessionID,
		EnvSlotToken+"="+req.SlotToken,
		EnvOrchestrator+"="+req.Orchestrator,
		EnvBusURL+"="+l.busURL,
		EnvCapabilities+"="+string(req.RawCapabilities),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start node for %s: %w", req.SessionID, err)
	}
	p := &localProc{cmd: cmd}
	l.procs[req.SessionID] = p

	go func() {
		err := cmd.Wait()
		l.mu.Lock()
		p.exited = true
		l.mu.Unlock()
		if err != nil {
			l.logger.Info().Err(err).Str(log.FieldSessionID, req.SessionID).Msg("node exited")
		}
	}()

	return map[string]string{"pid": fmt.Sprint(cmd.Process.Pid)}, nil
}

func (l *Local) AliveSessions(context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var alive []string
	for id, p := range l.procs {
		if !p.exited {
			alive = append(alive, id)
		}
	}
	return alive, nil
}

func (l *Local) PurgeTerminated(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, p := range l.procs {
		if p.exited {
			delete(l.procs, id)
		}
	}
	return nil
}

// Shutdown signals every running node to terminate.
func (l *Local) Shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, p := range l.procs {
		if !p.exited && p.cmd.Process != nil {
			if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
				l.logger.Warn().Err(err).Str(log.FieldSessionID, id).Msg("node signal failed")
			}
		}
	}
}
