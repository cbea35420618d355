// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package marker

import (
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

const (
	// DefaultPath is the mongocryptd binary looked up in $PATH.
	DefaultPath = "mongocryptd"
	// DefaultIdleShutdown is the number of idle seconds after which
	// mongocryptd shuts itself down.
	DefaultIdleShutdown = 60

	idleShutdownFlag = "--idleShutdownTimeoutSecs"
)

// A Spawner starts the marking process.
type Spawner interface {
	// Spawn starts a new marking process. Spawn returns once the
	// process has been started; it does not wait for the process to
	// accept connections or to exit.
	Spawn(ctx context.Context) error
}

// SpawnerFunc adapts a function to a Spawner.
type SpawnerFunc func(ctx context.Context) error

// Spawn implements Spawner.
func (f SpawnerFunc) Spawn(ctx context.Context) error { return f(ctx) }

// Exec spawns mongocryptd as a child process.
type Exec struct {
	// Path is the mongocryptd binary; DefaultPath is used if empty.
	Path string
	// Args are the process arguments. The idle shutdown flag is
	// appended when absent, and test commands are always enabled.
	Args []string
}

// Command returns the command line that Spawn runs.
func (e *Exec) Command() (path string, args []string) {
	path = e.Path
	if path == "" {
		path = DefaultPath
	}
	args = append(args, e.Args...)
	var idle bool
	for _, arg := range args {
		if arg == idleShutdownFlag || strings.HasPrefix(arg, idleShutdownFlag+"=") {
			idle = true
		}
	}
	if !idle {
		args = append(args, idleShutdownFlag, strconv.Itoa(DefaultIdleShutdown))
	}
	args = append(args, "--setParameter", "enableTestCommands=1")
	return path, args
}

// Spawn implements Spawner. The process is not bound to ctx: it
// outlives the call that started it and terminates itself once idle.
// The process is reaped in the background.
func (e *Exec) Spawn(ctx context.Context) error {
	path, args := e.Command()
	cmd := exec.Command(path, args...)
	if err := cmd.Start(); err != nil {
		return errors.E(errors.Unavailable, "marker: start mongocryptd", path, err)
	}
	log.Printf("marker: started %s (pid %d)", path, cmd.Process.Pid)
	go func() {
		err := cmd.Wait()
		log.Debug.Printf("marker: %s (pid %d) exited: %v", path, cmd.Process.Pid, err)
	}()
	return nil
}
