// Package testutil starts the testserver binary as a child process for
// end-to-end tests.
package testutil

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
)

// StartupTimeout bounds how long StartTestServer waits for the listening line.
const StartupTimeout = 10 * time.Second

var listeningLine = regexp.MustCompile(`^listening url=(\S+) id=(\S+)$`)

// WriteConfig writes configData to dir/name in JSON or TOML format and
// returns the file path. TOML output goes through a JSON round trip so the
// json struct tags decide key names.
func WriteConfig(dir, name string, configData interface{}, format string) (string, error) {
	var data []byte
	var err error

	switch strings.ToLower(format) {
	case "json":
		data, err = json.MarshalIndent(configData, "", "  ")
	case "toml":
		var asJSON []byte
		asJSON, err = json.Marshal(configData)
		if err != nil {
			break
		}
		var table map[string]interface{}
		if err = json.Unmarshal(asJSON, &table); err != nil {
			break
		}
		buf := new(bytes.Buffer)
		if err = toml.NewEncoder(buf).Encode(table); err == nil {
			data = buf.Bytes()
		}
	default:
		err = fmt.Errorf("unsupported config format: %s", format)
	}
	if err != nil {
		return "", fmt.Errorf("failed to marshal config data to %s: %w", format, err)
	}

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}
	return path, nil
}

// ServerInstance is a running testserver process.
type ServerInstance struct {
	Cmd        *exec.Cmd
	URL        string
	ID         string
	ConfigPath string

	mu     sync.Mutex
	output bytes.Buffer

	waitOnce sync.Once
	waitErr  error
	copyDone chan struct{}
}

// StartTestServer runs "<binary> serve --config <configPath> [extraArgs]"
// and waits for the process to report its listening URL.
func StartTestServer(binary, configPath string, extraArgs ...string) (*ServerInstance, error) {
	if binary == "" {
		return nil, fmt.Errorf("server binary path cannot be empty")
	}
	if configPath == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}

	args := append([]string{"serve", "--config", configPath}, extraArgs...)
	cmd := exec.Command(binary, args...)
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	si := &ServerInstance{Cmd: cmd, ConfigPath: configPath, copyDone: make(chan struct{})}
	found := make(chan [2]string, 1)
	go si.copyOutput(pr, found)

	if err := cmd.Start(); err != nil {
		pw.Close()
		return nil, fmt.Errorf("failed to start server %s: %w", binary, err)
	}
	go func() {
		_ = si.wait()
		pw.Close()
	}()

	select {
	case m := <-found:
		si.URL, si.ID = m[0], m[1]
		return si, nil
	case <-si.copyDone:
		_ = si.wait()
		return nil, fmt.Errorf("server exited before listening: %v\noutput:\n%s", si.waitErr, si.Output())
	case <-time.After(StartupTimeout):
		_ = cmd.Process.Kill()
		<-si.copyDone
		return nil, fmt.Errorf("server did not report a listening address within %v\noutput:\n%s", StartupTimeout, si.Output())
	}
}

func (si *ServerInstance) copyOutput(r io.Reader, found chan<- [2]string) {
	defer close(si.copyDone)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	reported := false
	for sc.Scan() {
		line := sc.Text()
		si.mu.Lock()
		si.output.WriteString(line)
		si.output.WriteByte('\n')
		si.mu.Unlock()
		if !reported {
			if m := listeningLine.FindStringSubmatch(line); m != nil {
				found <- [2]string{m[1], m[2]}
				reported = true
			}
		}
	}
}

func (si *ServerInstance) wait() error {
	si.waitOnce.Do(func() { si.waitErr = si.Cmd.Wait() })
	return si.waitErr
}

// Output returns everything the process has written to stdout and stderr.
func (si *ServerInstance) Output() string {
	si.mu.Lock()
	defer si.mu.Unlock()
	return si.output.String()
}

// Stop sends sig and waits for the process to exit, killing it after
// timeout. The returned error is the process exit error.
func (si *ServerInstance) Stop(sig syscall.Signal, timeout time.Duration) error {
	if err := si.Cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to signal server: %w", err)
	}
	select {
	case <-si.copyDone:
	case <-time.After(timeout):
		_ = si.Cmd.Process.Kill()
		<-si.copyDone
		return fmt.Errorf("server did not exit within %v after %v", timeout, sig)
	}
	return si.wait()
}
