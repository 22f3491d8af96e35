package collaborator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/loqalabs/loqa-voicechat/internal/config"
	"github.com/loqalabs/loqa-voicechat/internal/protocol"
	"github.com/mattn/go-shellwords"
)

// NewExec returns a collaborator that spawns cfg.Command for every call and
// exchanges JSON-lines frames over its stdin and stdout.
func NewExec(cfg config.CollaboratorConfig, log *slog.Logger) (Collaborator, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse collaborator command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("collaborator command empty")
	}
	dial := func(ctx context.Context) (frameConn, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return spawn(args)
	}
	return newStreamCollaborator("exec", dial, cfg.EventBuffer, log), nil
}

type procConn struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	scanner   *bufio.Scanner
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func spawn(args []string) (*procConn, error) {
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", args[0], err)
	}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &procConn{cmd: cmd, stdin: stdin, scanner: scanner}, nil
}

// ReadFrame skips lines that are not valid JSON frames.
func (p *procConn) ReadFrame() (protocol.Frame, error) {
	for p.scanner.Scan() {
		var frame protocol.Frame
		if err := json.Unmarshal(p.scanner.Bytes(), &frame); err != nil {
			continue
		}
		return frame, nil
	}
	if err := p.scanner.Err(); err != nil {
		return protocol.Frame{}, err
	}
	return protocol.Frame{}, io.EOF
}

func (p *procConn) WriteFrame(frame protocol.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err = p.stdin.Write(append(data, '\n'))
	return err
}

func (p *procConn) Close() error {
	p.closeOnce.Do(func() {
		_ = p.stdin.Close()
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		_ = p.cmd.Wait()
	})
	return nil
}
