package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/osercinoglu/grinn-web/internal/config"
	"github.com/osercinoglu/grinn-web/pkg/models"
)

const (
	containerInputDir  = "/input"
	containerOutputDir = "/output"
	workflowScript     = "/app/grinn_workflow.py"

	stderrTailLines = 20
	maxLineBytes    = 1 << 20
)

// Stream names passed to a LineFunc.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// RunSpec describes one analysis container invocation.
type RunSpec struct {
	JobID      uuid.UUID
	InputDir   string
	OutputDir  string
	Parameters models.Parameters
}

// RunResult is what the container left behind. A non-zero ExitCode is not an
// error from Run; only failures to start or wait on the container are.
type RunResult struct {
	ExitCode   int
	StderrTail []string
}

// LineFunc receives container output one line at a time.
type LineFunc func(stream, line string)

// Runner executes the analysis for one job and blocks until it exits or ctx
// is done. When ctx is done the container must be stopped before returning.
type Runner interface {
	Run(ctx context.Context, spec RunSpec, onLine LineFunc) (RunResult, error)
}

// DockerRunner runs the analysis image through the docker CLI.
type DockerRunner struct {
	Binary string
	Image  string
	Memory string
	CPUs   string
	logger *slog.Logger
}

func NewDockerRunner(cfg config.WorkerConfig, logger *slog.Logger) *DockerRunner {
	return &DockerRunner{
		Binary: cfg.DockerBinary,
		Image:  cfg.DockerImage,
		Memory: cfg.DockerMemory,
		CPUs:   cfg.DockerCPUs,
		logger: logger.With("component", "docker"),
	}
}

// ContainerName is the name a job's container runs under, so it can be killed by name.
func ContainerName(jobID uuid.UUID) string {
	return "grinn-" + jobID.String()
}

// DockerArgs builds the full argument list for docker.
func (r *DockerRunner) DockerArgs(spec RunSpec) []string {
	args := []string{"run", "--rm", "--name", ContainerName(spec.JobID), "--network", "none"}
	if r.Memory != "" {
		args = append(args, "--memory", r.Memory)
	}
	if r.CPUs != "" {
		args = append(args, "--cpus", r.CPUs)
	}
	if uid, gid := os.Getuid(), os.Getgid(); uid >= 0 && gid >= 0 {
		args = append(args, "--user", fmt.Sprintf("%d:%d", uid, gid))
	}
	args = append(args,
		"-v", spec.InputDir+":"+containerInputDir+":ro",
		"-v", spec.OutputDir+":"+containerOutputDir,
		r.Image,
		"python", workflowScript,
	)
	return append(args, WorkflowArgs(spec.Parameters)...)
}

// WorkflowArgs translates job parameters into grinn_workflow.py flags.
// File arguments point inside the container's read-only input mount.
func WorkflowArgs(p models.Parameters) []string {
	in := func(name string) string { return path.Join(containerInputDir, name) }

	args := []string{"--mode", string(p.Mode)}
	switch p.Mode {
	case models.ModeTrajectory:
		if t := p.Trajectory; t != nil {
			args = append(args, "--structure", in(t.StructureFile), "--trajectory", in(t.TrajectoryFile))
			if t.SkipFrames > 0 {
				args = append(args, "--skip-frames", strconv.Itoa(t.SkipFrames))
			}
		}
	case models.ModeEnsemble:
		if e := p.Ensemble; e != nil {
			args = append(args, "--ensemble", in(e.EnsembleFile))
		}
	}
	args = append(args, "--output", containerOutputDir)

	c := p.Common()
	if c == nil {
		return args
	}
	if c.TopologyFile != "" {
		args = append(args, "--topology", in(c.TopologyFile))
	}
	if c.InitPairFilterCutoff > 0 {
		args = append(args, "--initpairfilter-cutoff", strconv.FormatFloat(c.InitPairFilterCutoff, 'f', -1, 64))
	}
	if c.SourceSel != "" {
		args = append(args, "--source-sel", c.SourceSel)
	}
	if c.TargetSel != "" {
		args = append(args, "--target-sel", c.TargetSel)
	}
	if c.ForceField != "" {
		args = append(args, "--force-field", c.ForceField)
	}
	if c.GromacsVersion != "" {
		args = append(args, "--gmx-version", c.GromacsVersion)
	}
	return args
}

func (r *DockerRunner) Run(ctx context.Context, spec RunSpec, onLine LineFunc) (RunResult, error) {
	name := ContainerName(spec.JobID)
	cmd := exec.CommandContext(ctx, r.Binary, r.DockerArgs(spec)...)
	// Killing the docker CLI leaves the container running; kill it by name first.
	cmd.Cancel = func() error {
		killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if out, err := exec.CommandContext(killCtx, r.Binary, "kill", name).CombinedOutput(); err != nil {
			r.logger.Warn("docker kill failed", "container", name, "error", err, "output", strings.TrimSpace(string(out)))
		}
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = 15 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return RunResult{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return RunResult{}, fmt.Errorf("stderr pipe: %w", err)
	}

	r.logger.Info("starting container", "job_id", spec.JobID, "container", name, "image", r.Image)
	if err := cmd.Start(); err != nil {
		return RunResult{}, fmt.Errorf("start container: %w", err)
	}

	tail := newLineTail(stderrTailLines)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanLines(stdout, func(line string) { emit(onLine, StreamStdout, line) })
	}()
	go func() {
		defer wg.Done()
		scanLines(stderr, func(line string) {
			tail.add(line)
			emit(onLine, StreamStderr, line)
		})
	}()
	wg.Wait()

	err = cmd.Wait()
	res := RunResult{StderrTail: tail.lines()}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("wait for container: %w", err)
	}
	return res, nil
}

func emit(onLine LineFunc, stream, line string) {
	if onLine != nil {
		onLine(stream, line)
	}
}

func scanLines(r io.Reader, fn func(string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		fn(sc.Text())
	}
	// drain whatever a too-long line left so the process never blocks on write
	_, _ = io.Copy(io.Discard, r)
}

// lineTail keeps the last n lines written to it.
type lineTail struct {
	mu  sync.Mutex
	n   int
	buf []string
}

func newLineTail(n int) *lineTail {
	return &lineTail{n: n}
}

func (t *lineTail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, line)
	if len(t.buf) > t.n {
		t.buf = t.buf[len(t.buf)-t.n:]
	}
}

func (t *lineTail) lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.buf...)
}
