package agent

import (
	"strings"
	"testing"

	"github.com/osercinoglu/grinn-web/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProgress(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		ok      bool
		percent float64
		hasPct  bool
		step    string
	}{
		{"start of window", "Progress: 0% done", true, 30, true, "Progress: 0% done"},
		{"midway", "progress 50%", true, 55, true, "progress 50%"},
		{"end of window", "PROGRESS 100%", true, 80, true, "PROGRESS 100%"},
		{"over 100 clamps", "progress 250%", true, 80, true, "progress 250%"},
		{"progress without figure", "progress update", true, 0, false, "progress update"},
		{"step keyword", "  Computing   pairwise energies ", true, 0, false, "Computing pairwise energies"},
		{"writing keyword", "Writing results to /output", true, 0, false, "Writing results to /output"},
		{"unrelated", "GROMACS reminds you: ...", false, 0, false, ""},
		{"empty", "   ", false, 0, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, ok := ParseProgress(tt.line)
			assert.Equal(t, tt.ok, ok)
			if !tt.ok {
				return
			}
			assert.Equal(t, tt.step, u.Step)
			if tt.hasPct {
				require.NotNil(t, u.Percent)
				assert.InDelta(t, tt.percent, *u.Percent, 0.001)
			} else {
				assert.Nil(t, u.Percent)
			}
		})
	}
}

func TestParseProgress_TruncatesLongSteps(t *testing.T) {
	line := "processing " + strings.Repeat("é", 300)
	u, ok := ParseProgress(line)
	require.True(t, ok)
	assert.LessOrEqual(t, len(u.Step), maxStepBytes)
	assert.True(t, strings.HasPrefix(u.Step, "processing "))
	assert.NotContains(t, u.Step, "�")
}

func TestWorkflowArgs(t *testing.T) {
	p := models.Parameters{
		Mode: models.ModeTrajectory,
		Trajectory: &models.TrajectoryParams{
			CommonParams: models.CommonParams{
				TopologyFile:         "topol.top",
				InitPairFilterCutoff: 12.5,
				SourceSel:            "chain A",
				TargetSel:            "chain B",
				ForceField:           "amber99sb-ildn",
				GromacsVersion:       "2024.1",
			},
			StructureFile:  "protein.pdb",
			TrajectoryFile: "traj.xtc",
			SkipFrames:     5,
		},
	}
	assert.Equal(t, []string{
		"--mode", "trajectory",
		"--structure", "/input/protein.pdb",
		"--trajectory", "/input/traj.xtc",
		"--skip-frames", "5",
		"--output", "/output",
		"--topology", "/input/topol.top",
		"--initpairfilter-cutoff", "12.5",
		"--source-sel", "chain A",
		"--target-sel", "chain B",
		"--force-field", "amber99sb-ildn",
		"--gmx-version", "2024.1",
	}, WorkflowArgs(p))

	ens := models.Parameters{
		Mode:     models.ModeEnsemble,
		Ensemble: &models.EnsembleParams{EnsembleFile: "models.pdb"},
	}
	assert.Equal(t, []string{"--mode", "ensemble", "--ensemble", "/input/models.pdb", "--output", "/output"}, WorkflowArgs(ens))
}

func TestDockerArgs(t *testing.T) {
	r := &DockerRunner{Binary: "docker", Image: "grinn:2024", Memory: "8g", CPUs: "4"}
	spec := RunSpec{
		InputDir:  "/tmp/w/input",
		OutputDir: "/tmp/w/output",
		Parameters: models.Parameters{
			Mode:     models.ModeEnsemble,
			Ensemble: &models.EnsembleParams{EnsembleFile: "models.pdb"},
		},
	}
	args := r.DockerArgs(spec)
	joined := strings.Join(args, " ")

	assert.Equal(t, "run", args[0])
	assert.Contains(t, joined, "--rm")
	assert.Contains(t, joined, "--name "+ContainerName(spec.JobID))
	assert.Contains(t, joined, "--network none")
	assert.Contains(t, joined, "--memory 8g")
	assert.Contains(t, joined, "--cpus 4")
	assert.Contains(t, joined, "-v /tmp/w/input:/input:ro")
	assert.Contains(t, joined, "-v /tmp/w/output:/output")
	assert.Contains(t, joined, "grinn:2024 python /app/grinn_workflow.py --mode ensemble")
}

func TestLineTail(t *testing.T) {
	tail := newLineTail(3)
	for _, l := range []string{"a", "b", "c", "d", "e"} {
		tail.add(l)
	}
	assert.Equal(t, []string{"c", "d", "e"}, tail.lines())
}

func TestScanLines(t *testing.T) {
	var got []string
	scanLines(strings.NewReader("one\ntwo\r\nthree"), func(l string) { got = append(got, l) })
	assert.Equal(t, []string{"one", "two", "three"}, got)
}
