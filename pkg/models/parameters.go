package models

import (
	"errors"
	"fmt"
	"strings"
)

// AnalysisMode selects which Parameters variant is populated.
type AnalysisMode string

const (
	ModeTrajectory AnalysisMode = "trajectory"
	ModeEnsemble   AnalysisMode = "ensemble"
)

const (
	DefaultSkipFrames           = 1
	DefaultInitPairFilterCutoff = 12.0
)

// ErrInvalidParameters is returned by Parameters.Validate.
var ErrInvalidParameters = errors.New("invalid parameters")

// Parameters is the immutable analysis configuration supplied at submission.
// Exactly one of Trajectory or Ensemble is set, matching Mode.
type Parameters struct {
	Mode       AnalysisMode      `json:"mode"`
	Trajectory *TrajectoryParams `json:"trajectory,omitempty"`
	Ensemble   *EnsembleParams   `json:"ensemble,omitempty"`
}

// CommonParams are shared by both analysis modes.
type CommonParams struct {
	TopologyFile         string  `json:"topology_file,omitempty"`
	InitPairFilterCutoff float64 `json:"initpairfilter_cutoff,omitempty"`
	SourceSel            string  `json:"source_sel,omitempty"`
	TargetSel            string  `json:"target_sel,omitempty"`
	ForceField           string  `json:"force_field,omitempty"`
	GromacsVersion       string  `json:"gromacs_version,omitempty"`
}

// TrajectoryParams analyses an MD trajectory against a structure.
type TrajectoryParams struct {
	CommonParams
	StructureFile  string `json:"structure_file"`
	TrajectoryFile string `json:"trajectory_file"`
	SkipFrames     int    `json:"skip_frames,omitempty"`
}

// EnsembleParams analyses a multi-model PDB ensemble.
type EnsembleParams struct {
	CommonParams
	EnsembleFile string `json:"ensemble_file"`
}

// Common returns the shared fields of whichever variant is set.
func (p *Parameters) Common() *CommonParams {
	switch p.Mode {
	case ModeTrajectory:
		if p.Trajectory != nil {
			return &p.Trajectory.CommonParams
		}
	case ModeEnsemble:
		if p.Ensemble != nil {
			return &p.Ensemble.CommonParams
		}
	}
	return nil
}

// ApplyDefaults fills unset numeric fields.
func (p *Parameters) ApplyDefaults() {
	if c := p.Common(); c != nil && c.InitPairFilterCutoff == 0 {
		c.InitPairFilterCutoff = DefaultInitPairFilterCutoff
	}
	if p.Mode == ModeTrajectory && p.Trajectory != nil && p.Trajectory.SkipFrames == 0 {
		p.Trajectory.SkipFrames = DefaultSkipFrames
	}
}

// RequiredFiles returns the filenames the analysis cannot run without.
func (p *Parameters) RequiredFiles() []string {
	switch p.Mode {
	case ModeTrajectory:
		if p.Trajectory != nil {
			return []string{p.Trajectory.StructureFile, p.Trajectory.TrajectoryFile}
		}
	case ModeEnsemble:
		if p.Ensemble != nil {
			return []string{p.Ensemble.EnsembleFile}
		}
	}
	return nil
}

// Validate checks the variant matches Mode, required fields are present and
// every referenced file has an acceptable type. When files is non-nil, referenced
// filenames must also appear in it.
func (p *Parameters) Validate(files []JobFile) error {
	var c *CommonParams
	switch p.Mode {
	case ModeTrajectory:
		if p.Trajectory == nil || p.Ensemble != nil {
			return fmt.Errorf("%w: mode trajectory requires only the trajectory block", ErrInvalidParameters)
		}
		t := p.Trajectory
		if err := requireFile("structure_file", t.StructureFile, FileTypePDB, FileTypeGRO, FileTypeTPR); err != nil {
			return err
		}
		if err := requireFile("trajectory_file", t.TrajectoryFile, FileTypeXTC, FileTypeTRR); err != nil {
			return err
		}
		if t.SkipFrames < 0 {
			return fmt.Errorf("%w: skip_frames must be >= 1", ErrInvalidParameters)
		}
		c = &t.CommonParams
	case ModeEnsemble:
		if p.Ensemble == nil || p.Trajectory != nil {
			return fmt.Errorf("%w: mode ensemble requires only the ensemble block", ErrInvalidParameters)
		}
		if err := requireFile("ensemble_file", p.Ensemble.EnsembleFile, FileTypePDB); err != nil {
			return err
		}
		c = &p.Ensemble.CommonParams
	case "":
		return fmt.Errorf("%w: mode is required", ErrInvalidParameters)
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidParameters, p.Mode)
	}

	if c.TopologyFile != "" {
		if err := requireFile("topology_file", c.TopologyFile, FileTypeTOP, FileTypeZIP, FileTypeTPR); err != nil {
			return err
		}
	}
	if c.InitPairFilterCutoff < 0 {
		return fmt.Errorf("%w: initpairfilter_cutoff must be positive", ErrInvalidParameters)
	}

	if files != nil {
		have := make(map[string]bool, len(files))
		for _, f := range files {
			have[f.Filename] = true
		}
		refs := p.RequiredFiles()
		if c.TopologyFile != "" {
			refs = append(refs, c.TopologyFile)
		}
		for _, name := range refs {
			if !have[name] {
				return fmt.Errorf("%w: referenced file %q was not uploaded", ErrInvalidParameters, name)
			}
		}
	}
	return nil
}

func requireFile(field, name string, allowed ...FileType) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidParameters, field)
	}
	ft, ok := DetectFileType(name)
	if !ok {
		return fmt.Errorf("%w: %s has unsupported extension: %q", ErrInvalidParameters, field, name)
	}
	for _, a := range allowed {
		if ft == a {
			return nil
		}
	}
	return fmt.Errorf("%w: %s must be one of %v, got %s", ErrInvalidParameters, field, allowed, ft)
}
