package restructure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"imagedeid/internal/config"
	"imagedeid/internal/fileutil"
	"imagedeid/internal/layout"
	"imagedeid/internal/logging"
	"imagedeid/internal/services"
	"imagedeid/internal/sidecar"
	"imagedeid/internal/textutil"
)

// Outcome is the terminal state of one acquisition.
type Outcome string

const (
	OutcomePlaced      Outcome = "placed"
	OutcomeQuarantined Outcome = "quarantined"
	OutcomeDeleted     Outcome = "deleted"
)

// Target names the output location of a resolved session.
type Target struct {
	Collection string
	CID        string
	Session    string
}

func (t Target) validate() error {
	for _, part := range []string{t.Collection, t.CID, t.Session} {
		if strings.TrimSpace(part) == "" || strings.ContainsAny(part, `/\`) || part == "." || part == ".." {
			return services.Wrap(services.ErrValidation, "restructure", "place", "target components must be single non-empty path elements", nil)
		}
	}
	return nil
}

// Acquisition is what Place learned about one acquisition's sidecar.
type Acquisition struct {
	Dir               string
	Sidecar           string
	SeriesNumber      string
	SeriesDescription string
	Modality          string
	FieldCount        int
}

var artifactSuffixes = []string{".nii.gz", ".nii", ".json", ".bval", ".bvec"}

type placeState int

const (
	stateInspect placeState = iota
	stateRiskFilter
	stateSizeFilter
	statePlace
	stateMove
	stateCleanup
	stateDone
)

// Restructurer places acquisitions into the output and quarantine trees.
type Restructurer struct {
	cfg        config.Restructure
	output     *layout.Tree
	quarantine *layout.Tree
	logger     *slog.Logger
}

// New constructs a restructurer writing below outputRoot and quarantineRoot.
func New(cfg config.Restructure, outputRoot, quarantineRoot string, logger *slog.Logger) *Restructurer {
	return &Restructurer{
		cfg:        cfg,
		output:     layout.NewOutputTree(outputRoot),
		quarantine: layout.NewOutputTree(quarantineRoot),
		logger:     logging.NewComponentLogger(logger, "restructure"),
	}
}

type placement struct {
	acq     Acquisition
	tree    *layout.Tree
	node    *layout.Node
	outcome Outcome
	reason  string
}

// Place runs acqDir through inspection, filtering, placement, and cleanup.
// It returns the terminal outcome and, for placed or quarantined
// acquisitions, the directory the artifacts now live in.
func (r *Restructurer) Place(ctx context.Context, acqDir string, target Target) (Outcome, string, error) {
	if err := target.validate(); err != nil {
		return "", "", err
	}
	logger := logging.WithContext(ctx, r.logger)
	p := &placement{acq: Acquisition{Dir: acqDir}}

	for state := stateInspect; state != stateDone; {
		if err := ctx.Err(); err != nil {
			return "", "", err
		}
		var err error
		switch state {
		case stateInspect:
			state, err = r.inspect(p)
		case stateRiskFilter:
			state, err = r.riskFilter(p)
		case stateSizeFilter:
			state = r.sizeFilter(p)
		case statePlace:
			state, err = r.allocate(p, target)
		case stateMove:
			state, err = r.move(p)
		case stateCleanup:
			state, err = r.cleanup(p)
		}
		if err != nil {
			return "", "", err
		}
	}

	logger.Info("acquisition restructured", logging.Args(append(
		logging.DecisionAttrs("acquisition_placement", string(p.outcome), p.reason),
		logging.String("series_number", p.acq.SeriesNumber),
		logging.String("modality", p.acq.Modality),
		logging.Int("sidecar_fields", p.acq.FieldCount),
	)...)...)

	if p.outcome == OutcomeDeleted {
		return p.outcome, "", nil
	}
	return p.outcome, p.node.Path(), nil
}

func (r *Restructurer) inspect(p *placement) (placeState, error) {
	path, ok, err := sidecar.Primary(p.acq.Dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return stateDone, fmt.Errorf("inspect acquisition: %w", err)
	}
	if !ok {
		return r.discard(p, "no usable sidecar")
	}
	fields, err := sidecar.Read(path)
	if err != nil {
		return r.discard(p, "sidecar unreadable")
	}
	p.acq.Sidecar = path
	p.acq.SeriesDescription = fields.String("SeriesDescription")
	p.acq.Modality = strings.ToUpper(fields.String("Modality"))
	p.acq.SeriesNumber = seriesNumber(fields["SeriesNumber"])
	p.acq.FieldCount = len(fields)
	if strings.TrimSpace(p.acq.SeriesDescription) == "" {
		return r.discard(p, "sidecar has no series description")
	}
	return stateRiskFilter, nil
}

func (r *Restructurer) riskFilter(p *placement) (placeState, error) {
	if _, hit := textutil.ContainsAnyFold(p.acq.SeriesDescription, r.cfg.PHIRiskKeywords); hit {
		return r.discard(p, "phi risk keyword in series description")
	}
	return stateSizeFilter, nil
}

func (r *Restructurer) sizeFilter(p *placement) placeState {
	p.tree, p.outcome, p.reason = r.output, OutcomePlaced, "sidecar accepted"
	if p.acq.FieldCount >= r.cfg.ShortSidecarThreshold || p.acq.Modality == "CT" {
		return statePlace
	}
	if _, exempt := textutil.ContainsAny(filepath.Base(p.acq.Sidecar), r.cfg.ShortSidecarExemptions); exempt {
		p.reason = "short sidecar exempt by series name"
		return statePlace
	}
	p.tree, p.outcome = r.quarantine, OutcomeQuarantined
	p.reason = fmt.Sprintf("sidecar has %d fields, below %d", p.acq.FieldCount, r.cfg.ShortSidecarThreshold)
	return statePlace
}

// allocate creates the first free "NN - label" directory under the session,
// appending " (n)" on collision. Mkdir fails on an existing name, so a
// directory created concurrently also advances n.
func (r *Restructurer) allocate(p *placement, target Target) (placeState, error) {
	session := p.tree.Session(target.Collection, target.CID, target.Session)
	if err := os.MkdirAll(session.Path(), 0o755); err != nil {
		return stateDone, services.Wrap(services.ErrValidation, "restructure", "create session dir", "", err)
	}
	base := textutil.SanitizeLabel(fmt.Sprintf("%s - %s", p.acq.SeriesNumber, p.acq.SeriesDescription))
	name := base
	for n := 1; ; n++ {
		node := session.Child(name, layout.KindAcquisition)
		err := os.Mkdir(node.Path(), 0o755)
		if err == nil {
			p.node = node
			return stateMove, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return stateDone, fmt.Errorf("create acquisition dir: %w", err)
		}
		name = fmt.Sprintf("%s (%d)", base, n)
	}
}

func (r *Restructurer) move(p *placement) (placeState, error) {
	entries, err := os.ReadDir(p.acq.Dir)
	if err != nil {
		return stateDone, fmt.Errorf("list acquisition: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !isArtifact(e.Name()) {
			continue
		}
		src := filepath.Join(p.acq.Dir, e.Name())
		dst := filepath.Join(p.node.Path(), textutil.SanitizeArtifactName(e.Name()))
		if _, err := os.Lstat(dst); err == nil {
			return stateDone, fmt.Errorf("move %s: destination already exists", e.Name())
		}
		if err := fileutil.MoveFile(src, dst); err != nil {
			return stateDone, err
		}
	}
	return stateCleanup, nil
}

func (r *Restructurer) cleanup(p *placement) (placeState, error) {
	if err := os.Remove(p.acq.Dir); err != nil && !errors.Is(err, os.ErrNotExist) && !isNotEmpty(err) {
		return stateDone, fmt.Errorf("remove source acquisition: %w", err)
	}
	if err := p.tree.Prune(p.node); err != nil {
		return stateDone, err
	}
	return stateDone, nil
}

func (r *Restructurer) discard(p *placement, reason string) (placeState, error) {
	p.outcome, p.reason = OutcomeDeleted, reason
	if err := os.RemoveAll(p.acq.Dir); err != nil {
		return stateDone, fmt.Errorf("remove acquisition: %w", err)
	}
	return stateDone, nil
}

func isArtifact(name string) bool {
	lower := strings.ToLower(name)
	for _, suffix := range artifactSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

// seriesNumber renders a sidecar SeriesNumber zero-padded to two digits.
func seriesNumber(v any) string {
	var s string
	switch n := v.(type) {
	case json.Number:
		s = n.String()
	case string:
		s = strings.TrimSpace(n)
	case float64:
		s = fmt.Sprintf("%g", n)
	}
	if s == "" {
		return "00"
	}
	if len(s) == 1 {
		return "0" + s
	}
	return s
}
