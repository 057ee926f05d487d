package fitness

import (
	"fmt"
	"strings"

	"gonevo/architecture"
	"gonevo/imageproc"
)

// Individual is one decoded candidate. Both programs must be non-nil; an empty
// program is the identity.
type Individual struct {
	// Genome and Depth describe the tree for logging only.
	Genome        string
	Depth         int
	Preprocessing imageproc.Program
	Architecture  architecture.Program
}

// DecodeIndividual parses "<preprocessing> | <architecture>".
func DecodeIndividual(genome string) (Individual, error) {
	pre, arch, ok := strings.Cut(genome, "|")
	if !ok {
		return Individual{Genome: genome}, fmt.Errorf("%w: genome %q lacks the '|' between its two programs", ErrMalformed, genome)
	}
	return decode(genome, pre, arch, 0)
}

// IndividualSpec is the file form of an individual.
type IndividualSpec struct {
	Genome        string `yaml:"genome"`
	Depth         int    `yaml:"depth"`
	Preprocessing string `yaml:"preprocessing"`
	Architecture  string `yaml:"architecture"`
}

// Decode parses both programs. A set Genome overrides the separate fields.
func (s IndividualSpec) Decode() (Individual, error) {
	if s.Genome != "" && s.Preprocessing == "" && s.Architecture == "" {
		ind, err := DecodeIndividual(s.Genome)
		ind.Depth = s.Depth
		return ind, err
	}
	genome := s.Genome
	if genome == "" {
		genome = s.Preprocessing + " | " + s.Architecture
	}
	return decode(genome, s.Preprocessing, s.Architecture, s.Depth)
}

func decode(genome, pre, arch string, depth int) (Individual, error) {
	ind := Individual{Genome: genome, Depth: depth}
	var err error
	if ind.Preprocessing, err = imageproc.Parse(pre); err != nil {
		return ind, fmt.Errorf("%w: preprocessing: %w", ErrMalformed, err)
	}
	if ind.Architecture, err = architecture.Parse(arch); err != nil {
		return ind, fmt.Errorf("%w: architecture: %w", ErrMalformed, err)
	}
	return ind, nil
}
