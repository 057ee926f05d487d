package neuralnet

import (
	"fmt"
	"sort"
)

// Kind selects a network variant.
type Kind int

const (
	KindClassification Kind = iota
	KindRegression
)

var kindNames = map[Kind]string{
	KindClassification: "ClassificationNet",
	KindRegression:     "RegressionNet",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Constructor builds a network of one kind.
type Constructor func(spec Spec) (*NeuralNetwork, error)

var constructors = map[Kind]Constructor{
	KindClassification: NewClassificationNet,
	KindRegression:     NewRegressionNet,
}

// ParseKind resolves a configured network name.
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	names := make([]string, 0, len(kindNames))
	for _, n := range kindNames {
		names = append(names, n)
	}
	sort.Strings(names)
	return 0, fmt.Errorf("unknown network %q (one of %v)", name, names)
}

// ConstructorFor returns the constructor registered for k.
func ConstructorFor(k Kind) (Constructor, error) {
	c, ok := constructors[k]
	if !ok {
		return nil, fmt.Errorf("no constructor for %s", k)
	}
	return c, nil
}

// New builds a network of kind k.
func New(k Kind, spec Spec) (*NeuralNetwork, error) {
	c, err := ConstructorFor(k)
	if err != nil {
		return nil, err
	}
	return c(spec)
}

// NewClassificationNet builds a softmax classifier trained with cross-entropy.
func NewClassificationNet(spec Spec) (*NeuralNetwork, error) {
	return newNeuralNetwork(KindClassification, spec)
}

// NewRegressionNet builds a linear regressor trained with squared error.
func NewRegressionNet(spec Spec) (*NeuralNetwork, error) {
	return newNeuralNetwork(KindRegression, spec)
}
