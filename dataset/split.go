package dataset

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// ErrBadPartition is returned for impossible split or fold requests.
var ErrBadPartition = errors.New("bad partition")

// Split is the fixed train/test partition of one search run.
// TrainIndex and TestIndex refer to positions in the source dataset.
type Split struct {
	Train, Test           *Dataset
	TrainIndex, TestIndex []int
}

// TestCount is the number of held-out examples for n examples and fraction.
func TestCount(n int, fraction float64) int {
	// the epsilon keeps 0.33*300 at 99 despite binary rounding
	return int(math.Ceil(fraction*float64(n) - 1e-9))
}

// SplitDataset shuffles ds with seed and holds out ceil(testFraction*n) examples.
// Equal seeds give identical partitions of the same dataset.
func SplitDataset(ds *Dataset, testFraction float64, seed int64) (*Split, error) {
	n := ds.Len()
	if testFraction <= 0 || testFraction >= 1 {
		return nil, fmt.Errorf("%w: test fraction %g not in (0, 1)", ErrBadPartition, testFraction)
	}
	nTest := TestCount(n, testFraction)
	if nTest < 1 || nTest >= n {
		return nil, fmt.Errorf("%w: %d examples cannot hold out %d", ErrBadPartition, n, nTest)
	}
	perm := rand.New(rand.NewSource(seed)).Perm(n)
	s := &Split{
		TestIndex:  append([]int(nil), perm[:nTest]...),
		TrainIndex: append([]int(nil), perm[nTest:]...),
	}
	s.Train = ds.Subset(s.TrainIndex)
	s.Test = ds.Subset(s.TestIndex)
	return s, nil
}

// Balance holds per-class example counts on both sides of a split.
type Balance struct {
	Classes []int
	Train   []int
	Test    []int
}

// Total returns per-class totals and the overall total.
func (b Balance) Total() ([]int, int) {
	out := make([]int, len(b.Classes))
	sum := 0
	for i := range b.Classes {
		out[i] = b.Train[i] + b.Test[i]
		sum += out[i]
	}
	return out, sum
}

// ClassBalance counts classes found in either side.
func ClassBalance(train, test *Dataset) Balance {
	counts := func(ds *Dataset) map[int]int {
		m := map[int]int{}
		for i := 0; i < ds.Len(); i++ {
			m[ds.Class(i)]++
		}
		return m
	}
	tr, te := counts(train), counts(test)
	seen := map[int]bool{}
	var b Balance
	for _, m := range []map[int]int{tr, te} {
		for c := range m {
			if !seen[c] {
				seen[c] = true
				b.Classes = append(b.Classes, c)
			}
		}
	}
	sort.Ints(b.Classes)
	for _, c := range b.Classes {
		b.Train = append(b.Train, tr[c])
		b.Test = append(b.Test, te[c])
	}
	return b
}

// Fold is one cross-validation partition of the train side.
type Fold struct {
	Train, Validation []int
}

// KFold partitions 0..n-1 into k contiguous validation blocks without
// shuffling. The first n mod k blocks are one example larger.
func KFold(n, k int) ([]Fold, error) {
	if k < 2 {
		return nil, fmt.Errorf("%w: need at least 2 folds, got %d", ErrBadPartition, k)
	}
	if n < k {
		return nil, fmt.Errorf("%w: %d examples cannot fill %d folds", ErrBadPartition, n, k)
	}
	folds := make([]Fold, k)
	start := 0
	for f := 0; f < k; f++ {
		size := n / k
		if f < n%k {
			size++
		}
		end := start + size
		fold := Fold{Validation: make([]int, 0, size), Train: make([]int, 0, n-size)}
		for i := 0; i < n; i++ {
			if i >= start && i < end {
				fold.Validation = append(fold.Validation, i)
			} else {
				fold.Train = append(fold.Train, i)
			}
		}
		folds[f] = fold
		start = end
	}
	return folds, nil
}
