package artifact

import (
	"fmt"
	"math"
)

const eulerGamma = 0.5772156649

// forestNode is one split or leaf. Leaves have a negative feature index.
type forestNode struct {
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	NSamples  int     `json:"n_samples"`
}

type forestTree struct {
	Nodes []forestNode `json:"nodes"`
}

// isolationForest scores by mean isolation depth. Its raw score is the
// negated sklearn score_samples: 2^(-E[h(x)] / c(max_samples)).
type isolationForest struct {
	MaxSamples int          `json:"max_samples"`
	Trees      []forestTree `json:"trees"`

	width int
}

func (f *isolationForest) validate(width int) error {
	if f.MaxSamples < 1 {
		return fmt.Errorf("isolation forest: max_samples must be positive, got %d", f.MaxSamples)
	}
	if len(f.Trees) == 0 {
		return fmt.Errorf("isolation forest: no trees")
	}
	for ti, tree := range f.Trees {
		if len(tree.Nodes) == 0 {
			return fmt.Errorf("isolation forest: tree %d has no nodes", ti)
		}
		for ni, n := range tree.Nodes {
			if n.Feature < 0 {
				continue
			}
			if n.Feature >= width {
				return fmt.Errorf("isolation forest: tree %d node %d splits on feature %d of %d", ti, ni, n.Feature, width)
			}
			// Children always come after their parent, so descent terminates.
			if n.Left <= ni || n.Right <= ni || n.Left >= len(tree.Nodes) || n.Right >= len(tree.Nodes) {
				return fmt.Errorf("isolation forest: tree %d node %d has invalid children", ti, ni)
			}
		}
	}
	f.width = width
	return nil
}

func (f *isolationForest) RawScore(values []float64) (float64, error) {
	if len(values) != f.width {
		return 0, fmt.Errorf("isolation forest: expected %d values, got %d", f.width, len(values))
	}
	var total float64
	for i := range f.Trees {
		total += pathLength(&f.Trees[i], values)
	}
	mean := total / float64(len(f.Trees))
	norm := averagePathLength(f.MaxSamples)
	if norm == 0 {
		return 1, nil
	}
	return math.Pow(2, -mean/norm), nil
}

func pathLength(tree *forestTree, values []float64) float64 {
	depth := 0
	i := 0
	for {
		n := tree.Nodes[i]
		if n.Feature < 0 {
			return float64(depth) + averagePathLength(n.NSamples)
		}
		if values[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
		depth++
	}
}

// averagePathLength is c(n), the expected depth of an unsuccessful BST
// search over n points.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}
