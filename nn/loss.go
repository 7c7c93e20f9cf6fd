package nn

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// CrossEntropyLoss returns the mean negative log-likelihood of targets under
// softmax(logits), together with its gradient with respect to logits.
func CrossEntropyLoss(logits *Tensor, targets []int) (float64, *Tensor, error) {
	if len(targets) != logits.Rows {
		return 0, nil, errors.Errorf("cross entropy: %d targets for %d rows", len(targets), logits.Rows)
	}
	if logits.Rows == 0 {
		return 0, NewTensor(0, logits.Cols), nil
	}
	grad := NewTensor(logits.Rows, logits.Cols)
	n := float64(logits.Rows)
	var loss float64
	for i := 0; i < logits.Rows; i++ {
		target := targets[i]
		if target < 0 || target >= logits.Cols {
			return 0, nil, errors.Errorf("cross entropy: target %d out of range [0, %d)", target, logits.Cols)
		}
		row := logits.Row(i)
		hi := floats.Max(row)
		var sum float64
		for _, v := range row {
			sum += math.Exp(v - hi)
		}
		logSum := hi + math.Log(sum)
		loss += logSum - row[target]

		g := grad.Row(i)
		for j, v := range row {
			g[j] = math.Exp(v-logSum) / n
		}
		g[target] -= 1 / n
	}
	return loss / n, grad, nil
}
