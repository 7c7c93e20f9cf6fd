package nn

import (
	"math"
	"math/rand"
	"testing"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestLinearForward(t *testing.T) {
	l := NewLinear(3, 2, rand.New(rand.NewSource(1)))
	copy(l.Weight.Data, []float64{1, 2, 3, 4, 5, 6})
	copy(l.Bias.Data, []float64{0.5, -1})
	x, err := FromRows([][]float64{{1, 0, -1}, {2, 1, 0}})
	if err != nil {
		t.Fatal(err)
	}
	y, err := l.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{-1.5, -3, 4.5, 12}
	for i := range want {
		if y.Data[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, y.Data)
		}
	}
	if _, err := l.Forward(NewTensor(1, 4)); err == nil {
		t.Errorf("expected error for wrong input width")
	}
}

func TestLinearBackward(t *testing.T) {
	l := NewLinear(3, 2, rand.New(rand.NewSource(1)))
	if _, err := l.Backward(NewTensor(1, 2)); err == nil {
		t.Errorf("expected error for Backward before Forward")
	}
	copy(l.Weight.Data, []float64{1, 2, 3, 4, 5, 6})
	x, _ := FromRows([][]float64{{1, 0, -1}, {2, 1, 0}})
	if _, err := l.Forward(x); err != nil {
		t.Fatal(err)
	}
	// Gradients accumulate on top of what is already there.
	for _, p := range l.Parameters() {
		for i := range p.Grad {
			p.Grad[i] = 1
		}
	}
	dy, _ := FromRows([][]float64{{1, 0}, {0, 2}})
	dx, err := l.Backward(dy)
	if err != nil {
		t.Fatal(err)
	}
	check := func(name string, got, want []float64) {
		t.Helper()
		if len(got) != len(want) {
			t.Fatalf("%s: expected %v, got %v", name, want, got)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("%s: expected %v, got %v", name, want, got)
			}
		}
	}
	check("weight grad", l.Weight.Grad, []float64{2, 1, 0, 5, 3, 1})
	check("bias grad", l.Bias.Grad, []float64{2, 3})
	check("input grad", dx.Data, []float64{1, 2, 3, 8, 10, 12})

	if _, err := l.Backward(NewTensor(2, 3)); err == nil {
		t.Errorf("expected error for mis-shaped gradient")
	}
}

func TestLinearEmptyBatch(t *testing.T) {
	l := NewLinear(3, 2, rand.New(rand.NewSource(1)))
	y, err := l.Forward(NewTensor(0, 3))
	if err != nil {
		t.Fatal(err)
	}
	if y.Rows != 0 || y.Cols != 2 {
		t.Fatalf("expected 0x2 output, got %dx%d", y.Rows, y.Cols)
	}
	dx, err := l.Backward(NewTensor(0, 2))
	if err != nil {
		t.Fatal(err)
	}
	if dx.Rows != 0 || dx.Cols != 3 {
		t.Fatalf("expected 0x3 input grad, got %dx%d", dx.Rows, dx.Cols)
	}
}

func TestArgmaxFirstOnTies(t *testing.T) {
	x, _ := FromRows([][]float64{{1, 3, 3}, {-1, -2, -1}})
	got := x.Argmax()
	if got[0] != 1 || got[1] != 0 {
		t.Errorf("expected [1 0], got %v", got)
	}
	if _, err := FromRows([][]float64{{1, 2}, {3}}); err == nil {
		t.Errorf("expected error for ragged rows")
	}
}

func TestLinearInitBounds(t *testing.T) {
	l := NewLinear(784, 10, rand.New(rand.NewSource(7)))
	bound := 1 / math.Sqrt(784)
	for _, p := range l.Parameters() {
		for _, v := range p.Data {
			if v < -bound || v > bound {
				t.Fatalf("%s value %v outside [-%v, %v]", p.Name, v, bound, bound)
			}
		}
	}
}

// Compares analytical gradients of loss(model(x)) against central
// differences.
func TestGradientCheck(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	model := Sequential{Flatten{Features: 5}, NewLinear(5, 4, rng)}
	x := NewTensor(3, 5)
	for i := range x.Data {
		x.Data[i] = rng.NormFloat64()
	}
	targets := []int{0, 3, 1}

	lossAt := func() float64 {
		out, err := model.Forward(x)
		if err != nil {
			t.Fatal(err)
		}
		loss, _, err := CrossEntropyLoss(out, targets)
		if err != nil {
			t.Fatal(err)
		}
		return loss
	}

	out, err := model.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	_, grad, err := CrossEntropyLoss(out, targets)
	if err != nil {
		t.Fatal(err)
	}
	ZeroGrad(model.Parameters())
	if _, err := model.Backward(grad); err != nil {
		t.Fatal(err)
	}

	const h = 1e-6
	for _, p := range model.Parameters() {
		for i := range p.Data {
			orig := p.Data[i]
			p.Data[i] = orig + h
			up := lossAt()
			p.Data[i] = orig - h
			down := lossAt()
			p.Data[i] = orig
			numeric := (up - down) / (2 * h)
			if !almostEqual(numeric, p.Grad[i], 1e-6) {
				t.Errorf("%s[%d]: analytic %v, numeric %v", p.Name, i, p.Grad[i], numeric)
			}
		}
	}
}

func TestCrossEntropyLoss(t *testing.T) {
	logits, _ := FromRows([][]float64{{0, 0}, {1000, 0}})
	loss, grad, err := CrossEntropyLoss(logits, []int{0, 0})
	if err != nil {
		t.Fatal(err)
	}
	// Row 0 contributes log 2, row 1 contributes ~0 and must not overflow.
	if !almostEqual(loss, math.Log(2)/2, 1e-12) {
		t.Errorf("expected loss %v, got %v", math.Log(2)/2, loss)
	}
	want := []float64{-0.25, 0.25, 0, 0}
	for i := range want {
		if !almostEqual(grad.Data[i], want[i], 1e-12) {
			t.Fatalf("expected grad %v, got %v", want, grad.Data)
		}
	}

	if _, _, err := CrossEntropyLoss(logits, []int{0}); err == nil {
		t.Errorf("expected error for target count mismatch")
	}
	if _, _, err := CrossEntropyLoss(logits, []int{0, 2}); err == nil {
		t.Errorf("expected error for out of range target")
	}
}

func TestSGDStep(t *testing.T) {
	p := NewParameter("w", 2)
	copy(p.Data, []float64{1, -1})
	opt := NewSGD([]*Parameter{p}, 0.1, 0, 0)
	copy(p.Grad, []float64{2, -4})
	opt.Step()
	if !almostEqual(p.Data[0], 0.8, 1e-12) || !almostEqual(p.Data[1], -0.6, 1e-12) {
		t.Errorf("unexpected params after plain step: %v", p.Data)
	}
	opt.ZeroGrad()
	if p.Grad[0] != 0 || p.Grad[1] != 0 {
		t.Errorf("ZeroGrad left %v", p.Grad)
	}
}

func TestSGDMomentumAndWeightDecay(t *testing.T) {
	p := NewParameter("w", 1)
	p.Data[0] = 1
	opt := NewSGD([]*Parameter{p}, 0.1, 0.9, 0.5)

	// Step 1: g = 1 + 0.5*1 = 1.5, v = 1.5, w = 1 - 0.15 = 0.85.
	p.Grad[0] = 1
	opt.Step()
	if !almostEqual(p.Data[0], 0.85, 1e-12) {
		t.Fatalf("step 1: expected 0.85, got %v", p.Data[0])
	}
	// Step 2: g = 1 + 0.425 = 1.425, v = 0.9*1.5 + 1.425 = 2.775,
	// w = 0.85 - 0.2775 = 0.5725.
	opt.Step()
	if !almostEqual(p.Data[0], 0.5725, 1e-12) {
		t.Fatalf("step 2: expected 0.5725, got %v", p.Data[0])
	}
}

func TestSimpleModelLearns(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	model := NewSimpleModel(rng)
	if n := NumParameters(model.Parameters()); n != ImageSize*NumClasses+NumClasses {
		t.Fatalf("expected %d parameters, got %d", ImageSize*NumClasses+NumClasses, n)
	}

	// Each class lights up its own block of pixels.
	x := NewTensor(NumClasses*4, ImageSize)
	targets := make([]int, x.Rows)
	for i := 0; i < x.Rows; i++ {
		c := i % NumClasses
		targets[i] = c
		row := x.Row(i)
		for k := c * 70; k < (c+1)*70; k++ {
			row[k] = 1 + 0.1*rng.Float64()
		}
	}

	opt := NewSGD(model.Parameters(), 0.1, 0.9, 0)
	var first, last float64
	for step := 0; step < 100; step++ {
		opt.ZeroGrad()
		out, err := model.Forward(x)
		if err != nil {
			t.Fatal(err)
		}
		loss, grad, err := CrossEntropyLoss(out, targets)
		if err != nil {
			t.Fatal(err)
		}
		if step == 0 {
			first = loss
		}
		last = loss
		if _, err := model.Backward(grad); err != nil {
			t.Fatal(err)
		}
		opt.Step()
	}
	if last >= first/10 {
		t.Errorf("loss did not drop enough: first %v, last %v", first, last)
	}
	out, _ := model.Forward(x)
	for i, pred := range out.Argmax() {
		if pred != targets[i] {
			t.Fatalf("sample %d: predicted %d, expected %d", i, pred, targets[i])
		}
	}
}
