package fold

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Fold is an immutable split of a dataset into training and test rows.
// Raw inputs are first standardised with the data-wide statistics of their
// repository, then mapped x' = R x by the fold's rotation and finally
// normalised with statistics of the rotated training rows.
type Fold struct {
	data     *Dataset
	train    []int
	test     []int
	base     Standardization
	rotation *mat.Dense
	norm     Normalization

	trainX, trainY *mat.Dense
	testX, testY   *mat.Dense
}

func newFold(data *Dataset, train, test []int, base Standardization, rotation *mat.Dense) *Fold {
	_, m, _ := data.Dims()
	if rotation == nil {
		rotation = identity(m)
	}
	f := &Fold{
		data:     data,
		train:    train,
		test:     test,
		base:     base,
		rotation: rotation,
	}
	rawTrainX, rawTrainY := f.rows(train)
	f.norm = newNormalization(rawTrainX, rawTrainY)
	f.trainX = scale(rawTrainX, f.norm.MeanX, f.norm.StdX)
	f.trainY = scale(rawTrainY, f.norm.MeanY, f.norm.StdY)
	if len(test) > 0 {
		rawTestX, rawTestY := f.rows(test)
		f.testX = scale(rawTestX, f.norm.MeanX, f.norm.StdX)
		f.testY = scale(rawTestY, f.norm.MeanY, f.norm.StdY)
	}
	return f
}

// rows returns the standardised, rotated inputs and the outputs of the
// given rows.
func (f *Fold) rows(idx []int) (x, y *mat.Dense) {
	_, m, l := f.data.Dims()
	raw := mat.NewDense(len(idx), m, nil)
	y = mat.NewDense(len(idx), l, nil)
	for i, r := range idx {
		raw.SetRow(i, f.data.X.RawRowView(r))
		y.SetRow(i, f.data.Y.RawRowView(r))
	}
	return f.rotate(raw), y
}

// rotate returns R (x - μ) / σ for each row x of raw.
func (f *Fold) rotate(raw mat.Matrix) *mat.Dense {
	r, m := raw.Dims()
	x := mat.NewDense(r, m, nil)
	x.Mul(scale(raw, f.base.Mean, f.base.Std), f.rotation.T())
	return x
}

func identity(m int) *mat.Dense {
	r := mat.NewDense(m, m, nil)
	for i := 0; i < m; i++ {
		r.Set(i, i, 1)
	}
	return r
}

// Data returns the dataset the fold splits.
func (f *Fold) Data() *Dataset {
	return f.data
}

// Train returns copies of the normalised training inputs and outputs.
func (f *Fold) Train() (x, y *mat.Dense) {
	return mat.DenseCopyOf(f.trainX), mat.DenseCopyOf(f.trainY)
}

// Test returns copies of the normalised test inputs and outputs. Both are
// nil for a fold without test rows.
func (f *Fold) Test() (x, y *mat.Dense) {
	if len(f.test) == 0 {
		return nil, nil
	}
	return mat.DenseCopyOf(f.testX), mat.DenseCopyOf(f.testY)
}

// TrainIndices returns the dataset rows used for training.
func (f *Fold) TrainIndices() []int {
	return append([]int(nil), f.train...)
}

// TestIndices returns the dataset rows held out for testing.
func (f *Fold) TestIndices() []int {
	return append([]int(nil), f.test...)
}

// Rotation returns a copy of R.
func (f *Fold) Rotation() *mat.Dense {
	return mat.DenseCopyOf(f.rotation)
}

func (f *Fold) Normalization() Normalization {
	return f.norm
}

// Standardization returns the data-wide input map applied before R.
func (f *Fold) Standardization() Standardization {
	return f.base.clone()
}

// NormalizeX maps raw inputs into the fold's model space.
func (f *Fold) NormalizeX(x mat.Matrix) *mat.Dense {
	return scale(f.rotate(x), f.norm.MeanX, f.norm.StdX)
}

// NormalizeY maps raw outputs into the fold's model space.
func (f *Fold) NormalizeY(y mat.Matrix) *mat.Dense {
	return scale(y, f.norm.MeanY, f.norm.StdY)
}

// DenormalizeY maps outputs in model space back to the data's units.
func (f *Fold) DenormalizeY(y mat.Matrix) *mat.Dense {
	return unscale(y, f.norm.MeanY, f.norm.StdY)
}

// DenormalizeVariance maps output variances in model space back to the
// data's units.
func (f *Fold) DenormalizeVariance(v mat.Matrix) *mat.Dense {
	r, c := v.Dims()
	dst := mat.NewDense(r, c, nil)
	dst.Apply(func(i, j int, v float64) float64 {
		return v * f.norm.StdY[j] * f.norm.StdY[j]
	}, v)
	return dst
}

// Rotate returns a new fold with the same rows whose standardised inputs are
// further rotated by r, so the new rotation is r R. The normalisation is
// recomputed.
func (f *Fold) Rotate(r mat.Matrix) (*Fold, error) {
	_, m, _ := f.data.Dims()
	if err := CheckRotation(r, m, rotationTol); err != nil {
		return nil, err
	}
	var rot mat.Dense
	rot.Mul(r, f.rotation)
	return newFold(f.data, f.TrainIndices(), f.TestIndices(), f.base, &rot), nil
}

const rotationTol = 1e-8

// CheckRotation returns ErrRotation unless r is an m×m matrix with
// ‖r rᵀ - I‖_max ≤ tol.
func CheckRotation(r mat.Matrix, m int, tol float64) error {
	rr, rc := r.Dims()
	if rr != m || rc != m {
		return fmt.Errorf("%w: %d×%d for %d inputs", ErrRotation, rr, rc, m)
	}
	var rrt mat.Dense
	rrt.Mul(r, r.T())
	var worst float64
	for i := 0; i < m; i++ {
		for j := 0; j < m; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			d := math.Abs(rrt.At(i, j) - want)
			if math.IsNaN(d) {
				d = math.Inf(1)
			}
			worst = math.Max(worst, d)
		}
	}
	if worst > tol {
		return fmt.Errorf("%w: ‖RRᵀ - I‖ = %g", ErrRotation, worst)
	}
	return nil
}
