package gpr

import (
	"errors"

	"gonum.org/v1/gonum/mat"
)

// kernelMatrix computes the kernel matrix between the rows of x and xp.
func kernelMatrix(k *mat.Dense, x, xp mat.Matrix, ker *RBF) *mat.Dense {
	m, p := x.Dims()
	n, p2 := xp.Dims()
	if p != p2 {
		panic(badInputLength)
	}
	ker.checkDim(p)
	if k == nil {
		k = mat.NewDense(m, n, nil)
	}
	m2, n2 := k.Dims()
	if m2 != m || n2 != n {
		panic(badStorage)
	}
	prec := ker.precision(make([]float64, p))
	xi := make([]float64, p)
	xj := make([]float64, p)
	for i := 0; i < m; i++ {
		mat.Row(xi, i, x)
		for j := 0; j < n; j++ {
			mat.Row(xj, j, xp)
			k.Set(i, j, ker.kernelPrec(xi, xj, prec))
		}
	}
	return k
}

// kernelMatrixSym computes the kernel matrix between the rows of x and
// themselves, adding noise along the diagonal.
func kernelMatrixSym(k *mat.SymDense, x mat.Matrix, ker *RBF, noise float64) *mat.SymDense {
	m, p := x.Dims()
	ker.checkDim(p)
	if k == nil {
		k = mat.NewSymDense(m, nil)
	}
	if k.SymmetricDim() != m {
		panic(badStorage)
	}
	prec := ker.precision(make([]float64, p))
	xi := make([]float64, p)
	xj := make([]float64, p)
	for i := 0; i < m; i++ {
		mat.Row(xi, i, x)
		for j := i; j < m; j++ {
			mat.Row(xj, j, x)
			v := ker.kernelPrec(xi, xj, prec)
			if i == j {
				v += noise
			}
			k.SetSym(i, j, v)
		}
	}
	return k
}

// kernelMatrixDHyper stores the derivative of the kernel matrix of x with
// respect to each log kernel hyperparameter in dk.
func kernelMatrixDHyper(dk []*mat.SymDense, x mat.Matrix, ker *RBF) {
	m, p := x.Dims()
	if len(dk) != ker.NumHyper() {
		panic("gpr: deriv length mismatch")
	}
	deriv := make([]float64, ker.NumHyper())
	xi := make([]float64, p)
	xj := make([]float64, p)
	for i := 0; i < m; i++ {
		mat.Row(xi, i, x)
		for j := i; j < m; j++ {
			mat.Row(xj, j, x)
			ker.KernelDHyper(xi, xj, deriv)
			for h, d := range deriv {
				dk[h].SetSym(i, j, d)
			}
		}
	}
}

// solveChol solves K X = B. A poorly conditioned factorization still gives a
// usable solution, so mat.Condition is not reported.
func solveChol(dst *mat.Dense, chol *mat.Cholesky, b mat.Matrix) error {
	err := chol.SolveTo(dst, b)
	var cond mat.Condition
	if errors.As(err, &cond) {
		return nil
	}
	return err
}

func inverseChol(dst *mat.SymDense, chol *mat.Cholesky) error {
	err := chol.InverseTo(dst)
	var cond mat.Condition
	if errors.As(err, &cond) {
		return nil
	}
	return err
}
