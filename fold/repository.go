package fold

import (
	"fmt"
	"math/rand/v2"
	"path"

	"gonum.org/v1/gonum/mat"

	"github.com/miltonra/RomCom/store"
)

// Repository is a dataset split into K folds. Row order is shuffled once by
// a seeded permutation and cut into K contiguous blocks; fold i tests on
// block i and trains on the rest.
//
// The rotation of a repository acts on inputs standardised with the mean
// and deviation of every row, so it is orthonormal in a space where all
// inputs share one scale.
type Repository struct {
	data     *Dataset
	k        int
	seed     uint64
	perm     []int
	testing  [][]int
	base     Standardization
	rotation *mat.Dense
}

// IntoKFolds splits data into k folds. The split depends only on the number
// of rows, k and seed. A k larger than the number of rows is reduced to it.
func IntoKFolds(data *Dataset, k int, seed uint64) (*Repository, error) {
	n, m, _ := data.Dims()
	if k < 2 {
		return nil, fmt.Errorf("%w: %d folds, need at least 2", ErrSchema, k)
	}
	if n < 2 {
		return nil, fmt.Errorf("%w: %d rows cannot be split into folds", ErrSchema, n)
	}
	if k > n {
		k = n
	}
	perm := rand.New(rand.NewPCG(seed, 0)).Perm(n)
	return &Repository{
		data:     data,
		k:        k,
		seed:     seed,
		perm:     perm,
		testing:  kFoldPartition(perm, k),
		base:     Standardize(data),
		rotation: identity(m),
	}, nil
}

// kFoldPartition cuts the permuted rows into nFolds contiguous test blocks.
// The first n % nFolds blocks get one extra row.
func kFoldPartition(perm []int, nFolds int) (testing [][]int) {
	nData := len(perm)
	testing = make([][]int, nFolds)

	nSampPerFold := nData / nFolds
	remainder := nData % nFolds

	idx := 0
	for i := 0; i < nFolds; i++ {
		nTestElems := nSampPerFold
		if i < remainder {
			nTestElems++
		}
		testing[i] = make([]int, nTestElems)
		copy(testing[i], perm[idx:idx+nTestElems])
		idx += nTestElems
	}
	if idx != nData {
		panic("bad logic")
	}
	return testing
}

// K returns the number of folds.
func (r *Repository) K() int {
	return r.k
}

func (r *Repository) Data() *Dataset {
	return r.data
}

func (r *Repository) Seed() uint64 {
	return r.seed
}

// Standardization returns the data-wide input map applied before the
// rotation.
func (r *Repository) Standardization() Standardization {
	return r.base.clone()
}

// Rotation returns a copy of the basis rotation applied to every fold.
func (r *Repository) Rotation() *mat.Dense {
	return mat.DenseCopyOf(r.rotation)
}

// RotateFolds returns fold i, which tests on block i and trains on every
// other block.
func (r *Repository) RotateFolds(i int) (*Fold, error) {
	if i < 0 || i >= r.k {
		return nil, fmt.Errorf("fold: fold %d out of range [0, %d)", i, r.k)
	}
	test := append([]int(nil), r.testing[i]...)
	train := make([]int, 0, len(r.perm)-len(test))
	for j, block := range r.testing {
		if j != i {
			train = append(train, block...)
		}
	}
	return newFold(r.data, train, test, r.base, r.rotation), nil
}

// Folds returns all K folds in order.
func (r *Repository) Folds() []*Fold {
	folds := make([]*Fold, r.k)
	for i := range folds {
		folds[i], _ = r.RotateFolds(i)
	}
	return folds
}

// Full returns the fold that trains on every row and has no test rows.
func (r *Repository) Full() *Fold {
	return newFold(r.data, append([]int(nil), r.perm...), nil, r.base, r.rotation)
}

// Rotate returns a repository with the same split whose standardised inputs
// are further rotated by rot.
func (r *Repository) Rotate(rot mat.Matrix) (*Repository, error) {
	_, m, _ := r.data.Dims()
	if err := CheckRotation(rot, m, rotationTol); err != nil {
		return nil, err
	}
	c := *r
	c.rotation = mat.NewDense(m, m, nil)
	c.rotation.Mul(rot, r.rotation)
	return &c, nil
}

// Fingerprint identifies the dataset content.
func (r *Repository) Fingerprint() uint64 {
	return r.data.Table().Fingerprint()
}

// repositoryMeta is what Save writes next to the data table.
type repositoryMeta struct {
	K               int              `json:"k"`
	Seed            uint64           `json:"seed"`
	Inputs          int              `json:"inputs"`
	Permutation     []int            `json:"permutation"`
	Standardization *Standardization `json:"standardization,omitempty"`
	Rotation        [][]float64      `json:"rotation"`
	Fingerprint     string           `json:"fingerprint"`
}

// foldMeta describes one saved fold.
type foldMeta struct {
	Index         int           `json:"index"`
	Train         []int         `json:"train"`
	Test          []int         `json:"test"`
	Normalization Normalization `json:"normalization"`
}

// Save writes the dataset as dir/data, the split as dir/meta and a
// description of each fold as dir/fold.i/meta.
func (r *Repository) Save(st store.Store, dir string) error {
	if err := st.Write(r.data.Table(), path.Join(dir, "data")); err != nil {
		return err
	}
	_, m, _ := r.data.Dims()
	base := r.base.clone()
	rm := repositoryMeta{
		K:               r.k,
		Seed:            r.seed,
		Inputs:          m,
		Permutation:     r.perm,
		Standardization: &base,
		Fingerprint:     fmt.Sprintf("%016x", r.Fingerprint()),
	}
	for i := 0; i < m; i++ {
		rm.Rotation = append(rm.Rotation, mat.Row(nil, i, r.rotation))
	}
	meta, err := store.MetaOf(rm)
	if err != nil {
		return err
	}
	if err := st.WriteMeta(meta, path.Join(dir, "meta")); err != nil {
		return err
	}
	for i, f := range r.Folds() {
		fm, err := store.MetaOf(foldMeta{Index: i, Train: f.train, Test: f.test, Normalization: f.norm})
		if err != nil {
			return err
		}
		if err := st.WriteMeta(fm, path.Join(dir, fmt.Sprintf("fold.%d", i), "meta")); err != nil {
			return err
		}
	}
	return nil
}

// LoadRepository reads a repository written by Save. The stored data must
// match the fingerprint recorded with the split.
func LoadRepository(st store.Store, dir string) (*Repository, error) {
	meta, err := st.ReadMeta(path.Join(dir, "meta"))
	if err != nil {
		return nil, err
	}
	var rm repositoryMeta
	if err := meta.Decode(&rm); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSchema, err)
	}
	t, err := st.Read(path.Join(dir, "data"))
	if err != nil {
		return nil, err
	}
	data, err := FromTable(t, rm.Inputs)
	if err != nil {
		return nil, err
	}
	r := &Repository{data: data, k: rm.K, seed: rm.Seed, perm: rm.Permutation}
	if got := fmt.Sprintf("%016x", r.Fingerprint()); got != rm.Fingerprint {
		return nil, fmt.Errorf("%w: data fingerprint %s, split was made for %s", ErrSchema, got, rm.Fingerprint)
	}
	n, m, _ := data.Dims()
	if len(r.perm) != n || r.k < 2 || r.k > n {
		return nil, fmt.Errorf("%w: split of %d rows into %d folds does not fit %d rows", ErrSchema, len(r.perm), r.k, n)
	}
	if err := checkPermutation(r.perm); err != nil {
		return nil, err
	}
	r.testing = kFoldPartition(r.perm, r.k)
	if rm.Standardization == nil {
		r.base = Standardize(data)
	} else {
		r.base = rm.Standardization.clone()
	}
	if err := r.base.validate(m); err != nil {
		return nil, err
	}
	if len(rm.Rotation) != m {
		return nil, fmt.Errorf("%w: rotation has %d rows for %d inputs", ErrRotation, len(rm.Rotation), m)
	}
	r.rotation = mat.NewDense(m, m, nil)
	for i, row := range rm.Rotation {
		if len(row) != m {
			return nil, fmt.Errorf("%w: rotation row %d has %d entries", ErrRotation, i, len(row))
		}
		r.rotation.SetRow(i, row)
	}
	if err := CheckRotation(r.rotation, m, 1e-6); err != nil {
		return nil, err
	}
	return r, nil
}

// checkPermutation returns ErrSchema unless perm holds each of 0..len-1
// exactly once.
func checkPermutation(perm []int) error {
	seen := make([]bool, len(perm))
	for i, r := range perm {
		if r < 0 || r >= len(perm) {
			return fmt.Errorf("%w: permutation entry %d is row %d of %d", ErrSchema, i, r, len(perm))
		}
		if seen[r] {
			return fmt.Errorf("%w: permutation repeats row %d", ErrSchema, r)
		}
		seen[r] = true
	}
	return nil
}
