package geom

import "fmt"

// Dim3 is a signed integer triple identifying both positions in a 3D grid
// and offsets between them. Direction vectors are Dim3 values with each
// component in {-1, 0, 1}.
type Dim3 struct {
	X, Y, Z int64
}

// Zero is the origin / null direction.
var Zero = Dim3{0, 0, 0}

func NewDim3(x, y, z int64) Dim3 {
	return Dim3{X: x, Y: y, Z: z}
}

func (d Dim3) Add(o Dim3) Dim3 {
	return Dim3{d.X + o.X, d.Y + o.Y, d.Z + o.Z}
}

func (d Dim3) Sub(o Dim3) Dim3 {
	return Dim3{d.X - o.X, d.Y - o.Y, d.Z - o.Z}
}

func (d Dim3) Mul(o Dim3) Dim3 {
	return Dim3{d.X * o.X, d.Y * o.Y, d.Z * o.Z}
}

// Prod returns the product of the components, the element count of a grid
// with extent d.
func (d Dim3) Prod() int64 {
	return d.X * d.Y * d.Z
}

// Less orders Dim3 lexicographically, z-major.
func (d Dim3) Less(o Dim3) bool {
	if d.Z != o.Z {
		return d.Z < o.Z
	}
	if d.Y != o.Y {
		return d.Y < o.Y
	}
	return d.X < o.X
}

// Min returns the component-wise minimum of d and o.
func (d Dim3) Min(o Dim3) Dim3 {
	return Dim3{min(d.X, o.X), min(d.Y, o.Y), min(d.Z, o.Z)}
}

// Max returns the component-wise maximum of d and o.
func (d Dim3) Max(o Dim3) Dim3 {
	return Dim3{max(d.X, o.X), max(d.Y, o.Y), max(d.Z, o.Z)}
}

// Wrap returns the unique value congruent to d modulo extent with each
// component in [0, extent). The domain is logically a torus.
func (d Dim3) Wrap(extent Dim3) Dim3 {
	wrap1 := func(v, e int64) int64 {
		v %= e
		if v < 0 {
			v += e
		}
		return v
	}
	return Dim3{wrap1(d.X, extent.X), wrap1(d.Y, extent.Y), wrap1(d.Z, extent.Z)}
}

// AllGE reports whether every component is >= v.
func (d Dim3) AllGE(v int64) bool {
	return d.X >= v && d.Y >= v && d.Z >= v
}

// AllLT reports whether every component is strictly below the corresponding
// component of o.
func (d Dim3) AllLT(o Dim3) bool {
	return d.X < o.X && d.Y < o.Y && d.Z < o.Z
}

// IsDirection reports whether d is a valid direction vector, with every
// component in {-1, 0, 1}.
func (d Dim3) IsDirection() bool {
	in := func(v int64) bool { return v >= -1 && v <= 1 }
	return in(d.X) && in(d.Y) && in(d.Z)
}

func (d Dim3) String() string {
	return fmt.Sprintf("[%d,%d,%d]", d.X, d.Y, d.Z)
}
