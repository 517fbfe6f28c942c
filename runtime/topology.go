package runtime

import "gonum.org/v1/gonum/mat"

// DistanceMatrix estimates the copy cost between every pair of devices:
// zero on the diagonal, one where direct peer copies work, two where
// traffic must bounce through the host. The engine logs it at rank 0 during
// construction, the same diagnostic the device topology probe prints on a
// multi-GPU node.
func DistanceMatrix(rt Runtime) *mat.Dense {
	n := rt.DeviceCount()
	d := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			switch {
			case i == j:
				d.Set(i, j, 0)
			case rt.Device(i).CanAccessPeer(rt.Device(j)):
				d.Set(i, j, 1)
			default:
				d.Set(i, j, 2)
			}
		}
	}
	return d
}
