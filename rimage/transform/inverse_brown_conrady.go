package transform

const (
	undistortMaxIterations = 20
	undistortTolerance     = 1e-10
)

// Undistort inverts the Brown-Conrady distortion with Newton-Raphson iterations, starting from
// the distorted point.
func (bc *BrownConrady) Undistort(xd, yd float64) (float64, float64) {
	if bc == nil {
		return xd, yd
	}

	xu, yu := xd, yd
	for i := 0; i < undistortMaxIterations; i++ {
		r2 := xu*xu + yu*yu
		r4 := r2 * r2
		r6 := r4 * r2

		xdEst, ydEst := bc.Transform(xu, yu)
		errX := xdEst - xd
		errY := ydEst - yd
		if errX*errX+errY*errY < undistortTolerance*undistortTolerance {
			break
		}

		radDist := 1.0 + bc.RadialK1*r2 + bc.RadialK2*r4 + bc.RadialK3*r6
		dRad := 2.0 * (bc.RadialK1 + 2.0*bc.RadialK2*r2 + 3.0*bc.RadialK3*r4)

		// J = [[dxd/dxu, dxd/dyu], [dyd/dxu, dyd/dyu]]
		j00 := radDist + xu*xu*dRad + 2.0*bc.TangentialP1*yu + 6.0*bc.TangentialP2*xu
		j01 := xu*yu*dRad + 2.0*bc.TangentialP1*xu + 2.0*bc.TangentialP2*yu
		j10 := xu*yu*dRad + 2.0*bc.TangentialP2*yu + 2.0*bc.TangentialP1*xu
		j11 := radDist + yu*yu*dRad + 2.0*bc.TangentialP2*xu + 6.0*bc.TangentialP1*yu

		det := j00*j11 - j01*j10
		if det == 0 {
			break
		}
		xu -= (j11*errX - j01*errY) / det
		yu -= (-j10*errX + j00*errY) / det
	}
	return xu, yu
}
