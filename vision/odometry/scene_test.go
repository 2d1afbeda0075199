package odometry

import (
	"math"
	"testing"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/monovo/rimage"
	"go.viam.com/monovo/rimage/transform"
	"go.viam.com/monovo/spatialmath"
)

const (
	sceneWidth  = 320
	sceneHeight = 240
	sceneFocal  = 300.
	planeDepth  = 5.
)

func sceneCamera(t *testing.T) transform.Camera {
	t.Helper()
	cam, err := transform.NewCamera(transform.CameraConfig{
		Model: transform.PinholeModel,
		Intrinsics: &transform.PinholeCameraIntrinsics{
			Width: sceneWidth, Height: sceneHeight,
			Fx: sceneFocal, Fy: sceneFocal,
			Ppx: sceneWidth / 2, Ppy: sceneHeight / 2,
		},
	})
	test.That(t, err, test.ShouldBeNil)
	return cam
}

// cameraAt returns the Tcw of a camera centered at center with no rotation.
func cameraAt(center r3.Vector) spatialmath.Pose {
	return spatialmath.PoseInverse(spatialmath.NewPoseFromPoint(center))
}

// smoothTexture is a sinusoidal texture with gradients in every direction.
func smoothTexture(x, y float64) float64 {
	v := 128 + 45*math.Sin(17*x) + 45*math.Sin(23*y+2*math.Sin(9*x)) + 25*math.Sin(11*(x+y))
	return math.Max(0, math.Min(255, v))
}

// blockTexture is a piecewise constant texture with pseudo random intensities.
func blockTexture(x, y float64) float64 {
	i := int64(math.Floor(x / 0.25))
	j := int64(math.Floor(y / 0.25))
	h := uint32(i*73856093) ^ uint32(j*19349663)
	h ^= h >> 13
	h *= 0x5bd1e995
	h ^= h >> 15
	return float64(40 + h%180)
}

// render draws the scene seen by a camera at tcw. hit intersects a world ray with the scene.
func render(
	cam transform.Camera,
	tcw spatialmath.Pose,
	hit func(c, d r3.Vector) (r3.Vector, bool),
	texture func(x, y float64) float64,
	samples int,
) *rimage.GrayImage {
	twc := spatialmath.PoseInverse(tcw)
	c := twc.Point()
	img := rimage.NewGrayImage(cam.ImageWidth(), cam.ImageHeight())
	step := 1 / float64(samples)
	for y := 0; y < img.Height(); y++ {
		for x := 0; x < img.Width(); x++ {
			sum := 0.
			for sy := 0; sy < samples; sy++ {
				for sx := 0; sx < samples; sx++ {
					px := r2.Point{
						X: float64(x) + (float64(sx)+0.5)*step - 0.5,
						Y: float64(y) + (float64(sy)+0.5)*step - 0.5,
					}
					d := twc.Rotate(cam.Lift(px))
					if p, ok := hit(c, d); ok {
						sum += texture(p.X, p.Y)
					}
				}
			}
			img.Set(x, y, float32(sum/float64(samples*samples)))
		}
	}
	return img
}

func hitPlane(c, d r3.Vector) (r3.Vector, bool) {
	if d.Z <= 0 {
		return r3.Vector{}, false
	}
	s := (planeDepth - c.Z) / d.Z
	return c.Add(d.Mul(s)), s > 0
}

// hitSteps intersects three fronto-parallel planes split along X.
func hitSteps(c, d r3.Vector) (r3.Vector, bool) {
	type step struct{ minX, maxX, z float64 }
	steps := []step{{math.Inf(-1), -0.6, 4}, {-0.6, 0.6, 6}, {0.6, math.Inf(1), 8}}
	best, found := r3.Vector{}, false
	for _, st := range steps {
		if d.Z <= 0 {
			continue
		}
		s := (st.z - c.Z) / d.Z
		if s <= 0 {
			continue
		}
		p := c.Add(d.Mul(s))
		if p.X < st.minX || p.X >= st.maxX {
			continue
		}
		if !found || p.Z < best.Z {
			best, found = p, true
		}
	}
	return best, found
}

func newSceneFrame(t *testing.T, cam transform.Camera, tcw spatialmath.Pose, img *rimage.GrayImage) *Frame {
	t.Helper()
	f, err := NewFrame(img, time.Unix(0, 0), cam, 3)
	test.That(t, err, test.ShouldBeNil)
	f.SetTcw(tcw)
	return f
}

func newPlaneFrame(t *testing.T, cam transform.Camera, tcw spatialmath.Pose) *Frame {
	t.Helper()
	return newSceneFrame(t, cam, tcw, render(cam, tcw, hitPlane, smoothTexture, 1))
}

func flatFrame(t *testing.T, cam transform.Camera, tcw spatialmath.Pose) *Frame {
	t.Helper()
	img := rimage.NewGrayImage(cam.ImageWidth(), cam.ImageHeight())
	for y := 0; y < img.Height(); y++ {
		for x := 0; x < img.Width(); x++ {
			img.Set(x, y, 128)
		}
	}
	return newSceneFrame(t, cam, tcw, img)
}

// planeScene is a keyframe at the origin looking at the textured plane, with map points on the
// plane behind the given keyframe pixels.
type planeScene struct {
	cam    transform.Camera
	m      *Map
	kf     *KeyFrame
	points []*MapPoint
}

func newPlaneScene(t *testing.T, pixels []r2.Point) *planeScene {
	t.Helper()
	cam := sceneCamera(t)
	m := NewMap()
	kf := m.CreateKeyFrame(newPlaneFrame(t, cam, spatialmath.NewZeroPose()))
	s := &planeScene{cam: cam, m: m, kf: kf}
	for _, px := range pixels {
		s.addPoint(px)
	}
	return s
}

func (s *planeScene) addPoint(px r2.Point) *MapPoint {
	bearing := s.cam.Lift(px)
	mp := s.m.CreateMapPoint(bearing.Mul(planeDepth / bearing.Z))
	s.kf.AddObservation(mp, NewFeature(px, bearing, 0))
	s.points = append(s.points, mp)
	return mp
}

func latticePixels(step float64) []r2.Point {
	var pts []r2.Point
	for v := 40.; v <= 200; v += step {
		for u := 40.; u <= 280; u += step {
			pts = append(pts, r2.Point{X: u, Y: v})
		}
	}
	return pts
}
