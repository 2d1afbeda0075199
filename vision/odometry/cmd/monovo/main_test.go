package main

import (
	"image"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/geo/r2"
	"go.viam.com/test"

	"go.viam.com/monovo/logging"
	"go.viam.com/monovo/rimage"
)

func writeIntrinsics(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "intrinsics.json")
	content := `{"width_px": 160, "height_px": 120, "fx": 150, "fy": 150, "ppx": 80, "ppy": 60}`
	test.That(t, os.WriteFile(path, []byte(content), 0o600), test.ShouldBeNil)
	return path
}

func TestApp(t *testing.T) {
	images := writeImages(t, 3)
	out := filepath.Join(t.TempDir(), "out")
	logger := logging.NewTestLogger(t)

	err := newApp(logger).Run([]string{
		"monovo",
		"--images", images,
		"--intrinsics", writeIntrinsics(t),
		"--fps", "0",
		"--out", out,
	})
	test.That(t, err, test.ShouldBeNil)
	saved, err := filepath.Glob(filepath.Join(out, "frame_*.png"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(saved), test.ShouldBeGreaterThanOrEqualTo, 1)
}

func TestAppErrors(t *testing.T) {
	logger := logging.NewTestLogger(t)
	images := writeImages(t, 1)

	err := newApp(logger).Run([]string{"monovo", "--images", images, "--fps", "0"})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "intrinsic")

	err = newApp(logger).Run([]string{"monovo", "--images", t.TempDir(), "--intrinsics", writeIntrinsics(t)})
	test.That(t, err, test.ShouldNotBeNil)

	cfg := filepath.Join(t.TempDir(), "odometry.yaml")
	test.That(t, os.WriteFile(cfg, []byte("tracker:\n  grid_size: 2\n"), 0o600), test.ShouldBeNil)
	err = newApp(logger).Run([]string{"monovo", "--images", images, "--config", cfg, "--intrinsics", writeIntrinsics(t)})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "grid_size")
}

func TestViewer(t *testing.T) {
	logger := logging.NewTestLogger(t)
	s := &snapshot{
		FrameID: 7,
		State:   "tracking",
		Image:   rimage.NewGrayImageFromImage(texturedImage(0)),
		Points: []trackedPoint{
			{Px: r2.Point{X: 20, Y: 30}, FoundRatio: 1},
			{Px: r2.Point{X: 80, Y: 60}, FoundRatio: 0.2},
		},
	}
	img := render(s)
	test.That(t, img.Bounds().Dx(), test.ShouldEqual, testWidth)
	test.That(t, img.Bounds().Dy(), test.ShouldEqual, testHeight)
	isGray := func(img image.Image, x, y int) bool {
		r, g, b, _ := img.At(x, y).RGBA()
		return r == g && g == b
	}
	test.That(t, isGray(img, 8, 100), test.ShouldBeTrue)

	// the search area is outlined
	s.Border = 8
	img = render(s)
	test.That(t, isGray(img, 8, 100), test.ShouldBeFalse)
	test.That(t, isGray(img, 40, 100), test.ShouldBeTrue)

	path, err := saveSnapshot(t.TempDir(), s)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, filepath.Base(path), test.ShouldEqual, "frame_000007.png")
	_, err = os.Stat(path)
	test.That(t, err, test.ShouldBeNil)

	var latest *snapshot
	handler := viewHandler(func() *snapshot { return latest }, logger)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	test.That(t, rec.Body.String(), test.ShouldContainSubstring, "waiting for frames")

	latest = s
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	body := rec.Body.String()
	test.That(t, strings.Contains(body, "data:image/jpeg;base64,"), test.ShouldBeTrue)
}
