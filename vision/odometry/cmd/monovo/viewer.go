package main

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"html/template"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"os"
	"path/filepath"

	"github.com/fogleman/gg"
	"github.com/pkg/errors"

	"go.viam.com/monovo/logging"
	"go.viam.com/monovo/rimage"
)

var viewTemplate = template.Must(template.New("view").Parse(`<!DOCTYPE html>
<html lang="en"><head><meta http-equiv="refresh" content="1"></head>
<body>{{if .Image}}<img src="{{.Image}}">{{else}}waiting for frames{{end}}</body>
</html>
`))

// borderColor outlines the area where map points are searched.
var borderColor = color.RGBA{0, 128, 255, 255}

// render draws the tracked points of s over its image, colored by found ratio.
func render(s *snapshot) image.Image {
	dc := rimage.NewContextFromGray(s.Image)
	if b := s.Border; b > 0 {
		area := image.Rect(b, b, s.Image.Width()-b, s.Image.Height()-b)
		rimage.DrawRectangleEmpty(dc, area, borderColor, 1)
	}
	for _, pt := range s.Points {
		rimage.DrawCross(dc, pt.Px, 3, rimage.QualityColor(pt.FoundRatio))
	}
	text := fmt.Sprintf("frame %d  %s  matches %d  avg %s  dropped %d",
		s.FrameID, s.State, len(s.Points), s.AverageTime, s.Dropped)
	rimage.DrawString(dc, text, image.Point{X: 4, Y: 4}, color.RGBA{255, 255, 0, 255}, 12)
	return dc.Image()
}

// saveSnapshot writes the rendering of s as a png named after its frame into dir.
func saveSnapshot(dir string, s *snapshot) (string, error) {
	path := filepath.Join(dir, fmt.Sprintf("frame_%06d.png", s.FrameID))
	if err := gg.SavePNG(path, render(s)); err != nil {
		return "", errors.Wrapf(err, "cannot save %q", path)
	}
	return path, nil
}

// viewHandler serves the latest snapshot as an auto refreshing page.
func viewHandler(latest func() *snapshot, logger logging.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data := map[string]interface{}{"Image": template.URL("")}
		if s := latest(); s != nil {
			var buf bytes.Buffer
			if err := jpeg.Encode(&buf, render(s), nil); err != nil {
				logger.Errorw("unable to encode image", "error", err)
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			//nolint:gosec
			data["Image"] = template.URL("data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()))
		}
		if err := viewTemplate.Execute(w, data); err != nil {
			logger.Errorw("unable to execute template", "error", err)
		}
	})
}

func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0o750)
}
