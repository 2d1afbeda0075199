// Package main runs the odometry front end over a directory of images.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	goutils "go.viam.com/utils"
	"golang.org/x/sync/errgroup"

	"go.viam.com/monovo/logging"
	"go.viam.com/monovo/rimage/transform"
	"go.viam.com/monovo/vision/odometry"
)

const (
	flagImages     = "images"
	flagConfig     = "config"
	flagIntrinsics = "intrinsics"
	flagFPS        = "fps"
	flagOut        = "out"
	flagHTTP       = "http"
	flagDebug      = "debug"
)

var imageExtensions = map[string]bool{".png": true, ".jpg": true, ".jpeg": true}

func main() {
	logger := logging.NewLogger("monovo")
	if err := newApp(logger).Run(os.Args); err != nil {
		logger.Fatal(err)
	}
}

func newApp(logger logging.Logger) *cli.App {
	return &cli.App{
		Name:  "monovo",
		Usage: "track a monocular image sequence",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     flagImages,
				Usage:    "directory of images, processed in name order",
				Required: true,
			},
			&cli.StringFlag{
				Name:  flagConfig,
				Usage: "json or yaml odometry config",
			},
			&cli.StringFlag{
				Name:  flagIntrinsics,
				Usage: "json pinhole intrinsics, overriding the camera of the config",
			},
			&cli.Float64Flag{
				Name:  flagFPS,
				Usage: "playback rate, 0 reads as fast as possible",
				Value: 30,
			},
			&cli.StringFlag{
				Name:  flagOut,
				Usage: "directory to write annotated frames to",
			},
			&cli.StringFlag{
				Name:  flagHTTP,
				Usage: "address to serve the live view on, such as localhost:8080",
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "enable debug logs",
			},
		},
		Action: func(c *cli.Context) error {
			if c.Bool(flagDebug) {
				logger.SetLevel(logging.DEBUG)
			}
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
			defer stop()
			return run(ctx, c, logger, clock.New())
		},
	}
}

func loadConfig(c *cli.Context) (odometry.Config, transform.Camera, error) {
	cfg := odometry.DefaultConfig()
	if path := c.String(flagConfig); path != "" {
		loaded, err := odometry.LoadConfig(path)
		if err != nil {
			return cfg, nil, err
		}
		cfg = *loaded
	}
	if path := c.String(flagIntrinsics); path != "" {
		intrinsics, err := transform.NewPinholeCameraIntrinsicsFromJSONFile(path)
		if err != nil {
			return cfg, nil, err
		}
		cfg.Camera = &transform.CameraConfig{Model: transform.PinholeModel, Intrinsics: intrinsics}
	}
	if cfg.Camera == nil {
		return cfg, nil, transform.NewNoIntrinsicsError("pass --intrinsics or a config with a camera")
	}
	cam, err := transform.NewCamera(*cfg.Camera)
	return cfg, cam, err
}

func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	if len(paths) == 0 {
		return nil, errors.Errorf("no images in %q", dir)
	}
	sort.Strings(paths)
	return paths, nil
}

func run(ctx context.Context, c *cli.Context, logger logging.Logger, clk clock.Clock) error {
	cfg, cam, err := loadConfig(c)
	if err != nil {
		return err
	}
	paths, err := listImages(c.String(flagImages))
	if err != nil {
		return err
	}
	p, err := newPipeline(cam, cfg, logger, clk)
	if err != nil {
		return err
	}
	outDir := c.String(flagOut)
	if outDir != "" {
		if err := ensureDir(outDir); err != nil {
			return err
		}
	}
	var period time.Duration
	if fps := c.Float64(flagFPS); fps > 0 {
		period = time.Duration(float64(time.Second) / fps)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.read(gctx, paths, period) })
	g.Go(func() error { return p.run(gctx) })
	if outDir != "" {
		g.Go(func() error { return writeSnapshots(gctx, p, outDir, clk, logger) })
	}
	if addr := c.String(flagHTTP); addr != "" {
		server := &http.Server{Addr: addr, Handler: viewHandler(p.Latest, logger), ReadHeaderTimeout: 5 * time.Second}
		goutils.PanicCapturingGo(func() {
			<-gctx.Done()
			goutils.UncheckedError(server.Close())
		})
		logger.Infow("serving live view", "address", addr)
		goutils.PanicCapturingGo(func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorw("live view stopped", "error", err)
			}
		})
	}

	err = g.Wait()
	if s := p.Latest(); s != nil {
		logger.Infow("done", "state", s.State, "last_frame", s.FrameID, "dropped", s.Dropped,
			"map_points", p.m.NumMapPoints(), "keyframes", p.m.NumKeyFrames())
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// writeSnapshots polls for new snapshots and saves each one once, until the pipeline is done.
func writeSnapshots(ctx context.Context, p *pipeline, dir string, clk clock.Clock, logger logging.Logger) error {
	ticker := clk.Ticker(50 * time.Millisecond)
	defer ticker.Stop()
	var last odometry.FrameID
	save := func() error {
		s := p.Latest()
		if s == nil || s.FrameID == last {
			return nil
		}
		last = s.FrameID
		path, err := saveSnapshot(dir, s)
		if err != nil {
			return err
		}
		logger.Debugw("saved frame", "path", path)
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return save()
		case <-p.done:
			return save()
		case <-ticker.C:
			if err := save(); err != nil {
				return err
			}
		}
	}
}
