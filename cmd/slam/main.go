// Command slam replays a dataset of RGB-D frames through the SLAM engine
// and prints the estimated trajectory.
package main

import (
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	rgbdslam "github.com/mcx/rgbdslam"
	"github.com/mcx/rgbdslam/config"
	"github.com/mcx/rgbdslam/rimage"
)

func main() {
	logger := golog.NewDevelopmentLogger("slam")

	app := &cli.App{
		Name:  "slam",
		Usage: "replay an RGB-D dataset through the SLAM engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to a JSON configuration file",
			},
			&cli.StringFlag{
				Name:     "dataset",
				Usage:    "directory with rgb_*.png and depth_*.png frame pairs",
				Required: true,
			},
			&cli.IntFlag{
				Name:  "frames",
				Usage: "maximum number of frames to process (0 = all)",
			},
		},
		Action: func(c *cli.Context) error {
			return run(c, logger)
		},
	}
	if err := app.Run(os.Args); err != nil {
		logger.Fatal(err)
	}
}

func run(c *cli.Context, logger golog.Logger) error {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			// configuration load failure is fatal
			return err
		}
		cfg = loaded
	}

	rgbPaths, err := sortedFrames(c.String("dataset"), "rgb_")
	if err != nil {
		return err
	}
	depthPaths, err := sortedFrames(c.String("dataset"), "depth_")
	if err != nil {
		return err
	}
	if len(rgbPaths) != len(depthPaths) || len(rgbPaths) == 0 {
		return errors.Errorf("dataset has %d rgb and %d depth frames", len(rgbPaths), len(depthPaths))
	}
	if max := c.Int("frames"); max > 0 && max < len(rgbPaths) {
		rgbPaths = rgbPaths[:max]
		depthPaths = depthPaths[:max]
	}

	firstRGB, err := loadImage(rgbPaths[0])
	if err != nil {
		return err
	}
	bounds := firstRGB.Bounds()

	engine, err := rgbdslam.NewFromConfig(bounds.Dx(), bounds.Dy(), cfg, logger)
	if err != nil {
		return err
	}

	start := time.Now()
	for i := range rgbPaths {
		rgb, err := loadImage(rgbPaths[i])
		if err != nil {
			logger.Errorw("skipping unreadable rgb frame", "path", rgbPaths[i], "error", err)
			continue
		}
		depth, err := loadDepth(depthPaths[i])
		if err != nil {
			logger.Errorw("skipping unreadable depth frame", "path", depthPaths[i], "error", err)
			continue
		}
		pose := engine.Track(rgb, depth)
		fmt.Printf("frame %4d: position (%8.1f, %8.1f, %8.1f) mm, lost=%v\n",
			i, pose.Position.X, pose.Position.Y, pose.Position.Z, engine.IsTrackingLost())
	}
	logger.Infow("replay done", "frames", len(rgbPaths), "elapsed", time.Since(start))
	engine.ShowStatistics()
	return nil
}

func sortedFrames(dir, prefix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read dataset %q", dir)
	}
	var paths []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), prefix) {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}

// loadDepth reads a 16-bit grayscale PNG holding millimeters.
func loadDepth(path string) (*rimage.DepthMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		return nil, err
	}
	gray, ok := img.(*image.Gray16)
	if !ok {
		return nil, errors.Errorf("depth image %q is not 16-bit grayscale", path)
	}
	bounds := gray.Bounds()
	dm := rimage.NewEmptyDepthMap(bounds.Dx(), bounds.Dy())
	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			dm.Set(x, y, float64(gray.Gray16At(bounds.Min.X+x, bounds.Min.Y+y).Y))
		}
	}
	return dm, nil
}
