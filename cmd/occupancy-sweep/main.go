// Command occupancy-sweep replays one frame's detections against a range of
// occupancy thresholds to help calibrate a camera.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"occupancy-service/internal/detection"
	"occupancy-service/internal/export"
	"occupancy-service/internal/frame"
	"occupancy-service/internal/logger"
	"occupancy-service/internal/registry"
	"occupancy-service/internal/service"
)

func main() {
	log := logger.New(os.Getenv("APP_ENV"))
	if err := run(os.Args[1:], os.Stdout, log); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatal().Err(err).Msg("sweep failed")
	}
}

type options struct {
	slotsPath  string
	viewID     string
	framePath  string
	width      int
	height     int
	labelsPath string
	classes    []int
	minConf    float64
	from       float64
	to         float64
	step       float64
	target     float64
	xlsxPath   string
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := pflag.NewFlagSet("occupancy-sweep", pflag.ContinueOnError)
	fs.StringVar(&o.slotsPath, "slots", "slots.json", "slot configuration file (json or toml)")
	fs.StringVar(&o.viewID, "view", "", "view id inside the slot configuration")
	fs.StringVar(&o.framePath, "frame", "", "frame image, used for its dimensions")
	fs.IntVar(&o.width, "width", 0, "frame width when no -frame is given")
	fs.IntVar(&o.height, "height", 0, "frame height when no -frame is given")
	fs.StringVar(&o.labelsPath, "labels", "", "detector label file for the frame")
	fs.IntSliceVar(&o.classes, "classes", detection.DefaultVehicleClasses, "vehicle class ids")
	fs.Float64Var(&o.minConf, "min-confidence", 0, "drop detections below this confidence")
	fs.Float64Var(&o.from, "from", 0.01, "first occupancy threshold")
	fs.Float64Var(&o.to, "to", 0.50, "last occupancy threshold")
	fs.Float64Var(&o.step, "step", 0.01, "threshold step")
	fs.Float64Var(&o.target, "target", 0.5, "expected occupancy rate used to pick a threshold")
	fs.StringVar(&o.xlsxPath, "xlsx", "", "also write the sweep to this xlsx file")
	if err := fs.Parse(args); err != nil {
		return o, err
	}

	if o.viewID == "" {
		return o, fmt.Errorf("-view is required")
	}
	if o.labelsPath == "" {
		return o, fmt.Errorf("-labels is required")
	}
	if o.framePath == "" && (o.width <= 0 || o.height <= 0) {
		return o, fmt.Errorf("either -frame or -width and -height are required")
	}
	return o, nil
}

func run(args []string, stdout io.Writer, log zerolog.Logger) error {
	o, err := parseFlags(args)
	if err != nil {
		return err
	}

	reg, err := registry.Load(o.slotsPath)
	if err != nil {
		return err
	}
	slots, err := reg.Slots(o.viewID)
	if err != nil {
		return err
	}

	width, height := o.width, o.height
	if o.framePath != "" {
		f, err := (&frame.FileSource{Path: o.framePath}).Acquire(context.Background())
		if err != nil {
			return err
		}
		width, height = f.Width, f.Height
	}

	raw, err := (&detection.StaticDetector{LabelsPath: o.labelsPath}).Detect(context.Background(), nil)
	if err != nil {
		return err
	}
	normalizer, err := detection.NewNormalizer(o.classes, o.minConf, log)
	if err != nil {
		return err
	}
	detections := normalizer.Normalize(raw, width, height)

	svc, err := service.NewOccupancyService(service.DefaultPolicy(), log)
	if err != nil {
		return err
	}
	points, err := svc.Sweep(slots, detections, o.from, o.to, o.step)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "THRESHOLD\tOCCUPIED\tTOTAL\tRATE")
	for _, p := range points {
		fmt.Fprintf(tw, "%.2f\t%d\t%d\t%.1f%%\n", p.Threshold, p.OccupiedSlots, p.TotalSlots, p.Rate*100)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if best, ok := service.BestThreshold(points, o.target); ok {
		fmt.Fprintf(stdout, "\nbest threshold for %.0f%% occupancy: %.2f (%d/%d)\n",
			o.target*100, best.Threshold, best.OccupiedSlots, best.TotalSlots)
	}

	if o.xlsxPath != "" {
		out, err := os.Create(o.xlsxPath)
		if err != nil {
			return fmt.Errorf("create xlsx: %w", err)
		}
		defer out.Close()
		if err := export.WriteSweep(out, points, o.target); err != nil {
			return err
		}
		log.Info().Str("path", o.xlsxPath).Int("points", len(points)).Msg("sweep written")
	}

	return nil
}
