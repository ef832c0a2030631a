package convert

import (
	"context"
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/Sumatoshi-tech/iblnwb/pkg/metadata"
	"github.com/Sumatoshi-tech/iblnwb/pkg/nwb"
	"github.com/Sumatoshi-tech/iblnwb/pkg/one"
)

const (
	alfCollection   = "alf"
	videoCollection = "raw_video_data"
	videoExtension  = "mp4"

	behaviorModule     = "behavior"
	behaviorModuleDesc = "Processed behavioural data."
)

// cameras are the IBL rig cameras, in file order.
var cameras = []string{"leftCamera", "rightCamera", "bodyCamera"}

// pupilAttributes are the pupil diameter estimates of a camera object.
var pupilAttributes = []string{"pupilDiameter_raw", "pupilDiameter_smooth"}

// passiveObjects are the stimuli of the passive protocol that follows the task.
var passiveObjects = []string{"passiveGabor", "passiveValve", "passiveToneOn", "passiveNoiseOn", "passiveRFM"}

type trialsInterface struct{}

func (trialsInterface) Name() string { return "trials" }

func (trialsInterface) Available(cc *Context) bool {
	return cc.Inventory.Has(alfCollection, "trials.intervals")
}

func (trialsInterface) Add(ctx context.Context, cc *Context) error {
	t, err := intervalsTable(ctx, cc, metadata.TableTrials, "Behavioural trials of the task.",
		metadata.TableTrials, alfCollection, "trials.intervals")
	if err != nil {
		return err
	}

	cc.File.AddIntervals(t)

	return nil
}

type wheelInterface struct{}

func (wheelInterface) Name() string { return "wheel" }

func (wheelInterface) Available(cc *Context) bool {
	return cc.Inventory.Has(alfCollection, "wheel.position", "wheel.timestamps")
}

func (wheelInterface) Add(ctx context.Context, cc *Context) error {
	position, err := cc.Array(ctx, alfCollection, "wheel.position")
	if err != nil {
		return err
	}

	timestamps, err := cc.Array(ctx, alfCollection, "wheel.timestamps")
	if err != nil {
		return err
	}

	series, err := nwb.SpatialSeries(nwb.Series{
		Name:        "WheelPosition",
		Description: "Absolute unwrapped angle of the response wheel.",
		Unit:        "radians",
		Data:        position.Data,
		Timestamps:  timestamps.Data,
	}, "Wheel angle from the session start, counter-clockwise positive.")
	if err != nil {
		return fmt.Errorf("wheel position: %w", err)
	}

	behavior := cc.File.Processing(behaviorModule, behaviorModuleDesc)
	behavior.AddGroup(nwb.Container("Wheel", "CompassDirection", series))

	if !cc.Inventory.Has(alfCollection, "wheelMoves.intervals") {
		return nil
	}

	moves, err := intervalsTable(ctx, cc, metadata.TableWheelMoves, "Detected wheel movements.",
		metadata.TableWheelMoves, alfCollection, "wheelMoves.intervals")
	if err != nil {
		return fmt.Errorf("wheel moves: %w", err)
	}

	behavior.AddGroup(moves.Group())

	return nil
}

type licksInterface struct{}

func (licksInterface) Name() string { return "licks" }

func (licksInterface) Available(cc *Context) bool {
	return cc.Inventory.Has(alfCollection, "licks.times")
}

func (licksInterface) Add(ctx context.Context, cc *Context) error {
	times, err := cc.Array(ctx, alfCollection, "licks.times")
	if err != nil {
		return err
	}

	t := nwb.DynamicTable("LickTimes", "", "Lick events detected from the tongue tracking.")

	err = t.Column("lick_time", "Time of the lick, in seconds.", times.Data)
	if err != nil {
		return err
	}

	cc.File.Processing(behaviorModule, behaviorModuleDesc).AddGroup(t.Group())

	return nil
}

type camerasInterface struct{}

func (camerasInterface) Name() string { return "cameras" }

func (camerasInterface) Available(cc *Context) bool {
	for _, cam := range cameras {
		if cc.Inventory.Has(alfCollection, cam+".times") {
			return true
		}
	}

	return false
}

func (camerasInterface) Add(ctx context.Context, cc *Context) error {
	for _, cam := range cameras {
		if !cc.Inventory.Has(alfCollection, cam+".times") {
			continue
		}

		times, err := cc.Array(ctx, alfCollection, cam+".times")
		if err != nil {
			return err
		}

		files, err := videoFiles(ctx, cc, cam)
		if err != nil {
			return err
		}

		name := "OriginalVideo" + strings.ToUpper(cam[:1]) + cam[1:]
		cc.File.AddAcquisition(nwb.ImageSeries(name, "Video recorded by the "+cam+".", files, times.Data))
	}

	return nil
}

// videoFiles returns the external file of a camera: the cache path when
// videos are fetched, the session relative path otherwise.
func videoFiles(ctx context.Context, cc *Context, cam string) ([]string, error) {
	for _, ds := range cc.Inventory.Object(videoCollection, cam) {
		if ds.Name.Extension != videoExtension {
			continue
		}

		if !cc.Options.IncludeVideo {
			return []string{path.Join(cc.Session.RelativePath(), ds.RelativePath())}, nil
		}

		local, err := cc.Loader.Ensure(ctx, cc.Session, ds)
		if err != nil {
			return nil, fmt.Errorf("video %s: %w", cam, err)
		}

		return []string{local}, nil
	}

	return nil, nil
}

type pupilInterface struct{}

func (pupilInterface) Name() string { return "pupil" }

func (pupilInterface) Available(cc *Context) bool {
	for _, cam := range cameras {
		for _, attr := range pupilAttributes {
			if cc.Inventory.Has(alfCollection, cam+".times", cam+"."+attr) {
				return true
			}
		}
	}

	return false
}

func (pupilInterface) Add(ctx context.Context, cc *Context) error {
	var series []*nwb.Group

	for _, cam := range cameras {
		if !cc.Inventory.Has(alfCollection, cam+".times") {
			continue
		}

		for _, attr := range pupilAttributes {
			diameter, err := cc.Optional(ctx, alfCollection, cam+"."+attr)
			if err != nil {
				return err
			}

			if diameter == nil {
				continue
			}

			times, err := cc.Array(ctx, alfCollection, cam+".times")
			if err != nil {
				return err
			}

			s, err := nwb.TimeSeries(nwb.Series{
				Name:        cam + "_" + attr,
				Description: "Pupil diameter estimated from the " + cam + " pose tracking.",
				Unit:        "px",
				Data:        diameter.Data,
				Timestamps:  times.Data,
			})
			if err != nil {
				return fmt.Errorf("%s %s: %w", cam, attr, err)
			}

			series = append(series, s)
		}
	}

	cc.File.Processing(behaviorModule, behaviorModuleDesc).AddGroup(nwb.Container("PupilTracking", "PupilTracking", series...))

	return nil
}

type passiveInterface struct{}

func (passiveInterface) Name() string { return "passive" }

func (passiveInterface) Available(cc *Context) bool {
	for _, obj := range passiveObjects {
		if cc.Inventory.Has(alfCollection, obj+".intervals") {
			return true
		}
	}

	return false
}

func (passiveInterface) Add(ctx context.Context, cc *Context) error {
	for _, obj := range passiveObjects {
		if !cc.Inventory.Has(alfCollection, obj+".intervals") {
			continue
		}

		attrs, err := cc.Loader.LoadObject(ctx, cc.Session, cc.Inventory, alfCollection, obj)
		if err != nil {
			return err
		}

		t, err := passiveTable(obj, attrs)
		if err != nil {
			return fmt.Errorf("%s: %w", obj, err)
		}

		cc.File.AddIntervals(t)
	}

	return nil
}

// passiveTable turns an ALF object with intervals into TimeIntervals; every
// other one-column attribute becomes a column.
func passiveTable(obj string, attrs one.Object) (*nwb.Table, error) {
	intervals := attrs["intervals"]
	if intervals.Cols() != 2 {
		return nil, fmt.Errorf("%w: intervals need 2 columns, have %d", one.ErrShapeMismatch, intervals.Cols())
	}

	t, err := nwb.TimeIntervals(obj, "Passive protocol "+strings.TrimPrefix(obj, "passive")+" presentations.",
		intervals.Column(0), intervals.Column(1))
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}

	slices.Sort(names)

	for _, name := range names {
		arr := attrs[name]
		if name == "intervals" || !arr.IsVector() {
			continue
		}

		err = t.Column(name, "Passive stimulus "+name+".", arr.Data)
		if err != nil {
			return nil, err
		}
	}

	return t, nil
}
