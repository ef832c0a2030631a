package nwb2alyx

import (
	"cmp"
	"path"
	"slices"
	"strings"

	"github.com/Sumatoshi-tech/iblnwb/pkg/metadata"
	"github.com/Sumatoshi-tech/iblnwb/pkg/nwb"
)

// datasetSet collects dataset types without duplicates.
type datasetSet struct {
	seen map[string]bool
	out  []Dataset
}

func (s *datasetSet) add(datasetType, collection, source string) {
	key := collection + "/" + datasetType
	if s.seen[key] {
		return
	}

	s.seen[key] = true
	s.out = append(s.out, Dataset{DatasetType: datasetType, Collection: collection, Source: source})
}

// tableColumns adds the dataset type behind every mapped column of a table.
func (s *datasetSet) tableColumns(g *nwb.Group, table, collection, source string) {
	for _, ds := range g.Datasets {
		if key, ok := metadata.DatasetKeyFor(table, ds.Name); ok {
			s.add(key, collection, source)
		}
	}
}

// datasetsFrom lists the ALF dataset types the NWB objects of root were
// built from, sorted by collection and type.
func datasetsFrom(root *nwb.Group) []Dataset {
	s := &datasetSet{seen: make(map[string]bool)}

	if trials, ok := root.Find("intervals/trials"); ok {
		s.tableColumns(trials, metadata.TableTrials, alfCollection, "/intervals/trials")
	}

	if intervals, ok := root.Find(nwb.PathIntervals); ok {
		for _, g := range intervals.Groups {
			if !strings.HasPrefix(g.Name, "passive") {
				continue
			}

			source := path.Join(nwb.PathIntervals, g.Name)
			for _, ds := range g.Datasets {
				switch ds.Name {
				case "id", "stop_time":
				case "start_time":
					s.add(g.Name+".intervals", alfCollection, source)
				default:
					s.add(g.Name+"."+ds.Name, alfCollection, source)
				}
			}
		}
	}

	behaviorDatasets(s, root)
	ecephysDatasets(s, root)

	slices.SortFunc(s.out, func(a, b Dataset) int {
		return cmp.Or(cmp.Compare(a.Collection, b.Collection), cmp.Compare(a.DatasetType, b.DatasetType))
	})

	return s.out
}

func behaviorDatasets(s *datasetSet, root *nwb.Group) {
	const behavior = "/processing/behavior"

	if _, ok := root.Find(behavior + "/Wheel/WheelPosition"); ok {
		s.add("wheel.position", alfCollection, behavior+"/Wheel/WheelPosition")
		s.add("wheel.timestamps", alfCollection, behavior+"/Wheel/WheelPosition")
	}

	if moves, ok := root.Find(behavior + "/wheel_moves"); ok {
		s.tableColumns(moves, metadata.TableWheelMoves, alfCollection, behavior+"/wheel_moves")
	}

	if _, ok := root.Find(behavior + "/LickTimes"); ok {
		s.add("licks.times", alfCollection, behavior+"/LickTimes")
	}

	if pupil, ok := root.Find(behavior + "/PupilTracking"); ok {
		for _, g := range pupil.Groups {
			cam, attr, found := strings.Cut(g.Name, "_")
			if !found {
				continue
			}

			source := behavior + "/PupilTracking/" + g.Name
			s.add(cam+"."+attr, alfCollection, source)
			s.add(cam+".times", alfCollection, source)
		}
	}

	if acq, ok := root.Find(nwb.PathAcquisition); ok {
		for _, g := range acq.Groups {
			suffix, found := strings.CutPrefix(g.Name, "OriginalVideo")
			if !found || g.NeurodataType != "ImageSeries" || suffix == "" {
				continue
			}

			cam := strings.ToLower(suffix[:1]) + suffix[1:]
			source := path.Join(nwb.PathAcquisition, g.Name)
			s.add(cam+".times", alfCollection, source)
			s.add(cam+".raw", videoCollection, source)
		}
	}
}

func ecephysDatasets(s *datasetSet, root *nwb.Group) {
	if units, ok := root.Find(nwb.PathUnits); ok {
		for _, label := range distinct(texts(units, "probe")) {
			collection := path.Join(alfCollection, label)
			s.add("spikes.clusters", collection, nwb.PathUnits)
			s.tableColumns(units, metadata.TableUnits, collection, nwb.PathUnits)
		}
	}

	if electrodes, ok := root.Find(nwb.PathElectrodes); ok {
		for _, label := range distinct(texts(electrodes, "group_name")) {
			s.tableColumns(electrodes, metadata.TableElectrodes, path.Join(alfCollection, label), nwb.PathElectrodes)
		}
	}

	if qc, ok := root.Find("/processing/ecephys"); ok {
		for _, g := range qc.Groups {
			rest, found := strings.CutPrefix(g.Name, "Rms")
			if !found || len(rest) < 2 {
				continue
			}

			band, label := rest[:2], probeLabel(rest[2:])
			if label == "" {
				continue
			}

			source := path.Join("/processing/ecephys", g.Name)
			collection := path.Join(rawEphysCollection, label)
			s.add("ephysTimeRms"+band+".rms", collection, source)
			s.add("ephysTimeRms"+band+".timestamps", collection, source)
		}
	}

	if acq, ok := root.Find(nwb.PathAcquisition); ok {
		for _, g := range acq.Groups {
			rest, found := strings.CutPrefix(g.Name, "ElectricalSeries")
			if !found || len(rest) < 2 {
				continue
			}

			band, label := rest[:2], probeLabel(rest[2:])
			if label == "" {
				continue
			}

			s.add("ephysData.raw."+strings.ToLower(band), path.Join(rawEphysCollection, label), path.Join(nwb.PathAcquisition, g.Name))
		}
	}
}

func distinct(values []string) []string {
	out := slices.Clone(values)
	slices.Sort(out)

	return slices.Compact(out)
}
