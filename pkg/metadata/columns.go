package metadata

import "sort"

// NWB tables fed from ALF objects.
const (
	TableUnits      = "units"
	TableTrials     = "trials"
	TableElectrodes = "electrodes"
	TableWheelMoves = "wheel_moves"
)

// WholeArray marks a column that takes every value of a dataset row.
const WholeArray = -1

// Column maps one ALF dataset (or one component of a 2-D dataset) to a
// column of an NWB table.
type Column struct {
	Table       string `json:"table"`
	DatasetKey  string `json:"dataset_key"`
	Column      string `json:"column"`
	Description string `json:"description"`
	// Component selects one column of a 2-D dataset; WholeArray otherwise.
	Component int `json:"component"`
	// Ragged columns are indexed per row (spike times per unit).
	Ragged bool `json:"ragged,omitempty"`
}

// Columns is the ALF to NWB reshaping table. Dataset keys carry no namespace.
var Columns = []Column{
	// Units: cluster attributes plus ragged spike vectors.
	{TableUnits, "spikes.times", "spike_times", "Spike times of the unit, in seconds.", WholeArray, true},
	{TableUnits, "spikes.amps", "spike_amplitudes", "Amplitude of each spike, in volts.", WholeArray, true},
	{TableUnits, "spikes.depths", "spike_depths", "Depth of each spike along the probe, in micrometres.", WholeArray, true},
	{TableUnits, "clusters.amps", "amplitude", "Mean spike amplitude of the cluster, in volts.", WholeArray, false},
	{TableUnits, "clusters.depths", "depth", "Depth of the cluster along the probe, in micrometres.", WholeArray, false},
	{TableUnits, "clusters.peakToTrough", "peak_to_trough", "Duration between waveform peak and trough, in milliseconds.", WholeArray, false},
	{TableUnits, "clusters.channels", "peak_channel", "Channel with the largest waveform amplitude.", WholeArray, false},

	// Trials.
	{TableTrials, "trials.intervals", "start_time", "Trial start time, in seconds.", 0, false},
	{TableTrials, "trials.intervals", "stop_time", "Trial stop time, in seconds.", 1, false},
	{TableTrials, "trials.goCue_times", "go_cue_time", "Time of the go cue tone, in seconds.", WholeArray, false},
	{TableTrials, "trials.goCueTrigger_times", "go_cue_trigger_time", "Time the go cue was triggered, in seconds.", WholeArray, false},
	{TableTrials, "trials.stimOn_times", "stim_on_time", "Time the visual stimulus appeared, in seconds.", WholeArray, false},
	{TableTrials, "trials.stimOff_times", "stim_off_time", "Time the visual stimulus disappeared, in seconds.", WholeArray, false},
	{TableTrials, "trials.response_times", "response_time", "Time of the response, in seconds.", WholeArray, false},
	{TableTrials, "trials.feedback_times", "feedback_time", "Time of feedback delivery, in seconds.", WholeArray, false},
	{TableTrials, "trials.firstMovement_times", "first_movement_time", "Time of the first wheel movement, in seconds.", WholeArray, false},
	{TableTrials, "trials.choice", "choice", "Response choice: -1 turn CCW, 1 turn CW, 0 no go.", WholeArray, false},
	{TableTrials, "trials.feedbackType", "feedback_type", "Feedback: 1 reward, -1 error tone and timeout.", WholeArray, false},
	{TableTrials, "trials.rewardVolume", "reward_volume", "Volume of reward delivered, in microlitres.", WholeArray, false},
	{TableTrials, "trials.contrastLeft", "contrast_left", "Contrast of the left stimulus, NaN when absent.", WholeArray, false},
	{TableTrials, "trials.contrastRight", "contrast_right", "Contrast of the right stimulus, NaN when absent.", WholeArray, false},
	{TableTrials, "trials.probabilityLeft", "probability_left", "Prior probability of a left stimulus.", WholeArray, false},
	{TableTrials, "trials.quiescencePeriod", "quiescence_period", "Required quiescence before stimulus onset, in seconds.", WholeArray, false},

	// Electrodes: channel attributes.
	{TableElectrodes, "channels.rawInd", "raw_index", "Index of the channel in the raw recording.", WholeArray, false},
	{TableElectrodes, "channels.localCoordinates", "rel_x", "Channel x position on the probe, in micrometres.", 0, false},
	{TableElectrodes, "channels.localCoordinates", "rel_y", "Channel y position on the probe, in micrometres.", 1, false},
	{TableElectrodes, "channels.mlapdv", "x", "Medio-lateral CCF coordinate, in micrometres.", 0, false},
	{TableElectrodes, "channels.mlapdv", "y", "Antero-posterior CCF coordinate, in micrometres.", 1, false},
	{TableElectrodes, "channels.mlapdv", "z", "Dorso-ventral CCF coordinate, in micrometres.", 2, false},
	{TableElectrodes, "channels.brainLocationIds_ccf_2017", "location_id", "Allen CCF 2017 brain region id.", WholeArray, false},

	// Wheel moves.
	{TableWheelMoves, "wheelMoves.intervals", "start_time", "Movement onset, in seconds.", 0, false},
	{TableWheelMoves, "wheelMoves.intervals", "stop_time", "Movement offset, in seconds.", 1, false},
	{TableWheelMoves, "wheelMoves.peakAmplitude", "peak_amplitude", "Peak displacement of the movement, in radians.", WholeArray, false},
	{TableWheelMoves, "wheelMoves.peakVelocity_times", "peak_velocity_time", "Time of peak velocity, in seconds.", WholeArray, false},
}

// ColumnsFor returns the columns of a table in declaration order.
func ColumnsFor(table string) []Column {
	var out []Column

	for _, c := range Columns {
		if c.Table == table {
			out = append(out, c)
		}
	}

	return out
}

// ColumnFor returns every column fed by a dataset key.
func ColumnFor(datasetKey string) []Column {
	var out []Column

	for _, c := range Columns {
		if c.DatasetKey == datasetKey {
			out = append(out, c)
		}
	}

	return out
}

// DatasetKeyFor is the reverse lookup used when reading NWB files back.
func DatasetKeyFor(table, column string) (string, bool) {
	for _, c := range Columns {
		if c.Table == table && c.Column == column {
			return c.DatasetKey, true
		}
	}

	return "", false
}

// DatasetKeys returns the distinct dataset keys of a table, sorted.
func DatasetKeys(table string) []string {
	seen := make(map[string]struct{})

	for _, c := range ColumnsFor(table) {
		seen[c.DatasetKey] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}

	sort.Strings(out)

	return out
}
