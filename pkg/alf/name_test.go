package alf_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/iblnwb/pkg/alf"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want alf.Name
	}{
		{
			in:   "spikes.times.npy",
			want: alf.Name{Object: "spikes", Attribute: "times", Extension: "npy"},
		},
		{
			in:   "_ibl_trials.goCue_times.npy",
			want: alf.Name{Namespace: "ibl", Object: "trials", Attribute: "goCue_times", Extension: "npy"},
		},
		{
			in:   "spikes.times_ephysClock.npy",
			want: alf.Name{Object: "spikes", Attribute: "times", Timescale: "ephysClock", Extension: "npy"},
		},
		{
			in: "_iblqc_ephysTimeRmsAP.rms.npy",
			want: alf.Name{
				Namespace: "iblqc", Object: "ephysTimeRmsAP", Attribute: "rms", Extension: "npy",
			},
		},
		{
			in: "_ibl_leftCamera.raw.mp4",
			want: alf.Name{
				Namespace: "ibl", Object: "leftCamera", Attribute: "raw", Extension: "mp4",
			},
		},
		{
			in: "_spikeglx_ephysData_g0_t0.imec0.ap.bin",
			want: alf.Name{
				Namespace: "spikeglx", Object: "ephysData_g0_t0", Attribute: "imec0",
				Extra: []string{"ap"}, Extension: "bin",
			},
		},
		{
			in: "alf/probe00/clusters.amps.npy",
			want: alf.Name{Object: "clusters", Attribute: "amps", Extension: "npy"},
		},
		{
			in: "_ibl_wheelMoves.intervals_bpod.npy",
			want: alf.Name{
				Namespace: "ibl", Object: "wheelMoves", Attribute: "intervals", Timescale: "bpod", Extension: "npy",
			},
		},
		{
			in: "trials.stimOn_times_bpod.npy",
			want: alf.Name{Object: "trials", Attribute: "stimOn_times", Timescale: "bpod", Extension: "npy"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()

			got, err := alf.Parse(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "spikes.npy", "spikes..npy", "_ibl.times.npy", "sp ikes.times.npy"} {
		_, err := alf.Parse(in)
		require.ErrorIs(t, err, alf.ErrInvalidName, in)
	}
}

func TestName_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, in := range []string{
		"_ibl_trials.goCue_times.npy",
		"spikes.times_ephysClock.npy",
		"_spikeglx_ephysData_g0_t0.imec0.ap.bin",
	} {
		name := alf.MustParse(in)
		assert.Equal(t, in, name.String())
	}
}

func TestName_Keys(t *testing.T) {
	t.Parallel()

	name := alf.MustParse("_ibl_trials.goCue_times.npy")

	assert.Equal(t, "trials.goCue_times", name.Key())
	assert.Equal(t, "_ibl_trials.goCue_times", name.DatasetType())
	assert.Equal(t, "spikes.times", alf.MustParse("spikes.times.npy").DatasetType())
}
