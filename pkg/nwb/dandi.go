package nwb

import (
	"path"
	"slices"
	"strings"
)

// DandiPath returns the DANDI archive path of a session file:
// sub-<subject>/sub-<subject>_ses-<session>[_desc-<desc>]_<modalities>.nwb.
// Entity values keep letters, digits and dashes only.
func DandiPath(subject, session, desc string, modalities []string) string {
	sub := "sub-" + dandiLabel(subject)

	var b strings.Builder

	b.WriteString(sub)

	if session != "" {
		b.WriteString("_ses-" + dandiLabel(session))
	}

	if desc != "" {
		b.WriteString("_desc-" + dandiLabel(desc))
	}

	if len(modalities) > 0 {
		mods := slices.Clone(modalities)
		slices.Sort(mods)
		b.WriteString("_" + strings.Join(slices.Compact(mods), "+"))
	}

	b.WriteString(".nwb")

	return path.Join(sub, b.String())
}

func dandiLabel(value string) string {
	var b strings.Builder

	lastDash := false

	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)

			lastDash = false
		case !lastDash && b.Len() > 0:
			b.WriteByte('-')

			lastDash = true
		}
	}

	return strings.TrimSuffix(b.String(), "-")
}
