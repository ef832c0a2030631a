// Package checkpoint records batch progress so that an interrupted batch
// resumes without converting finished sessions again.
package checkpoint

// Outcome is the recorded result of one session.
type Outcome struct {
	Status string `json:"status"`
	Path   string `json:"path,omitempty"`
	Error  string `json:"error,omitempty"`
	At     string `json:"at"`
}

// Metadata is the checkpoint file.
type Metadata struct {
	Version   int                `json:"version"`
	RunHash   string             `json:"run_hash"`
	Settings  string             `json:"settings"`
	CreatedAt string             `json:"created_at"`
	UpdatedAt string             `json:"updated_at"`
	Sessions  map[string]Outcome `json:"sessions"`
}
