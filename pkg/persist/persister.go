package persist

// Persister stores one typed document per directory, such as the batch
// checkpoint of a run, as basename plus the codec extension.
type Persister[T any] struct {
	basename string
	codec    Codec
}

// NewPersister returns a Persister for basename encoded with codec.
func NewPersister[T any](basename string, codec Codec) *Persister[T] {
	return &Persister[T]{
		basename: basename,
		codec:    codec,
	}
}

// Save atomically writes state into dir.
func (p *Persister[T]) Save(dir string, state *T) error {
	return SaveState(dir, p.basename, p.codec, state)
}

// Load reads the state stored in dir. A missing file wraps fs.ErrNotExist.
func (p *Persister[T]) Load(dir string) (*T, error) {
	var state T

	err := LoadState(dir, p.basename, p.codec, &state)
	if err != nil {
		return nil, err
	}

	return &state, nil
}

// Filename returns the file name used inside a directory.
func (p *Persister[T]) Filename() string {
	return p.basename + p.codec.Extension()
}
