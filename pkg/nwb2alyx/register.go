package nwb2alyx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Sumatoshi-tech/iblnwb/pkg/alyx"
)

// ErrNoSession indicates records without a session to register.
var ErrNoSession = errors.New("records hold no session")

const nwbDataFormat = "nwb"

// Registrar is the part of the Alyx client registration writes through.
type Registrar interface {
	Subject(ctx context.Context, nickname string) (*alyx.Subject, error)
	CreateSubject(ctx context.Context, s *alyx.Subject) (*alyx.Subject, error)
	CreateSession(ctx context.Context, s *alyx.Session) (*alyx.Session, error)
	CreateWeighing(ctx context.Context, w *alyx.Weighing) (*alyx.Weighing, error)
	CreateWaterAdministration(ctx context.Context, w *alyx.WaterAdministration) (*alyx.WaterAdministration, error)
	RegisterDataset(ctx context.Context, d *alyx.DatasetRegistration) (*alyx.DatasetRecord, error)
}

// RegisterOptions tunes Register.
type RegisterOptions struct {
	// File is the NWB file to register as a dataset of the new session.
	File   string
	Logger *slog.Logger
}

// Registration lists what Register created.
type Registration struct {
	Subject              string   `json:"subject"`
	SubjectCreated       bool     `json:"subject_created"`
	Session              string   `json:"session"`
	Weighings            []string `json:"weighings,omitempty"`
	WaterAdministrations []string `json:"water_administrations,omitempty"`
	Dataset              string   `json:"dataset,omitempty"`
}

// Register creates the records on Alyx. The subject is created only when
// absent, and its weighing and water history only with it: an existing
// subject already has its history. The session is always created.
func Register(ctx context.Context, client Registrar, rec *Records, opts RegisterOptions) (*Registration, error) {
	if rec == nil || rec.Session.StartTime == "" {
		return nil, ErrNoSession
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	reg := &Registration{Subject: rec.Subject.Nickname}

	_, err := client.Subject(ctx, rec.Subject.Nickname)

	switch {
	case errors.Is(err, alyx.ErrNotFound):
		err = createSubject(ctx, client, rec, reg)
		if err != nil {
			return reg, err
		}

		logger.InfoContext(ctx, "subject created", "subject", reg.Subject,
			"weighings", len(reg.Weighings), "water_administrations", len(reg.WaterAdministrations))
	case err != nil:
		return reg, fmt.Errorf("look up subject %s: %w", rec.Subject.Nickname, err)
	}

	session := rec.Session
	session.ID = ""
	session.URL = ""
	session.Datasets = nil
	session.WaterAdminSessionRelated = nil

	created, err := client.CreateSession(ctx, &session)
	if err != nil {
		return reg, err
	}

	reg.Session = created.ID
	logger.InfoContext(ctx, "session created", "session", reg.Session, "subject", reg.Subject)

	if opts.File == "" {
		return reg, nil
	}

	info, err := os.Stat(opts.File)
	if err != nil {
		return reg, fmt.Errorf("stat %s: %w", opts.File, err)
	}

	ds, err := client.RegisterDataset(ctx, &alyx.DatasetRegistration{
		Name:       filepath.Base(opts.File),
		Session:    reg.Session,
		DataFormat: nwbDataFormat,
		FileSize:   info.Size(),
	})
	if err != nil {
		return reg, err
	}

	reg.Dataset = ds.ID

	return reg, nil
}

func createSubject(ctx context.Context, client Registrar, rec *Records, reg *Registration) error {
	subject := rec.Subject
	subject.ID = ""
	subject.URL = ""
	subject.Weighings = nil
	subject.WaterAdministrations = nil

	_, err := client.CreateSubject(ctx, &subject)
	if err != nil {
		return err
	}

	reg.SubjectCreated = true

	for _, w := range rec.Weighings {
		w.ID = ""
		w.Subject = subject.Nickname

		created, createErr := client.CreateWeighing(ctx, &w)
		if createErr != nil {
			return createErr
		}

		reg.Weighings = append(reg.Weighings, created.ID)
	}

	for _, w := range rec.WaterAdministrations {
		w.ID = ""
		w.Subject = subject.Nickname
		w.Session = ""

		created, createErr := client.CreateWaterAdministration(ctx, &w)
		if createErr != nil {
			return createErr
		}

		reg.WaterAdministrations = append(reg.WaterAdministrations, created.ID)
	}

	return nil
}
