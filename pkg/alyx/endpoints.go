package alyx

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Session fetches /sessions/{eid}.
func (c *Client) Session(ctx context.Context, eid string) (*Session, error) {
	var s Session

	err := c.get(ctx, "/sessions/"+url.PathEscape(eid), nil, &s)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", eid, err)
	}

	return &s, nil
}

// Sessions lists sessions matching the query.
func (c *Client) Sessions(ctx context.Context, q SessionQuery) ([]Session, error) {
	params := url.Values{}
	setIf(params, "subject", q.Subject)
	setIf(params, "lab", q.Lab)
	setIf(params, "projects", q.Project)
	setIf(params, "task_protocol", q.TaskProtocol)

	if q.DateRange[0] != "" && q.DateRange[1] != "" {
		params.Set("date_range", q.DateRange[0]+","+q.DateRange[1])
	}

	if len(q.DatasetTypes) > 0 {
		params.Set("dataset_types", strings.Join(q.DatasetTypes, ","))
	}

	sessions, err := getList[Session](ctx, c, "/sessions", params)
	if err != nil {
		return nil, fmt.Errorf("sessions: %w", err)
	}

	if q.Limit > 0 && len(sessions) > q.Limit {
		sessions = sessions[:q.Limit]
	}

	return sessions, nil
}

// Subject fetches /subjects/{nickname}.
func (c *Client) Subject(ctx context.Context, nickname string) (*Subject, error) {
	var s Subject

	err := c.get(ctx, "/subjects/"+url.PathEscape(nickname), nil, &s)
	if err != nil {
		return nil, fmt.Errorf("subject %s: %w", nickname, err)
	}

	return &s, nil
}

// Lab fetches /labs/{name}.
func (c *Client) Lab(ctx context.Context, name string) (*Lab, error) {
	var l Lab

	err := c.get(ctx, "/labs/"+url.PathEscape(name), nil, &l)
	if err != nil {
		return nil, fmt.Errorf("lab %s: %w", name, err)
	}

	return &l, nil
}

// Insertions lists the probe insertions of a session.
func (c *Client) Insertions(ctx context.Context, eid string) ([]Insertion, error) {
	out, err := getList[Insertion](ctx, c, "/insertions", url.Values{"session": {eid}})
	if err != nil {
		return nil, fmt.Errorf("insertions %s: %w", eid, err)
	}

	return out, nil
}

// Datasets lists the datasets registered for a session.
func (c *Client) Datasets(ctx context.Context, eid string) ([]DatasetRecord, error) {
	out, err := getList[DatasetRecord](ctx, c, "/datasets", url.Values{"session": {eid}})
	if err != nil {
		return nil, fmt.Errorf("datasets %s: %w", eid, err)
	}

	return out, nil
}

// WaterAdministrations lists the water administrations of a subject.
func (c *Client) WaterAdministrations(ctx context.Context, nickname string) ([]WaterAdministration, error) {
	out, err := getList[WaterAdministration](ctx, c, "/water-administrations", url.Values{"nickname": {nickname}})
	if err != nil {
		return nil, fmt.Errorf("water administrations %s: %w", nickname, err)
	}

	return out, nil
}

// Weighings lists the weighings of a subject.
func (c *Client) Weighings(ctx context.Context, nickname string) ([]Weighing, error) {
	out, err := getList[Weighing](ctx, c, "/weighings", url.Values{"nickname": {nickname}})
	if err != nil {
		return nil, fmt.Errorf("weighings %s: %w", nickname, err)
	}

	return out, nil
}

// CreateSubject posts a subject and returns the stored record.
func (c *Client) CreateSubject(ctx context.Context, s *Subject) (*Subject, error) {
	var created Subject

	err := c.post(ctx, "/subjects", s, &created)
	if err != nil {
		return nil, fmt.Errorf("create subject %s: %w", s.Nickname, err)
	}

	return &created, nil
}

// CreateSession posts a session and returns the stored record.
func (c *Client) CreateSession(ctx context.Context, s *Session) (*Session, error) {
	var created Session

	err := c.post(ctx, "/sessions", s, &created)
	if err != nil {
		return nil, fmt.Errorf("create session for %s: %w", s.Subject, err)
	}

	return &created, nil
}

// CreateWaterAdministration posts a water administration.
func (c *Client) CreateWaterAdministration(ctx context.Context, w *WaterAdministration) (*WaterAdministration, error) {
	var created WaterAdministration

	err := c.post(ctx, "/water-administrations", w, &created)
	if err != nil {
		return nil, fmt.Errorf("create water administration: %w", err)
	}

	return &created, nil
}

// CreateWeighing posts a weighing.
func (c *Client) CreateWeighing(ctx context.Context, w *Weighing) (*Weighing, error) {
	var created Weighing

	err := c.post(ctx, "/weighings", w, &created)
	if err != nil {
		return nil, fmt.Errorf("create weighing: %w", err)
	}

	return &created, nil
}

// RegisterDataset posts a dataset record.
func (c *Client) RegisterDataset(ctx context.Context, d *DatasetRegistration) (*DatasetRecord, error) {
	var created DatasetRecord

	err := c.post(ctx, "/datasets", d, &created)
	if err != nil {
		return nil, fmt.Errorf("register dataset %s: %w", d.Name, err)
	}

	return &created, nil
}

func setIf(params url.Values, key, value string) {
	if value != "" {
		params.Set(key, value)
	}
}
