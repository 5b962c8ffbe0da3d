package slot

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata" // catalog timezones resolve without system zoneinfo

	contractx "github.com/tanpawarit/care-dialogue-scheduler/agent/contract"
	"gopkg.in/yaml.v3"
)

//go:embed catalog/default.yaml
var defaultCatalogRaw []byte

// ProviderSchedule generates recurring slots for one provider.
type ProviderSchedule struct {
	ID          string                 `yaml:"id"`
	Name        string                 `yaml:"name"`
	Type        contractx.ProviderType `yaml:"type"`
	Specialties []string               `yaml:"specialties"`
	SlotMinutes int                    `yaml:"slot_minutes"`
	StepMinutes int                    `yaml:"step_minutes"`
	DayStart    int                    `yaml:"day_start"`
	DayEnd      int                    `yaml:"day_end"`
	Weekends    bool                   `yaml:"weekends"`
}

type Catalog struct {
	Days      int                `yaml:"days"`
	Timezone  string             `yaml:"timezone"`
	Providers []ProviderSchedule `yaml:"providers"`
	Slots     []Spec             `yaml:"slots"`
}

func DefaultCatalog() (*Catalog, error) {
	return ParseCatalog(defaultCatalogRaw)
}

func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return ParseCatalog(raw)
}

func ParseCatalog(raw []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: decode catalog: %v", contractx.ErrValidation, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) Validate() error {
	if c.Days < 0 {
		return fmt.Errorf("%w: catalog days must be >= 0", contractx.ErrValidation)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	for _, p := range c.Providers {
		if strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf("%w: provider id is required", contractx.ErrValidation)
		}
		if !p.Type.Valid() {
			return fmt.Errorf("%w: provider %s has unknown type %q", contractx.ErrValidation, p.ID, p.Type)
		}
		if p.SlotMinutes <= 0 || p.StepMinutes <= 0 {
			return fmt.Errorf("%w: provider %s needs positive slot_minutes and step_minutes", contractx.ErrValidation, p.ID)
		}
		if p.DayStart < 0 || p.DayEnd > 24 || p.DayStart >= p.DayEnd {
			return fmt.Errorf("%w: provider %s has invalid hours %d-%d", contractx.ErrValidation, p.ID, p.DayStart, p.DayEnd)
		}
	}
	return nil
}

// Location is the zone the schedules are expressed in, UTC when unset.
func (c *Catalog) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: catalog timezone %q: %v", contractx.ErrValidation, tz, err)
	}
	return loc, nil
}

// Specs expands the provider schedules for c.Days days starting on the day
// of from, followed by the explicit slots. A generated slot's ID depends only
// on its provider and start, so the same slot keeps its ID across restarts.
func (c *Catalog) Specs(from time.Time) ([]Spec, error) {
	loc, err := c.Location()
	if err != nil {
		return nil, err
	}

	local := from.In(loc)
	day0 := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	var specs []Spec
	for _, p := range c.Providers {
		for offset := 0; offset < c.Days; offset++ {
			day := day0.AddDate(0, 0, offset)
			if !p.Weekends && (day.Weekday() == time.Saturday || day.Weekday() == time.Sunday) {
				continue
			}
			end := day.Add(time.Duration(p.DayEnd) * time.Hour)
			step := time.Duration(p.StepMinutes) * time.Minute
			for start := day.Add(time.Duration(p.DayStart) * time.Hour); start.Before(end); start = start.Add(step) {
				specs = append(specs, Spec{
					ID:           ScheduledID(p.ID, start),
					ProviderID:   p.ID,
					ProviderType: p.Type,
					ProviderName: p.Name,
					Start:        start,
					Duration:     time.Duration(p.SlotMinutes) * time.Minute,
					Summary:      describeScheduled(p, start),
				})
			}
		}
	}

	specs = append(specs, c.Slots...)
	return specs, nil
}

// ScheduledID names a generated slot, e.g. prov_002-20260302T0900Z.
func ScheduledID(providerID string, start time.Time) string {
	return providerID + "-" + start.UTC().Format("20060102T1504Z")
}

func describeScheduled(p ProviderSchedule, start time.Time) string {
	focus := "general consultation"
	if len(p.Specialties) > 0 {
		focus = strings.Join(p.Specialties, ", ")
	}
	return fmt.Sprintf("%s appointment with %s on %s %s, %s. Focus: %s.",
		p.Type.Label(),
		p.Name,
		start.Weekday(),
		DayPart(start),
		start.Format("Jan 2 at 15:04"),
		focus,
	)
}
