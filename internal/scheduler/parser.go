package scheduler

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/zde37/chordsim/internal/ring"
)

// eventRecord is the on-disk shape of one event. Ids are strings so that
// wide rings can use hex.
type eventRecord struct {
	Time   int64  `yaml:"time"`
	Type   string `yaml:"type"`
	From   string `yaml:"from"`
	To     string `yaml:"to,omitempty"`
	Faulty bool   `yaml:"faulty,omitempty"`
}

type eventFile struct {
	Events []eventRecord `yaml:"events"`
}

// ParseEvents decodes a YAML event file. Events come back ordered by time,
// keeping file order within a step.
func ParseEvents(r io.Reader, space *ring.Space) ([]Event, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f eventFile
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to decode event file: %w", err)
	}

	events := make([]Event, 0, len(f.Events))
	for i, rec := range f.Events {
		ev, err := rec.toEvent(space)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		events = append(events, ev)
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].Time < events[j].Time })
	return events, nil
}

// LoadEvents reads and parses the event file at path.
func LoadEvents(path string, space *ring.Space) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event file: %w", err)
	}
	defer f.Close()

	return ParseEvents(f, space)
}

// WriteEvents encodes events in the format ParseEvents reads.
func WriteEvents(w io.Writer, events []Event) error {
	f := eventFile{Events: make([]eventRecord, 0, len(events))}
	for _, ev := range events {
		rec := eventRecord{
			Time:   ev.Time,
			Type:   ev.Type.String(),
			From:   ev.From.String(),
			Faulty: ev.Faulty,
		}
		if ev.To != nil {
			rec.To = ev.To.String()
		}
		f.Events = append(f.Events, rec)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&f); err != nil {
		return fmt.Errorf("failed to encode events: %w", err)
	}
	return enc.Close()
}

func (rec eventRecord) toEvent(space *ring.Space) (Event, error) {
	if rec.Time < 0 {
		return Event{}, fmt.Errorf("negative time %d", rec.Time)
	}
	typ, err := ParseEventType(rec.Type)
	if err != nil {
		return Event{}, err
	}
	from, err := space.ParseID(rec.From)
	if err != nil {
		return Event{}, fmt.Errorf("invalid from: %w", err)
	}

	ev := Event{From: from, Type: typ, Time: rec.Time, Faulty: rec.Faulty}
	if rec.To != "" {
		to, err := space.ParseID(rec.To)
		if err != nil {
			return Event{}, fmt.Errorf("invalid to: %w", err)
		}
		if typ == EventJoin && to.Equal(from) {
			return Event{}, fmt.Errorf("node %s cannot bootstrap from itself", from)
		}
		ev.To = &to
	}
	return ev, nil
}
