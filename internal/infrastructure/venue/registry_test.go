package venue

import (
	"errors"
	"testing"

	"segarb/internal/application/port"
	"segarb/internal/domain/model"
)

type stubVenue struct {
	port.Venue
	id model.VenueID
}

func (s stubVenue) ID() model.VenueID { return s.id }

func TestRegisterAndNew(t *testing.T) {
	Register("stub-test", func(s Settings) (port.Venue, error) {
		if s.RestURL == "" {
			return nil, errors.New("rest url required")
		}
		return stubVenue{id: s.ID}, nil
	})

	v, err := New(Settings{ID: "stub-test", RestURL: "http://localhost"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if v.ID() != "stub-test" {
		t.Errorf("ID = %s", v.ID())
	}

	if _, err := New(Settings{ID: "stub-test"}); err == nil {
		t.Error("expected factory error to propagate")
	}

	found := false
	for _, n := range Names() {
		if n == "stub-test" {
			found = true
		}
	}
	if !found {
		t.Errorf("Names() = %v", Names())
	}
}

func TestNewUnknownVenue(t *testing.T) {
	_, err := New(Settings{ID: "nowhere"})
	if !errors.Is(err, port.ErrVenueNotFound) {
		t.Fatalf("err = %v, want ErrVenueNotFound", err)
	}
}
