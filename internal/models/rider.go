package models

import (
	"strings"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate lies inside WGS84 bounds.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type RiderStatus string

const (
	RiderIdle     RiderStatus = "IDLE"
	RiderAccepted RiderStatus = "ACCEPTED"
	RiderEnRoute  RiderStatus = "EN_ROUTE"
	RiderOffline  RiderStatus = "OFFLINE"
)

func ParseRiderStatus(s string) (RiderStatus, error) {
	switch st := RiderStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case RiderIdle, RiderAccepted, RiderEnRoute, RiderOffline:
		return st, nil
	}
	return "", ErrUnknownStatus
}

// Rider is a courier as seen by dispatch. Riders are never deleted, only
// taken offline.
type Rider struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Online     bool        `json:"online"`
	Available  bool        `json:"available"`
	Status     RiderStatus `json:"status"`
	Location   *Coord      `json:"location,omitempty"` // nil until the first fix
	LocationAt *time.Time  `json:"location_at,omitempty"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Dispatchable is the online+available filter shared by every candidate pool.
func (r Rider) Dispatchable() bool { return r.Online && r.Available }

type Restaurant struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Address  string `json:"address"`
	Location *Coord `json:"location,omitempty"`
}
