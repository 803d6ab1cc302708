package models

import (
	"time"

	"github.com/google/uuid"
)

// Infrastructure is a monitored asset (bridge, pipeline, dam) owning a set of
// monitoring points and the bounding box the processing service crops to.
type Infrastructure struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	OwnerID   uuid.UUID `db:"owner_id"   json:"owner_id"`
	Name      string    `db:"name"       json:"name"`
	BBox      BBox      `db:"-"          json:"bbox"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// BBox is a geographic bounding box in decimal degrees.
type BBox struct {
	West  float64 `db:"bbox_west"  json:"west"`
	East  float64 `db:"bbox_east"  json:"east"`
	South float64 `db:"bbox_south" json:"south"`
	North float64 `db:"bbox_north" json:"north"`
}

// MonitoringPoint is a fixed geographic location tracked for ground
// displacement over time.
type MonitoringPoint struct {
	ID               uuid.UUID `db:"id"                json:"id"`
	InfrastructureID uuid.UUID `db:"infrastructure_id" json:"infrastructure_id"`
	Name             string    `db:"name"              json:"name"`
	Lat              float64   `db:"lat"               json:"lat"`
	Lon              float64   `db:"lon"               json:"lon"`
	CreatedAt        time.Time `db:"created_at"        json:"created_at"`
}
