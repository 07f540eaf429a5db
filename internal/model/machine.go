package model

// Machine represents a machine on the shop floor.
//
// Version counts successful mutations of the machine, starting at 1 on
// creation. Clients use it to detect stale snapshots.
type Machine struct {
	ID      int64  `gorm:"primaryKey" json:"id"`
	Name    string `gorm:"uniqueIndex;size:256;not null" json:"name"`
	Version int64  `gorm:"not null" json:"version"`
}
