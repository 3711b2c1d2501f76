package store

import "time"

type User struct {
	ID        string
	Email     string
	CreatedAt time.Time
}

// Sheet is one calendar day's journal entry for one user. At most one
// sheet exists per (user, date); the schema enforces it.
type Sheet struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	SheetDate string    `json:"sheetDate"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
