package entity

// Group classifies accounts, e.g. reseller tiers.
type Group struct {
	ID   int64  `db:"id" json:"id"`
	Name string `db:"name" json:"name"`
}

// Plan is a service tier bounding simultaneous streams.
type Plan struct {
	ID                     int64  `db:"id" json:"id"`
	Name                   string `db:"name" json:"name"`
	MaxSimultaneousScreens int    `db:"max_simultaneous_screens" json:"max_simultaneous_screens"`
}
