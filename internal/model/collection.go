package model

import "time"

// Collection is a named group of companies.
type Collection struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	CollectionName string    `gorm:"size:255;not null" json:"collection_name"`
	CreatedAt      time.Time `json:"created_at"`
}

func (Collection) TableName() string {
	return "company_collections"
}

type Company struct {
	ID          int64     `gorm:"primaryKey;autoIncrement:false" json:"id"`
	CompanyName string    `gorm:"size:255;not null" json:"company_name"`
	CreatedAt   time.Time `json:"created_at"`
}

func (Company) TableName() string {
	return "companies"
}

// CompanyCollectionAssociation records that a company is a member of a
// collection. The composite key makes "ensure membership" a single atomic
// insert.
type CompanyCollectionAssociation struct {
	CompanyID    int64     `gorm:"primaryKey;autoIncrement:false"`
	CollectionID string    `gorm:"primaryKey;size:36;index"`
	CreatedAt    time.Time
}

func (CompanyCollectionAssociation) TableName() string {
	return "company_collection_associations"
}

// CollectionSummary is the list view of a collection.
type CollectionSummary struct {
	ID             string `json:"id"`
	CollectionName string `json:"collection_name"`
	Total          int64  `json:"total"`
}

// MoveOutcome is the result of moving one member.
type MoveOutcome int

const (
	// MoveOutcomeMoved: the member was added to the destination.
	MoveOutcomeMoved MoveOutcome = iota
	// MoveOutcomeAlreadyPresent: the member was already in the destination.
	MoveOutcomeAlreadyPresent
	// MoveOutcomeMissing: the member is in neither collection.
	MoveOutcomeMissing
)

func (o MoveOutcome) String() string {
	switch o {
	case MoveOutcomeMoved:
		return "moved"
	case MoveOutcomeAlreadyPresent:
		return "already_present"
	case MoveOutcomeMissing:
		return "missing"
	}
	return "unknown"
}
