package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jamcrm/api/internal/model"
)

// filterChunk bounds the number of bind variables per IN query.
const filterChunk = 1000

// MembershipStore owns collections, companies and their associations.
type MembershipStore struct {
	db *gorm.DB
}

func NewMembershipStore(db *gorm.DB) *MembershipStore {
	return &MembershipStore{db: db}
}

func (s *MembershipStore) CreateCollection(ctx context.Context, name string) (*model.Collection, error) {
	c := &model.Collection{ID: uuid.New().String(), CollectionName: name}
	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, err
	}
	return c, nil
}

// DeleteCollection removes a collection and all of its associations. The
// collection row is locked first so that in-flight moves into it finish
// before it disappears.
func (s *MembershipStore) DeleteCollection(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c model.Collection
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Take(&c).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		if err := tx.Where("collection_id = ?", id).Delete(&model.CompanyCollectionAssociation{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&model.Collection{}).Error
	})
}

func (s *MembershipStore) CollectionExists(ctx context.Context, id string) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&model.Collection{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListCollections returns every collection with its member count.
func (s *MembershipStore) ListCollections(ctx context.Context) ([]model.CollectionSummary, error) {
	var out []model.CollectionSummary
	err := s.db.WithContext(ctx).
		Table("company_collections AS c").
		Select("c.id AS id, c.collection_name AS collection_name, COUNT(a.company_id) AS total").
		Joins("LEFT JOIN company_collection_associations AS a ON a.collection_id = c.id").
		Group("c.id, c.collection_name, c.created_at").
		Order("c.created_at ASC").
		Scan(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpsertCompanies inserts companies, ignoring ids that already exist.
func (s *MembershipStore) UpsertCompanies(ctx context.Context, companies []model.Company) error {
	if len(companies) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&companies, 500).Error
}

// AddMembers ensures every company id is a member of the collection.
func (s *MembershipStore) AddMembers(ctx context.Context, collectionID string, companyIDs []int64) error {
	if len(companyIDs) == 0 {
		return nil
	}
	assocs := make([]model.CompanyCollectionAssociation, 0, len(companyIDs))
	for _, id := range companyIDs {
		assocs = append(assocs, model.CompanyCollectionAssociation{CompanyID: id, CollectionID: collectionID})
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&assocs, 500).Error
}

// MemberIDs returns a snapshot of every member of the collection ordered by
// company id.
func (s *MembershipStore) MemberIDs(ctx context.Context, collectionID string) ([]int64, error) {
	var ids []int64
	err := s.db.WithContext(ctx).
		Model(&model.CompanyCollectionAssociation{}).
		Where("collection_id = ?", collectionID).
		Order("company_id ASC").
		Pluck("company_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// FilterMembers keeps the ids that are currently members of the collection,
// preserving input order.
func (s *MembershipStore) FilterMembers(ctx context.Context, collectionID string, ids []int64) ([]int64, error) {
	present := make(map[int64]struct{}, len(ids))
	for start := 0; start < len(ids); start += filterChunk {
		end := start + filterChunk
		if end > len(ids) {
			end = len(ids)
		}
		var found []int64
		err := s.db.WithContext(ctx).
			Model(&model.CompanyCollectionAssociation{}).
			Where("collection_id = ? AND company_id IN ?", collectionID, ids[start:end]).
			Pluck("company_id", &found).Error
		if err != nil {
			return nil, err
		}
		for _, id := range found {
			present[id] = struct{}{}
		}
	}

	out := make([]int64, 0, len(present))
	for _, id := range ids {
		if _, ok := present[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// IsMember reports whether the company belongs to the collection.
func (s *MembershipStore) IsMember(ctx context.Context, companyID int64, collectionID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&model.CompanyCollectionAssociation{}).
		Where("company_id = ? AND collection_id = ?", companyID, collectionID).
		Count(&n).Error
	return n > 0, err
}

// MoveMember moves one company from one collection to another in a single
// transaction. Re-applying a completed move is a no-op that reports
// MoveOutcomeAlreadyPresent. The destination row is share-locked for the
// duration; if it no longer exists nothing changes and ErrCollectionGone is
// returned.
func (s *MembershipStore) MoveMember(ctx context.Context, companyID int64, from, to string) (model.MoveOutcome, error) {
	outcome := model.MoveOutcomeMissing
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var dest model.Collection
		err := tx.Clauses(clause.Locking{Strength: "SHARE"}).Select("id").Where("id = ?", to).Take(&dest).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrCollectionGone
		}
		if err != nil {
			return err
		}

		del := tx.Where("company_id = ? AND collection_id = ?", companyID, from).
			Delete(&model.CompanyCollectionAssociation{})
		if del.Error != nil {
			return del.Error
		}

		if del.RowsAffected > 0 {
			ins := tx.Clauses(clause.OnConflict{DoNothing: true}).
				Create(&model.CompanyCollectionAssociation{CompanyID: companyID, CollectionID: to})
			if ins.Error != nil {
				return ins.Error
			}
			if ins.RowsAffected > 0 {
				outcome = model.MoveOutcomeMoved
			} else {
				outcome = model.MoveOutcomeAlreadyPresent
			}
			return nil
		}

		var n int64
		if err := tx.Model(&model.CompanyCollectionAssociation{}).
			Where("company_id = ? AND collection_id = ?", companyID, to).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			outcome = model.MoveOutcomeAlreadyPresent
		}
		return nil
	})
	if err != nil {
		return model.MoveOutcomeMissing, err
	}
	return outcome, nil
}
