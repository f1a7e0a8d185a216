package provider

import (
	"time"

	"gorm.io/gorm"
)

// TaskRecord is the durable row backing one provider-side Task. The
// coordinator's periodic UpdateActivity poll needs range/state queries over
// tasks, which is why this DAO is relational (gorm + sqlite) rather than a
// hand-rolled LevelDB key scan (see DESIGN.md).
type TaskRecord struct {
	ID          uint `gorm:"primaryKey"`
	AgreementID string `gorm:"index"`
	ActivityID  string `gorm:"uniqueIndex"`
	State       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (TaskRecord) TableName() string { return "tasks" }

// ActivityDAO persists Task rows for the Task Coordinator.
type ActivityDAO struct {
	db *gorm.DB
}

// NewActivityDAO migrates the given relational store (activity.db in
// cmd/marketd) and wraps it.
func NewActivityDAO(db *gorm.DB) (*ActivityDAO, error) {
	if err := db.AutoMigrate(&TaskRecord{}); err != nil {
		return nil, err
	}
	return &ActivityDAO{db: db}, nil
}

// Upsert creates or updates the record for (agreementID, activityID).
func (d *ActivityDAO) Upsert(agreementID, activityID, state string) error {
	var rec TaskRecord
	tx := d.db.Where("activity_id = ?", activityID).First(&rec)
	if tx.Error == gorm.ErrRecordNotFound {
		rec = TaskRecord{AgreementID: agreementID, ActivityID: activityID, State: state}
		return d.db.Create(&rec).Error
	}
	if tx.Error != nil {
		return tx.Error
	}
	rec.State = state
	return d.db.Save(&rec).Error
}

// Delete removes the record for activityID.
func (d *ActivityDAO) Delete(activityID string) error {
	return d.db.Where("activity_id = ?", activityID).Delete(&TaskRecord{}).Error
}

// Get returns the record for activityID, if any.
func (d *ActivityDAO) Get(activityID string) (*TaskRecord, bool) {
	var rec TaskRecord
	if err := d.db.Where("activity_id = ?", activityID).First(&rec).Error; err != nil {
		return nil, false
	}
	return &rec, true
}

// ListByAgreement returns every task row for the given agreement.
func (d *ActivityDAO) ListByAgreement(agreementID string) []TaskRecord {
	var out []TaskRecord
	d.db.Where("agreement_id = ?", agreementID).Find(&out)
	return out
}
