package ingest

import (
	"time"

	"gorm.io/datatypes"
)

// PersistedScan is the store-side row for one scan. The ingest service is
// its only writer; downstream reporting reads the non-deleted view. Rows are
// inserted once and only ever soft-deleted, never updated or removed.
type PersistedScan struct {
	ID          string            `json:"id" gorm:"primaryKey;column:id"`
	TagName     string            `json:"tagName" gorm:"column:tag_name;index"`
	SiteID      string            `json:"siteId" gorm:"column:site_id;index"`
	Latitude    float64           `json:"latitude" gorm:"column:latitude"`
	Longitude   float64           `json:"longitude" gorm:"column:longitude"`
	Speed       float64           `json:"speed" gorm:"column:speed"`
	DeviceID    string            `json:"deviceId" gorm:"column:device_id;index"`
	Antenna     string            `json:"antenna" gorm:"column:antenna"`
	Barrier     float64           `json:"barrier" gorm:"column:barrier"`
	Comment     string            `json:"comment,omitempty" gorm:"column:comment"`
	DeviceInfo  datatypes.JSONMap `json:"deviceInfo,omitempty" gorm:"column:device_info"`
	CapturedAt  time.Time         `json:"capturedAt" gorm:"column:captured_at"`
	IsProcessed bool              `json:"isProcessed" gorm:"column:is_processed"`
	IsDeleted   bool              `json:"isDeleted" gorm:"column:is_deleted"`
	CreatedOn   time.Time         `json:"createdOn" gorm:"column:created_on;index"`
	CreatedBy   string            `json:"createdBy" gorm:"column:created_by"`
	UpdatedOn   time.Time         `json:"updatedOn" gorm:"column:updated_on"`
	UpdatedBy   string            `json:"updatedBy" gorm:"column:updated_by"`
}

func (PersistedScan) TableName() string {
	return "scans"
}

// ActiveScanView is the soft-delete view over scans, newest first.
const ActiveScanView = "active_scans"
