package scan

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SentinelSiteID replaces a missing or unparseable siteId. Rows carrying it
// are still persisted; reporting treats the all-zero UUID as "site unknown".
var SentinelSiteID = uuid.Nil

var (
	errMissingTag    = errors.New("missing tagName")
	errMissingDevice = errors.New("missing deviceId")
)

type ValidationError struct {
	reason error
}

func (e ValidationError) Error() string {
	return e.reason.Error()
}

func (e ValidationError) Unwrap() error {
	return e.reason
}

func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// DeviceInfo describes the kiosk unit that captured a scan.
type DeviceInfo struct {
	RegistrationID string `json:"registrationId,omitempty"`
	SiteName       string `json:"siteName,omitempty"`
	TruckNumber    string `json:"truckNumber,omitempty"`
	DeviceSerial   string `json:"deviceSerial,omitempty"`
}

// Record is the unit of telemetry flowing from the kiosk through the broker
// into the store. A Record is immutable once built; it is inserted exactly
// once and only ever soft-deleted afterwards.
type Record struct {
	TagName          string      `json:"tagName"`
	SiteID           uuid.UUID   `json:"siteId"`
	Latitude         float64     `json:"latitude"`
	Longitude        float64     `json:"longitude"`
	Speed            float64     `json:"speed"`
	DeviceID         string      `json:"deviceId"`
	Antenna          string      `json:"antenna"`
	Barrier          float64     `json:"barrier"`
	Comment          string      `json:"comment,omitempty"`
	DeviceInfo       *DeviceInfo `json:"deviceInfo,omitempty"`
	CapturedAtMicros int64       `json:"-"`
}

// Metadata rides alongside the record on the broker wire.
type Metadata struct {
	Timestamp int64 `json:"timestamp"`
}

// Envelope is the canonical broker schema: the camelCase record fields plus
// capture-time metadata.
type Envelope struct {
	Record
	Metadata Metadata `json:"metadata"`
}

func NewEnvelope(rec Record) Envelope {
	ts := rec.CapturedAtMicros
	if ts == 0 {
		ts = time.Now().UnixMicro()
	}
	return Envelope{Record: rec, Metadata: Metadata{Timestamp: ts}}
}

// Validate enforces the relay boundary invariants: tagName and deviceId must
// be present and non-blank. Everything else defaults rather than rejects.
func (r Record) Validate() error {
	if strings.TrimSpace(r.TagName) == "" {
		return ValidationError{reason: errMissingTag}
	}
	if strings.TrimSpace(r.DeviceID) == "" {
		return ValidationError{reason: errMissingDevice}
	}
	return nil
}

// ParseSiteID turns a raw siteId value into a UUID. An empty value yields
// the sentinel silently; a present but malformed value yields the sentinel
// plus a warning so the record is still persisted.
func ParseSiteID(raw string) (uuid.UUID, string) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return SentinelSiteID, ""
	}
	id, err := uuid.Parse(trimmed)
	if err != nil {
		return SentinelSiteID, fmt.Sprintf("siteId %q is not a UUID, using sentinel", trimmed)
	}
	return id, ""
}
