package scan

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// FieldAliases maps one canonical field to the ordered list of payload keys
// accepted for it. The first present, non-null key wins. Adding a producer
// variant means extending a list here (or in the YAML override file), not
// adding code.
type FieldAliases struct {
	Canonical string   `yaml:"canonical" json:"canonical"`
	Keys      []string `yaml:"aliases" json:"aliases"`
}

type AliasTable struct {
	fields map[string][]string
}

func DefaultAliases() []FieldAliases {
	return []FieldAliases{
		{Canonical: "tagName", Keys: []string{"tagName", "TagName", "epc", "rfidTag"}},
		{Canonical: "siteId", Keys: []string{"siteId", "SiteId", "locationCode"}},
		{Canonical: "latitude", Keys: []string{"latitude", "Latitude", "lat"}},
		{Canonical: "longitude", Keys: []string{"longitude", "Longitude", "lng", "lon"}},
		{Canonical: "speed", Keys: []string{"speed", "Speed"}},
		{Canonical: "deviceId", Keys: []string{"deviceId", "DeviceId", "deviceID"}},
		{Canonical: "antenna", Keys: []string{"antenna", "Antenna"}},
		{Canonical: "barrier", Keys: []string{"barrier", "Barrier", "heading"}},
		{Canonical: "comment", Keys: []string{"comment", "Comment"}},
		{Canonical: "deviceInfo", Keys: []string{"deviceInfo", "DeviceInfo"}},
		{Canonical: "metadata", Keys: []string{"metadata", "Metadata"}},
	}
}

func NewAliasTable(fields []FieldAliases) *AliasTable {
	t := &AliasTable{fields: make(map[string][]string, len(fields))}
	for _, f := range fields {
		t.fields[f.Canonical] = f.Keys
	}
	return t
}

type aliasFile struct {
	Fields []FieldAliases `yaml:"fields"`
}

// LoadAliasTable reads an alias override file, falling back to the built-in
// table when no path is configured.
func LoadAliasTable(path string) (*AliasTable, error) {
	if path == "" {
		return NewAliasTable(DefaultAliases()), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var cfg aliasFile
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Fields) == 0 {
		return nil, fmt.Errorf("alias file %s defines no fields", path)
	}
	return NewAliasTable(cfg.Fields), nil
}

// resolve returns the first present, non-null value for a canonical field.
func (t *AliasTable) resolve(payload map[string]interface{}, canonical string) (interface{}, bool) {
	for _, key := range t.fields[canonical] {
		if v, ok := payload[key]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// Decode maps a raw JSON payload onto a Record using alias resolution.
// Missing numeric fields default to zero, a bad siteId becomes the sentinel;
// both situations surface as warnings rather than errors so the record still
// flows through to persistence.
func (t *AliasTable) Decode(raw []byte) (Record, []string, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Record{}, nil, fmt.Errorf("decoding scan payload: %w", err)
	}
	return t.FromPayload(payload)
}

func (t *AliasTable) FromPayload(payload map[string]interface{}) (Record, []string, error) {
	var warnings []string

	rec := Record{
		TagName:  t.stringField(payload, "tagName"),
		DeviceID: t.stringField(payload, "deviceId"),
		Antenna:  t.stringField(payload, "antenna"),
		Comment:  t.stringField(payload, "comment"),
	}

	rec.Latitude = t.floatField(payload, "latitude", &warnings)
	rec.Longitude = t.floatField(payload, "longitude", &warnings)
	rec.Speed = t.floatField(payload, "speed", &warnings)
	rec.Barrier = t.floatField(payload, "barrier", &warnings)

	siteID, warn := ParseSiteID(t.stringField(payload, "siteId"))
	rec.SiteID = siteID
	if warn != "" {
		warnings = append(warnings, warn)
	}

	if v, ok := t.resolve(payload, "deviceInfo"); ok {
		if info, ok := v.(map[string]interface{}); ok {
			rec.DeviceInfo = &DeviceInfo{
				RegistrationID: asString(info["registrationId"]),
				SiteName:       asString(info["siteName"]),
				TruckNumber:    asString(info["truckNumber"]),
				DeviceSerial:   asString(info["deviceSerial"]),
			}
		} else {
			warnings = append(warnings, "deviceInfo is not an object, ignored")
		}
	}

	if v, ok := t.resolve(payload, "metadata"); ok {
		if meta, ok := v.(map[string]interface{}); ok {
			rec.CapturedAtMicros = asInt64(meta["timestamp"])
		}
	}

	return rec, warnings, nil
}

func (t *AliasTable) stringField(payload map[string]interface{}, canonical string) string {
	v, ok := t.resolve(payload, canonical)
	if !ok {
		return ""
	}
	return asString(v)
}

func (t *AliasTable) floatField(payload map[string]interface{}, canonical string, warnings *[]string) float64 {
	v, ok := t.resolve(payload, canonical)
	if !ok {
		return 0
	}
	f, err := asFloat(v)
	if err != nil {
		*warnings = append(*warnings, fmt.Sprintf("%s: %v, defaulting to 0", canonical, err))
		return 0
	}
	return f
}

// asString normalizes scalar payload values: producers send the antenna as
// either a JSON number or a string, both land as a string.
func asString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1e15 {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", val)
	}
}

func asFloat(v interface{}) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case string:
		trimmed := strings.TrimSpace(val)
		if trimmed == "" {
			return 0, nil
		}
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return 0, fmt.Errorf("value %q is not numeric", val)
		}
		return f, nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("value %v is not numeric", v)
	}
}

func asInt64(v interface{}) int64 {
	switch val := v.(type) {
	case float64:
		return int64(val)
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		if err != nil {
			return 0
		}
		return i
	default:
		return 0
	}
}
