package catalog

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Resource is a catalog resource as seen by the ingestion pipeline.
// Fields the pipeline does not use are kept in Extras so that an update
// round trip does not drop them.
type Resource struct {
	ID              string
	URL             string
	URLType         string
	Format          string
	Mimetype        string
	Size            int64
	Hash            string
	LastModified    string
	DatastoreActive bool
	PackageID       string
	Name            string
	Extras          map[string]any
}

var resourceKeys = []string{
	"id", "url", "url_type", "format", "mimetype", "size", "hash",
	"last_modified", "datastore_active", "package_id", "name",
}

func (r *Resource) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	r.ID = rawString(raw["id"])
	r.URL = rawString(raw["url"])
	r.URLType = rawString(raw["url_type"])
	r.Format = rawString(raw["format"])
	r.Mimetype = rawString(raw["mimetype"])
	r.Hash = rawString(raw["hash"])
	r.LastModified = rawString(raw["last_modified"])
	r.PackageID = rawString(raw["package_id"])
	r.Name = rawString(raw["name"])
	r.DatastoreActive = rawBool(raw["datastore_active"])

	size, err := rawInt(raw["size"])
	if err != nil {
		return fmt.Errorf("resource %s: invalid size: %w", r.ID, err)
	}
	r.Size = size

	for _, k := range resourceKeys {
		delete(raw, k)
	}
	if len(raw) > 0 {
		r.Extras = make(map[string]any, len(raw))
		for k, v := range raw {
			var val any
			if err := json.Unmarshal(v, &val); err != nil {
				return fmt.Errorf("resource %s: field %s: %w", r.ID, k, err)
			}
			r.Extras[k] = val
		}
	}
	return nil
}

func (r Resource) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Extras)+len(resourceKeys))
	for k, v := range r.Extras {
		out[k] = v
	}
	out["id"] = r.ID
	out["url"] = r.URL
	out["format"] = r.Format
	out["datastore_active"] = r.DatastoreActive
	putIfSet(out, "url_type", r.URLType)
	putIfSet(out, "mimetype", r.Mimetype)
	putIfSet(out, "hash", r.Hash)
	putIfSet(out, "last_modified", r.LastModified)
	putIfSet(out, "package_id", r.PackageID)
	putIfSet(out, "name", r.Name)
	if r.Size > 0 {
		out["size"] = r.Size
	} else {
		out["size"] = nil
	}
	return json.Marshal(out)
}

// HashPair is the content/header fingerprint stored in Resource.Hash.
type HashPair struct {
	Content string  `json:"content"`
	Header  *string `json:"header"`
}

// ParseHash decodes the resource hash field. A value that is not a JSON
// object is taken as a bare content hash with no header fingerprint.
func (r *Resource) ParseHash() HashPair {
	var pair HashPair
	if r.Hash == "" {
		return pair
	}
	if err := json.Unmarshal([]byte(r.Hash), &pair); err != nil {
		return HashPair{Content: r.Hash}
	}
	return pair
}

// SetHash stores the fingerprint pair on the resource.
func (r *Resource) SetHash(pair HashPair) {
	b, _ := json.Marshal(pair)
	r.Hash = string(b)
}

// Package is a dataset with its resources.
type Package struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Resources []Resource `json:"resources"`
}

// User is the site user the pipeline acts as.
type User struct {
	Name   string `json:"name"`
	APIKey string `json:"apikey"`
}

// TaskStatus is the catalog-side record of a background task.
type TaskStatus struct {
	EntityID    string `json:"entity_id"`
	EntityType  string `json:"entity_type"`
	TaskType    string `json:"task_type"`
	Key         string `json:"key"`
	Value       string `json:"value"`
	Error       string `json:"error,omitempty"`
	State       string `json:"state,omitempty"`
	LastUpdated string `json:"last_updated"`
}

// Timestamp formats t the way the catalog stores timestamps.
func Timestamp(t time.Time) string {
	return t.Format("2006-01-02T15:04:05.000000")
}

func putIfSet(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}

func rawString(v json.RawMessage) string {
	if len(v) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	// Numbers and booleans are kept in their JSON spelling.
	t := strings.TrimSpace(string(v))
	if t == "null" {
		return ""
	}
	return t
}

func rawBool(v json.RawMessage) bool {
	if len(v) == 0 {
		return false
	}
	var b bool
	if err := json.Unmarshal(v, &b); err == nil {
		return b
	}
	s := strings.ToLower(rawString(v))
	return s == "true" || s == "active"
}

func rawInt(v json.RawMessage) (int64, error) {
	s := rawString(v)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
