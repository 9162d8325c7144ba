package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PublicAccess controls unauthenticated reads of a whole project.
type PublicAccess string

const (
	PublicAccessNone PublicAccess = "none"
	PublicAccessView PublicAccess = "view"
)

// CommentStatus is the review state of a comment.
type CommentStatus string

const (
	CommentOpen     CommentStatus = "open"
	CommentResolved CommentStatus = "resolved"
)

// Project is the root document. The whole nested state (assets, versions,
// comments, team, flags) is stored as one JSONB blob with a single version
// counter, so every accepted write bumps Version by exactly one.
//
// Version is serialized as "_version". A document without it decodes to 0.
type Project struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	OwnerID      string       `json:"ownerId"`
	OrgID        string       `json:"orgId,omitempty"`
	Team         []TeamMember `json:"team"`
	PublicAccess PublicAccess `json:"publicAccess"`
	IsLocked     bool         `json:"isLocked"`
	Version      int64        `json:"_version"`
	Assets       []Asset      `json:"assets"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// TeamMember is a legacy (non-organization) share entry. It is only
// consulted when the project has no OrgID.
type TeamMember struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
	Email  string `json:"email,omitempty"`
}

// Asset is one uploaded piece of media and its revisions.
//
// HighestVersionNumber is the high-water mark of every version number ever
// assigned to this asset. It survives deletions so numbers are never reused.
type Asset struct {
	ID                   string    `json:"id"`
	Title                string    `json:"title"`
	Thumbnail            string    `json:"thumbnail,omitempty"`
	HighestVersionNumber int       `json:"highestVersionNumber"`
	Versions             []Version `json:"versions"`
}

// Version is one file attached to an asset.
//
// LocalHandle is client-only state (a device file handle for an upload in
// progress). The server never stores it and the reconciler ignores it when
// diffing.
type Version struct {
	ID            string    `json:"id"`
	VersionNumber int       `json:"versionNumber"`
	Filename      string    `json:"filename"`
	URL           string    `json:"url,omitempty"`
	StorageKey    string    `json:"storageKey,omitempty"`
	StorageType   string    `json:"storageType"`
	UploadedAt    time.Time `json:"uploadedAt"`
	IsLocked      bool      `json:"isLocked"`
	Comments      []Comment `json:"comments"`
	LocalHandle   string    `json:"localHandle,omitempty"`
}

// Comment is a timestamped annotation on a version.
type Comment struct {
	ID         string        `json:"id"`
	Text       string        `json:"text"`
	Timestamp  float64       `json:"timestamp"`
	Duration   *float64      `json:"duration,omitempty"`
	Status     CommentStatus `json:"status"`
	UserID     string        `json:"userId"`
	AuthorName string        `json:"authorName"`
	CreatedAt  time.Time     `json:"createdAt"`
}

// CommentRef addresses the comment array of one version.
type CommentRef struct {
	ProjectID string `json:"projectId"`
	AssetID   string `json:"assetId"`
	VersionID string `json:"versionId"`
}

// Keys a partial patch can never touch. The server owns them.
var ProtectedKeys = []string{"id", "ownerId", "_version", "updatedAt"}

// ErrInvalidDocument is wrapped by every Validate failure.
var ErrInvalidDocument = errors.New("invalid project document")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidDocument, fmt.Sprintf(format, args...))
}

// Normalize fills zero values so that two semantically equal documents
// compare equal: nil slices become empty, empty PublicAccess becomes none and
// every asset's high-water mark covers its versions.
func (p *Project) Normalize() {
	if p.PublicAccess == "" {
		p.PublicAccess = PublicAccessNone
	}
	if p.Team == nil {
		p.Team = []TeamMember{}
	}
	if p.Assets == nil {
		p.Assets = []Asset{}
	}
	for i := range p.Assets {
		a := &p.Assets[i]
		if a.Versions == nil {
			a.Versions = []Version{}
		}
		for j := range a.Versions {
			v := &a.Versions[j]
			if v.Comments == nil {
				v.Comments = []Comment{}
			}
			if v.VersionNumber > a.HighestVersionNumber {
				a.HighestVersionNumber = v.VersionNumber
			}
		}
	}
}

// Validate checks the structural invariants of a document.
func (p *Project) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return invalid("missing id")
	}
	switch p.PublicAccess {
	case "", PublicAccessNone, PublicAccessView:
	default:
		return invalid("unknown publicAccess %q", p.PublicAccess)
	}
	if p.Version < 0 {
		return invalid("negative _version")
	}

	ids := make(map[string]struct{}, len(p.Team))
	emails := make(map[string]struct{}, len(p.Team))
	for _, m := range p.Team {
		if m.ID == "" {
			return invalid("team member without id")
		}
		if _, dup := ids[m.ID]; dup {
			return invalid("duplicate team member %s", m.ID)
		}
		ids[m.ID] = struct{}{}
		if m.Email != "" {
			key := strings.ToLower(m.Email)
			if _, dup := emails[key]; dup {
				return invalid("duplicate team email %s", m.Email)
			}
			emails[key] = struct{}{}
		}
	}

	for _, a := range p.Assets {
		if a.ID == "" {
			return invalid("asset without id")
		}
		last := 0
		for _, v := range a.Versions {
			if v.ID == "" {
				return invalid("version without id in asset %s", a.ID)
			}
			if v.VersionNumber <= last {
				return invalid("asset %s: version numbers must be strictly increasing", a.ID)
			}
			last = v.VersionNumber
			for _, c := range v.Comments {
				if c.Status != CommentOpen && c.Status != CommentResolved {
					return invalid("comment %s: unknown status %q", c.ID, c.Status)
				}
			}
		}
	}
	return nil
}

// HasMember reports whether the legacy team lists the identity, by id or by
// case-insensitive email.
func (p *Project) HasMember(id, email string) bool {
	for _, m := range p.Team {
		if id != "" && m.ID == id {
			return true
		}
		if email != "" && m.Email != "" && strings.EqualFold(m.Email, email) {
			return true
		}
	}
	return false
}

// FindAsset returns a pointer into p.Assets, or nil.
func (p *Project) FindAsset(assetID string) *Asset {
	for i := range p.Assets {
		if p.Assets[i].ID == assetID {
			return &p.Assets[i]
		}
	}
	return nil
}

// FindVersion returns a pointer into the asset's versions, or nil.
func (a *Asset) FindVersion(versionID string) *Version {
	for i := range a.Versions {
		if a.Versions[i].ID == versionID {
			return &a.Versions[i]
		}
	}
	return nil
}

// NextVersionNumber is the number the next attached file must carry.
func (a *Asset) NextVersionNumber() int {
	next := a.HighestVersionNumber
	for _, v := range a.Versions {
		if v.VersionNumber > next {
			next = v.VersionNumber
		}
	}
	return next + 1
}

// CommentIndex returns the position of the comment in the version, or -1.
func (v *Version) CommentIndex(commentID string) int {
	for i := range v.Comments {
		if v.Comments[i].ID == commentID {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy.
func (p *Project) Clone() *Project {
	out := *p
	if p.Team != nil {
		out.Team = append([]TeamMember(nil), p.Team...)
	}
	if p.Assets != nil {
		out.Assets = make([]Asset, len(p.Assets))
		for i, a := range p.Assets {
			out.Assets[i] = a
			if a.Versions != nil {
				out.Assets[i].Versions = make([]Version, len(a.Versions))
				for j, v := range a.Versions {
					out.Assets[i].Versions[j] = v
					if v.Comments != nil {
						cs := make([]Comment, len(v.Comments))
						for k, c := range v.Comments {
							if c.Duration != nil {
								d := *c.Duration
								c.Duration = &d
							}
							cs[k] = c
						}
						out.Assets[i].Versions[j].Comments = cs
					}
				}
			}
		}
	}
	return &out
}

// StripEphemeral clears client-only fields in place and returns them keyed
// by version id so they can be put back with RestoreEphemeral.
func (p *Project) StripEphemeral() map[string]string {
	var handles map[string]string
	for i := range p.Assets {
		for j := range p.Assets[i].Versions {
			v := &p.Assets[i].Versions[j]
			if v.LocalHandle == "" {
				continue
			}
			if handles == nil {
				handles = make(map[string]string)
			}
			handles[v.ID] = v.LocalHandle
			v.LocalHandle = ""
		}
	}
	return handles
}

// RestoreEphemeral re-attaches handles captured by StripEphemeral to the
// versions that still exist.
func (p *Project) RestoreEphemeral(handles map[string]string) {
	if len(handles) == 0 {
		return
	}
	for i := range p.Assets {
		for j := range p.Assets[i].Versions {
			v := &p.Assets[i].Versions[j]
			if h, ok := handles[v.ID]; ok && v.LocalHandle == "" {
				v.LocalHandle = h
			}
		}
	}
}

// StorageRefs lists every blob reference held by the document.
func (p *Project) StorageRefs() []StorageRef {
	refs := make([]StorageRef, 0)
	for _, a := range p.Assets {
		for _, v := range a.Versions {
			if v.URL == "" && v.StorageKey == "" {
				continue
			}
			refs = append(refs, StorageRef{StorageType: v.StorageType, URL: v.URL, StorageKey: v.StorageKey})
		}
	}
	return refs
}

// RemovedStorageRefs returns the references present in before but not in
// after, i.e. the blobs orphaned by a write.
func RemovedStorageRefs(before, after *Project) []StorageRef {
	kept := make(map[StorageRef]struct{})
	if after != nil {
		for _, r := range after.StorageRefs() {
			kept[r] = struct{}{}
		}
	}
	removed := make([]StorageRef, 0)
	for _, r := range before.StorageRefs() {
		if _, ok := kept[r]; !ok {
			removed = append(removed, r)
		}
	}
	return removed
}

// ApplyPatch shallow-merges updates into a copy of p: each top-level key
// replaces the stored value wholesale, nested objects are not merged.
// Protected keys are ignored.
func (p *Project) ApplyPatch(updates map[string]json.RawMessage) (*Project, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal project: %w", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal project: %w", err)
	}

	for key, value := range updates {
		if isProtected(key) {
			continue
		}
		doc[key] = value
	}

	merged, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal merged project: %w", err)
	}
	var out Project
	if err := json.Unmarshal(merged, &out); err != nil {
		return nil, invalid("patch does not fit the document: %v", err)
	}
	out.ID = p.ID
	out.OwnerID = p.OwnerID
	out.Version = p.Version
	out.UpdatedAt = p.UpdatedAt
	return &out, nil
}

func isProtected(key string) bool {
	for _, k := range ProtectedKeys {
		if k == key {
			return true
		}
	}
	return false
}
