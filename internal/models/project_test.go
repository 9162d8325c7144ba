package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProject() *Project {
	p := &Project{
		ID:      "p1",
		Name:    "Spot",
		OwnerID: "u1",
		Team:    []TeamMember{{ID: "u2", Email: "Reviewer@Example.com"}},
		Assets: []Asset{{
			ID: "a1",
			Versions: []Version{
				{ID: "v1", VersionNumber: 1, StorageKey: "k1", StorageType: "s3"},
				{ID: "v3", VersionNumber: 3, URL: "https://cdn.example.com/v3.mp4", StorageType: "url",
					Comments: []Comment{{ID: "c1", Status: CommentOpen, Duration: floatPtr(2)}}},
			},
		}},
	}
	p.Normalize()
	return p
}

func floatPtr(f float64) *float64 { return &f }

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p *Project)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Project) {}},
		{name: "missing id", mutate: func(p *Project) { p.ID = " " }, wantErr: true},
		{name: "duplicate team id", mutate: func(p *Project) {
			p.Team = append(p.Team, TeamMember{ID: "u2"})
		}, wantErr: true},
		{name: "duplicate team email differs in case", mutate: func(p *Project) {
			p.Team = append(p.Team, TeamMember{ID: "u9", Email: "reviewer@example.com"})
		}, wantErr: true},
		{name: "version numbers not increasing", mutate: func(p *Project) {
			p.Assets[0].Versions[1].VersionNumber = 1
		}, wantErr: true},
		{name: "unknown comment status", mutate: func(p *Project) {
			p.Assets[0].Versions[1].Comments[0].Status = "pending"
		}, wantErr: true},
		{name: "unknown public access", mutate: func(p *Project) { p.PublicAccess = "edit" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProject()
			tt.mutate(p)
			err := p.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidDocument)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestNormalize(t *testing.T) {
	p := &Project{ID: "p1", Assets: []Asset{{ID: "a1", Versions: []Version{{ID: "v1", VersionNumber: 4}}}}}
	p.Normalize()

	assert.Equal(t, PublicAccessNone, p.PublicAccess)
	assert.NotNil(t, p.Team)
	assert.NotNil(t, p.Assets[0].Versions[0].Comments)
	assert.Equal(t, 4, p.Assets[0].HighestVersionNumber)
	assert.Equal(t, 5, p.Assets[0].NextVersionNumber())
}

func TestVersionFieldName(t *testing.T) {
	var p Project
	require.NoError(t, json.Unmarshal([]byte(`{"id":"p1"}`), &p))
	assert.Equal(t, int64(0), p.Version)

	p.Version = 7
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"_version":7`)
}

func TestHasMember(t *testing.T) {
	p := newProject()
	assert.True(t, p.HasMember("u2", ""))
	assert.True(t, p.HasMember("other", "reviewer@example.com"))
	assert.False(t, p.HasMember("u3", "someone@example.com"))
	assert.False(t, p.HasMember("", ""))
}

func TestClone_IsDeep(t *testing.T) {
	p := newProject()
	c := p.Clone()

	c.Team[0].ID = "changed"
	c.Assets[0].Versions[1].Comments[0].Text = "changed"
	*c.Assets[0].Versions[1].Comments[0].Duration = 99

	assert.Equal(t, "u2", p.Team[0].ID)
	assert.Empty(t, p.Assets[0].Versions[1].Comments[0].Text)
	assert.Equal(t, 2.0, *p.Assets[0].Versions[1].Comments[0].Duration)
}

func TestStripAndRestoreEphemeral(t *testing.T) {
	p := newProject()
	p.Assets[0].Versions[0].LocalHandle = "file:///tmp/a"

	handles := p.StripEphemeral()
	assert.Empty(t, p.Assets[0].Versions[0].LocalHandle)
	assert.Equal(t, map[string]string{"v1": "file:///tmp/a"}, handles)

	p.RestoreEphemeral(handles)
	assert.Equal(t, "file:///tmp/a", p.Assets[0].Versions[0].LocalHandle)
	assert.Nil(t, newProject().StripEphemeral())
}

func TestRemovedStorageRefs(t *testing.T) {
	before := newProject()
	after := before.Clone()
	after.Assets[0].Versions = after.Assets[0].Versions[1:]

	removed := RemovedStorageRefs(before, after)
	assert.Equal(t, []StorageRef{{StorageType: "s3", StorageKey: "k1"}}, removed)
	assert.Len(t, RemovedStorageRefs(before, nil), 2)
	assert.Empty(t, RemovedStorageRefs(before, before))
}

func TestApplyPatch_ShallowReplace(t *testing.T) {
	p := newProject()
	p.Version = 3

	out, err := p.ApplyPatch(map[string]json.RawMessage{
		"name":     json.RawMessage(`"Renamed"`),
		"team":     json.RawMessage(`[]`),
		"ownerId":  json.RawMessage(`"mallory"`),
		"_version": json.RawMessage(`100`),
	})
	require.NoError(t, err)

	assert.Equal(t, "Renamed", out.Name)
	assert.Empty(t, out.Team)
	assert.Equal(t, "u1", out.OwnerID)
	assert.Equal(t, int64(3), out.Version)
	// Untouched keys and the source document are unchanged.
	assert.Equal(t, p.Assets, out.Assets)
	assert.Equal(t, "Spot", p.Name)
}

func TestApplyPatch_WrongShape(t *testing.T) {
	_, err := newProject().ApplyPatch(map[string]json.RawMessage{"assets": json.RawMessage(`"nope"`)})
	require.ErrorIs(t, err, ErrInvalidDocument)
}
