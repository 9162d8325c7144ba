package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/lalith-99/reviewsync/internal/models"
	"github.com/lalith-99/reviewsync/internal/syncer"
	"github.com/stretchr/testify/assert"
)

func TestDrainEvents(t *testing.T) {
	events := make(chan syncer.Event, 4)
	events <- syncer.Event{Type: syncer.EventOnline}
	events <- syncer.Event{Type: syncer.EventConflict, ProjectID: "p1", ServerVersion: 1, ClientVersion: 0}
	events <- syncer.Event{Type: syncer.EventRefreshed, ProjectID: "p1"}

	var out bytes.Buffer
	assert.True(t, drainEvents(&out, events))
	assert.Equal(t, "back online\n"+
		"conflict on p1: server is at version 1, you edited version 0\n"+
		"refreshed p1 from the server\n", out.String())

	events <- syncer.Event{Type: syncer.EventRefreshed}
	out.Reset()
	assert.False(t, drainEvents(&out, events))
	assert.Equal(t, "project list updated\n", out.String())
}

func TestDrainEvents_WriteFailed(t *testing.T) {
	events := make(chan syncer.Event, 1)
	events <- syncer.Event{Type: syncer.EventWriteFailed, ProjectID: "p1", Err: errors.New("project is locked")}

	var out bytes.Buffer
	assert.True(t, drainEvents(&out, events))
	assert.Contains(t, out.String(), "write to p1 failed: project is locked")
}

func TestPrintProjects(t *testing.T) {
	var out bytes.Buffer
	printProjects(&out, []models.Project{
		{ID: "p1", Name: "Trailer", Version: 3, Assets: []models.Asset{{ID: "a1"}}},
		{ID: "p2", Name: "Teaser", OrgID: "org1", IsLocked: true},
	})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "Trailer")
	assert.Contains(t, lines[2], "org1")
	assert.Contains(t, lines[2], "true")
}
