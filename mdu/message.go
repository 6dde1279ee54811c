package mdu

import (
	"time"

	"github.com/google/uuid"

	"github.com/teranos/drover/material"
)

// Trigger records why an update was requested
type Trigger string

const (
	TriggerTimer      Trigger = "timer"
	TriggerNotify     Trigger = "post_commit"
	TriggerManual     Trigger = "manual"
	TriggerDependency Trigger = "dependency"
)

// UpdateMessage asks an updater to fetch new modifications for a material
type UpdateMessage struct {
	ID       string
	Material material.Material
	Trigger  Trigger
	Posted   time.Time
}

// NewUpdateMessage stamps a fresh message id
func NewUpdateMessage(m material.Material, trigger Trigger, at time.Time) UpdateMessage {
	return UpdateMessage{
		ID:       uuid.NewString(),
		Material: m,
		Trigger:  trigger,
		Posted:   at,
	}
}
