// SPDX-License-Identifier: MIT

// Package protocol defines the message shapes exchanged with the dashboard.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Inbound message types.
const (
	TypeRegister       = "register"
	TypePaired         = "paired"
	TypeAuth           = "auth"
	TypePlay           = "play"
	TypeStop           = "stop"
	TypeHibernate      = "hibernate"
	TypePlayList       = "play_list"
	TypeScheduleUpdate = "schedule_update"
	TypeSyncState      = "sync_state"
	TypeReset          = "reset"
	TypeUnpair         = "unpair"
)

// Outbound message types.
const (
	TypeHeartbeat        = "heartbeat"
	TypeGetPlaybackState = "get_playback_state"
)

// VideoSource is one playlist item. Identity is the URL.
type VideoSource struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
	Size int64  `json:"size,omitempty"`
}

// ScheduleWindow is an optional on/off window attached to schedule updates.
type ScheduleWindow struct {
	Start string `json:"start,omitempty"` // "HH:MM" local
	End   string `json:"end,omitempty"`
}

// Payload carries the optional body of an inbound message. Fields the
// message type does not use are simply absent.
type Payload struct {
	DeviceID    string          `json:"device_id,omitempty"`
	Code        string          `json:"code,omitempty"`
	Name        string          `json:"name,omitempty"`
	Token       string          `json:"token,omitempty"`
	Orientation int             `json:"orientation,omitempty"`
	Playlist    []VideoSource   `json:"playlist,omitempty"`
	Video       *VideoSource    `json:"video,omitempty"`
	Schedule    *ScheduleWindow `json:"schedule,omitempty"`
}

// Message is the tagged envelope for everything on the wire.
type Message struct {
	Type    string   `json:"type"`
	Payload *Payload `json:"payload,omitempty"`
}

// Heartbeat is the periodic outbound liveness message with memory telemetry.
type Heartbeat struct {
	Type         string `json:"type"`
	DeviceID     string `json:"device_id,omitempty"`
	HeapBytes    uint64 `json:"heap_bytes"`
	SysBytes     uint64 `json:"sys_bytes"`
	NumGoroutine int    `json:"num_goroutine"`
	Uptime       int64  `json:"uptime_seconds"`
}

// Decode parses a raw frame into a Message. Unknown message types decode
// successfully; the consumer decides whether to act on them.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("decode message: missing type")
	}
	return msg, nil
}

// Encode serialises any outbound message.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// SamePlaylist reports whether two playlists are the same content in the
// same order, compared by URL sequence only. Names and sizes are metadata
// and do not warrant a player restart.
func SamePlaylist(a, b []VideoSource) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].URL != b[i].URL {
			return false
		}
	}
	return true
}
