package coordinator

import (
	"sort"

	"github.com/MrWong99/polyglossa/internal/pipeline"
)

// RoomStats is the JSON aggregate served at the room's translation-stats
// endpoint: registry info, every pipeline's snapshot, sticky failures
// waiting on a settings change, lanes cooling down before a retry, and the
// router's active routes.
type RoomStats struct {
	Room         string              `json:"room"`
	RoomType     string              `json:"room_type,omitempty"`
	Agent        string              `json:"agent"`
	Participants []ParticipantStats  `json:"participants"`
	Pipelines    []pipeline.Snapshot `json:"pipelines"`
	FailedPairs  []FailedPair        `json:"failed_pairs,omitempty"`
	Retrying     []FailedPair        `json:"retrying,omitempty"`
	Routes       []string            `json:"routes,omitempty"`
}

// ParticipantStats is one registry entry in the stats view.
type ParticipantStats struct {
	Identity string `json:"identity"`
	Language string `json:"language"`
	Voice    string `json:"voice_id"`
	Provider string `json:"voice_provider"`
}

// FailedPair is a pair held out of reconciliation until one of its
// participants changes settings or leaves.
type FailedPair struct {
	Listener string `json:"listener"`
	Speaker  string `json:"speaker"`
	Reason   string `json:"reason"`
}

// snapshot assembles RoomStats from loop-owned state. Only the Run
// goroutine calls it.
func (c *Coordinator) snapshot() RoomStats {
	s := RoomStats{
		Room:         c.room.Name(),
		RoomType:     string(c.roomType),
		Agent:        c.room.LocalIdentity(),
		Participants: make([]ParticipantStats, 0, len(c.registry)),
		Pipelines:    make([]pipeline.Snapshot, 0, len(c.pipes)),
		Routes:       c.routes.Routes(),
	}
	for id, entry := range c.registry {
		s.Participants = append(s.Participants, ParticipantStats{
			Identity: id,
			Language: entry.profile.NativeLanguage.String(),
			Voice:    entry.profile.Avatar.VoiceID,
			Provider: entry.profile.Avatar.Provider,
		})
	}
	sort.Slice(s.Participants, func(i, j int) bool {
		return s.Participants[i].Identity < s.Participants[j].Identity
	})

	for _, p := range c.pipes {
		s.Pipelines = append(s.Pipelines, p.Snapshot())
	}
	sort.Slice(s.Pipelines, func(i, j int) bool {
		return s.Pipelines[i].Key.String() < s.Pipelines[j].Key.String()
	})

	for key, reason := range c.failed {
		s.FailedPairs = append(s.FailedPairs, FailedPair{
			Listener: key.Listener,
			Speaker:  key.Speaker,
			Reason:   reason,
		})
	}
	sortPairs(s.FailedPairs)

	for key, r := range c.cooldown {
		s.Retrying = append(s.Retrying, FailedPair{
			Listener: key.Listener,
			Speaker:  key.Speaker,
			Reason:   r.reason,
		})
	}
	sortPairs(s.Retrying)
	return s
}

func sortPairs(pairs []FailedPair) {
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Speaker != pairs[j].Speaker {
			return pairs[i].Speaker < pairs[j].Speaker
		}
		return pairs[i].Listener < pairs[j].Listener
	})
}
