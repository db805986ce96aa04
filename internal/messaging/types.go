package messaging

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/minesync/internal/mining"
)

// ProfileUpdate is a remote snapshot pushed by the profile service.
// ReferralCount arrives as an untyped JSON value.
type ProfileUpdate struct {
	EventID       string    `json:"event_id"`
	UserID        string    `json:"user_id"`
	Balance       float64   `json:"balance"`
	Rate          float64   `json:"rate"`
	ReferralCount any       `json:"referral_count"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewProfileUpdate builds an update from a remote snapshot
func NewProfileUpdate(remote mining.RemoteSnapshot) ProfileUpdate {
	return ProfileUpdate{
		EventID:       uuid.NewString(),
		UserID:        remote.UserID,
		Balance:       remote.Balance,
		Rate:          remote.Rate,
		ReferralCount: remote.ReferralCount,
		UpdatedAt:     remote.UpdatedAt,
	}
}

// DecodeProfileUpdate decodes a message value. key fills UserID when the
// payload omits it.
func DecodeProfileUpdate(data []byte, key string) (ProfileUpdate, error) {
	var update ProfileUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		return ProfileUpdate{}, fmt.Errorf("invalid profile update: %w", err)
	}
	if update.UserID == "" {
		update.UserID = key
	}
	if update.UserID == "" {
		return ProfileUpdate{}, fmt.Errorf("profile update without user id")
	}
	return update, nil
}

// Remote converts the update into the merge resolver's input. Non-numeric,
// NaN and negative referral counts become 0.
func (p ProfileUpdate) Remote() mining.RemoteSnapshot {
	return mining.RemoteSnapshot{
		UserID:        p.UserID,
		Balance:       p.Balance,
		Rate:          p.Rate,
		ReferralCount: countOf(p.ReferralCount),
		UpdatedAt:     p.UpdatedAt,
	}
}

func countOf(v any) int {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		f, _ = n.Float64()
	case string:
		f, _ = strconv.ParseFloat(n, 64)
	default:
		return 0
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0
	}
	return int(math.Min(f, math.MaxInt32))
}

// SessionEvent is one mining session transition as published on the event stream
type SessionEvent struct {
	EventID          string
	UserID           string
	Kind             string
	Balance          float64
	SessionAccrued   float64
	Credited         float64
	Progress         float64
	RemainingSeconds int
	OccurredAt       time.Time
}

// NewSessionEvent converts an engine event
func NewSessionEvent(ev mining.Event) SessionEvent {
	return SessionEvent{
		EventID:          uuid.NewString(),
		UserID:           ev.UserID,
		Kind:             ev.Kind.String(),
		Balance:          ev.State.Balance,
		SessionAccrued:   ev.State.SessionAccrued,
		Credited:         ev.Credited,
		Progress:         ev.State.Progress,
		RemainingSeconds: ev.State.RemainingSeconds,
		OccurredAt:       ev.At,
	}
}

// ToProto encodes the event as a protobuf Struct
func (e SessionEvent) ToProto() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"event_id":          e.EventID,
		"user_id":           e.UserID,
		"kind":              e.Kind,
		"balance":           e.Balance,
		"session_accrued":   e.SessionAccrued,
		"credited":          e.Credited,
		"progress":          e.Progress,
		"remaining_seconds": e.RemainingSeconds,
		"occurred_at":       e.OccurredAt.UTC().Format(time.RFC3339Nano),
	})
}

// SessionEventFromProto decodes an event produced by ToProto
func SessionEventFromProto(s *structpb.Struct) (SessionEvent, error) {
	f := s.GetFields()
	ev := SessionEvent{
		EventID:          f["event_id"].GetStringValue(),
		UserID:           f["user_id"].GetStringValue(),
		Kind:             f["kind"].GetStringValue(),
		Balance:          f["balance"].GetNumberValue(),
		SessionAccrued:   f["session_accrued"].GetNumberValue(),
		Credited:         f["credited"].GetNumberValue(),
		Progress:         f["progress"].GetNumberValue(),
		RemainingSeconds: int(f["remaining_seconds"].GetNumberValue()),
	}
	if ev.UserID == "" || ev.Kind == "" {
		return SessionEvent{}, fmt.Errorf("session event missing user_id or kind")
	}
	if ts := f["occurred_at"].GetStringValue(); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return SessionEvent{}, fmt.Errorf("invalid occurred_at: %w", err)
		}
		ev.OccurredAt = t
	}
	return ev, nil
}
