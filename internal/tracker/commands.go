package tracker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chatwatch/chatwatch/internal/metrics"
	"github.com/chatwatch/chatwatch/internal/storage"
)

// Command types accepted on the wire boundary.
const (
	TypeInit              = "init"
	TypeChatChanged       = "chatChanged"
	TypeVisibilityChanged = "visibilityChanged"
	TypeUserActivity      = "userActivity"
	TypeMessageSent       = "messageSent"
	TypeMessageReceived   = "messageReceived"
	TypeTokenCount        = "tokenCount"
	TypeRequestStats      = "requestStats"
	TypeForceSave         = "forceSave"
)

// Envelope is the tagged message format the host sends.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type commandKind int

const (
	cmdInit commandKind = iota
	cmdChatChanged
	cmdVisibilityChanged
	cmdUserActivity
	cmdMessageSent
	cmdMessageReceived
	cmdTokenCount
	cmdAddTokens
	cmdRequestStats
	cmdForceSave
	cmdStatsQuery
)

type statsReply struct {
	stats map[string]storage.EntityStat
	err   error
}

type command struct {
	kind       commandKind
	visible    bool
	entityID   string
	entityName string
	entityType storage.EntityType
	count      int64
	text       string
	date       string
	reply      chan statsReply
}

type initPayload struct {
	TabVisible bool `json:"isTabVisible"`
}

type entityPayload struct {
	EntityID   string             `json:"entityId"`
	EntityName string             `json:"entityName"`
	EntityType storage.EntityType `json:"entityType"`
}

type visibilityPayload struct {
	Visible bool `json:"isVisible"`
}

type tokenCountPayload struct {
	EntityID   string             `json:"entityId"`
	EntityName string             `json:"entityName"`
	EntityType storage.EntityType `json:"entityType"`
	Count      int64              `json:"count"`
	Text       string             `json:"text"`
}

type requestStatsPayload struct {
	Date string `json:"date"`
}

// ErrUnknownCommand marks an envelope type the worker does not recognize.
// Unknown commands are logged and ignored, never fatal.
var ErrUnknownCommand = fmt.Errorf("tracker: unknown command type")

// decodeEnvelope maps a wire envelope onto an internal command.
func decodeEnvelope(env Envelope) (command, error) {
	switch env.Type {
	case TypeInit:
		var p initPayload
		if err := unmarshalPayload(env, &p); err != nil {
			return command{}, err
		}
		return command{kind: cmdInit, visible: p.TabVisible}, nil

	case TypeChatChanged:
		var p entityPayload
		if err := unmarshalPayload(env, &p); err != nil {
			return command{}, err
		}
		return command{kind: cmdChatChanged, entityID: p.EntityID, entityName: p.EntityName, entityType: p.EntityType}, nil

	case TypeVisibilityChanged:
		var p visibilityPayload
		if err := unmarshalPayload(env, &p); err != nil {
			return command{}, err
		}
		return command{kind: cmdVisibilityChanged, visible: p.Visible}, nil

	case TypeUserActivity:
		return command{kind: cmdUserActivity}, nil

	case TypeMessageSent, TypeMessageReceived:
		var p entityPayload
		if err := unmarshalPayload(env, &p); err != nil {
			return command{}, err
		}
		kind := cmdMessageSent
		if env.Type == TypeMessageReceived {
			kind = cmdMessageReceived
		}
		return command{kind: kind, entityID: p.EntityID, entityName: p.EntityName, entityType: p.EntityType}, nil

	case TypeTokenCount:
		var p tokenCountPayload
		if err := unmarshalPayload(env, &p); err != nil {
			return command{}, err
		}
		return command{
			kind:       cmdTokenCount,
			entityID:   p.EntityID,
			entityName: p.EntityName,
			entityType: p.EntityType,
			count:      p.Count,
			text:       p.Text,
		}, nil

	case TypeRequestStats:
		var p requestStatsPayload
		if err := unmarshalPayload(env, &p); err != nil {
			return command{}, err
		}
		return command{kind: cmdRequestStats, date: p.Date}, nil

	case TypeForceSave:
		return command{kind: cmdForceSave}, nil

	default:
		return command{}, ErrUnknownCommand
	}
}

func unmarshalPayload(env Envelope, out any) error {
	// A missing payload decodes to the zero value; hosts omit it for
	// commands like requestStats where every field is optional.
	if len(env.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("tracker: decode %q payload: %w", env.Type, err)
	}
	return nil
}

// Dispatch decodes a wire envelope and hands it to the worker. Unknown types
// are counted, logged and dropped without error; malformed payloads are
// reported to the caller and otherwise ignored.
func (w *Worker) Dispatch(ctx context.Context, env Envelope) error {
	cmd, err := decodeEnvelope(env)
	if err != nil {
		if err == ErrUnknownCommand {
			metrics.UnknownCommands.Inc()
			w.logger.Warn().Str("type", env.Type).Msg("Ignoring unknown command type")
			return nil
		}
		w.logger.Warn().Err(err).Str("type", env.Type).Msg("Ignoring malformed command")
		return err
	}
	return w.enqueue(ctx, cmd)
}

// Init loads the day's aggregate and starts periodic flushing.
func (w *Worker) Init(ctx context.Context, tabVisible bool) error {
	return w.enqueue(ctx, command{kind: cmdInit, visible: tabVisible})
}

// ChatChanged switches the active entity. An empty id clears it.
func (w *Worker) ChatChanged(ctx context.Context, entityID, entityName string, entityType storage.EntityType) error {
	return w.enqueue(ctx, command{kind: cmdChatChanged, entityID: entityID, entityName: entityName, entityType: entityType})
}

// VisibilityChanged reports the host tab's visibility.
func (w *Worker) VisibilityChanged(ctx context.Context, visible bool) error {
	return w.enqueue(ctx, command{kind: cmdVisibilityChanged, visible: visible})
}

// UserActivity reports a (host-rate-limited) user input signal.
func (w *Worker) UserActivity(ctx context.Context) error {
	return w.enqueue(ctx, command{kind: cmdUserActivity})
}

// MessageSent counts an outgoing message for an entity.
func (w *Worker) MessageSent(ctx context.Context, entityID, entityName string, entityType storage.EntityType) error {
	return w.enqueue(ctx, command{kind: cmdMessageSent, entityID: entityID, entityName: entityName, entityType: entityType})
}

// MessageReceived counts an incoming message for an entity.
func (w *Worker) MessageReceived(ctx context.Context, entityID, entityName string, entityType storage.EntityType) error {
	return w.enqueue(ctx, command{kind: cmdMessageReceived, entityID: entityID, entityName: entityName, entityType: entityType})
}

// TokenCount adds a token tally for an entity. When text is non-empty and
// count is zero the injected token counter estimates the count off-loop.
func (w *Worker) TokenCount(ctx context.Context, entityID, entityName string, entityType storage.EntityType, count int64, text string) error {
	return w.enqueue(ctx, command{
		kind:       cmdTokenCount,
		entityID:   entityID,
		entityName: entityName,
		entityType: entityType,
		count:      count,
		text:       text,
	})
}

// RequestStats asks the worker to push a statsUpdated notification for a date.
func (w *Worker) RequestStats(ctx context.Context, date string) error {
	return w.enqueue(ctx, command{kind: cmdRequestStats, date: date})
}

// ForceSave flushes the aggregate immediately, dirty or not.
func (w *Worker) ForceSave(ctx context.Context) error {
	return w.enqueue(ctx, command{kind: cmdForceSave})
}

// StatsFor reads the stats mapping for a date through the worker loop, so the
// answer is consistent with every mutation applied before it.
func (w *Worker) StatsFor(ctx context.Context, date string) (map[string]storage.EntityStat, error) {
	reply := make(chan statsReply, 1)
	if err := w.enqueue(ctx, command{kind: cmdStatsQuery, date: date, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.stats, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *Worker) enqueue(ctx context.Context, cmd command) error {
	select {
	case w.commands <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
