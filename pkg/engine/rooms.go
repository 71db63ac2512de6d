package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/viktorstiskala/marie/pkg/logger"
)

// chatroomsKey is the store hash holding monitored rooms (field = room id).
const chatroomsKey = "__chatrooms"

// RoomConfig describes one monitored room.
type RoomConfig struct {
	Nickname    string `json:"nickname"`
	Password    string `json:"password,omitempty"`
	PostbackURL string `json:"url,omitempty"`
}

// AddRoom joins a room and persists it so it is rejoined after a restart.
func (e *Engine) AddRoom(ctx context.Context, room string, cfg RoomConfig) error {
	if room == "" {
		return fmt.Errorf("room identifier is required")
	}
	if err := e.conn.JoinRoom(ctx, room, cfg.Nickname, cfg.Password); err != nil {
		return fmt.Errorf("join room %s: %w", room, err)
	}

	encoded, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode room %s: %w", room, err)
	}
	if err := e.store.SetField(ctx, chatroomsKey, room, string(encoded)); err != nil {
		return fmt.Errorf("persist room %s: %w", room, err)
	}
	logger.InfoCF("engine", "Room monitored", map[string]interface{}{"room": room})
	return nil
}

// RemoveRoom leaves a room and forgets it.
func (e *Engine) RemoveRoom(ctx context.Context, room string) error {
	rooms, err := e.Rooms(ctx)
	if err != nil {
		return err
	}
	cfg, ok := rooms[room]
	if !ok {
		return fmt.Errorf("room %s is not monitored", room)
	}

	if err := e.conn.LeaveRoom(ctx, room, cfg.Nickname); err != nil {
		return fmt.Errorf("leave room %s: %w", room, err)
	}
	if err := e.store.DeleteFields(ctx, chatroomsKey, room); err != nil {
		return fmt.Errorf("forget room %s: %w", room, err)
	}
	logger.InfoCF("engine", "Room forgotten", map[string]interface{}{"room": room})
	return nil
}

// Rooms returns all monitored rooms.
func (e *Engine) Rooms(ctx context.Context) (map[string]RoomConfig, error) {
	raw, err := e.store.GetAll(ctx, chatroomsKey)
	if err != nil {
		return nil, fmt.Errorf("load rooms: %w", err)
	}

	rooms := make(map[string]RoomConfig, len(raw))
	for room, value := range raw {
		var cfg RoomConfig
		if err := json.Unmarshal([]byte(value), &cfg); err != nil {
			logger.WarnCF("engine", "Corrupted room entry, dropping", map[string]interface{}{
				"room": room, "error": err.Error(),
			})
			if delErr := e.store.DeleteFields(ctx, chatroomsKey, room); delErr != nil {
				return nil, delErr
			}
			continue
		}
		rooms[room] = cfg
	}
	return rooms, nil
}

// PostbackURLForRoom resolves the configured relay target of a room.
func (e *Engine) PostbackURLForRoom(ctx context.Context, room string) (string, bool) {
	rooms, err := e.Rooms(ctx)
	if err != nil {
		logger.ErrorCF("engine", "Room lookup failed", map[string]interface{}{
			"room": room, "error": err.Error(),
		})
		return "", false
	}
	cfg, ok := rooms[room]
	if !ok || cfg.PostbackURL == "" {
		return "", false
	}
	return cfg.PostbackURL, true
}

// rejoinRooms re-enters every persisted room at startup.
func (e *Engine) rejoinRooms(ctx context.Context) {
	rooms, err := e.Rooms(ctx)
	if err != nil {
		logger.ErrorCF("engine", "Room rejoin skipped", map[string]interface{}{"error": err.Error()})
		return
	}
	for room, cfg := range rooms {
		if err := e.conn.JoinRoom(ctx, room, cfg.Nickname, cfg.Password); err != nil {
			logger.ErrorCF("engine", "Room rejoin failed", map[string]interface{}{
				"room": room, "error": err.Error(),
			})
		}
	}
	if len(rooms) > 0 {
		logger.InfoCF("engine", "Monitored rooms rejoined", map[string]interface{}{
			"count": len(rooms),
		})
	}
}
