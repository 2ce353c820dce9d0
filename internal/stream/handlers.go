package stream

import (
	"context"
	"errors"

	"backend-livetrack/internal/tracking"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// RegisterRoutes mounts the live tracking socket. identity must resolve the
// caller into the user_id local before the upgrade.
func RegisterRoutes(r fiber.Router, ch *Channel, identity fiber.Handler) {
	r.Use("/ws", identity, func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		return c.Next()
	})

	r.Get("/ws", websocket.New(func(c *websocket.Conn) {
		userID, _ := c.Locals("user_id").(string)
		client := ch.Hub().Register(userID)

		done := make(chan struct{})
		go func() {
			for msg := range client.Send {
				if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
					break
				}
			}
			close(done)
		}()

		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				break
			}
			if reply := ch.Handle(context.Background(), client, data); reply != nil {
				ch.Hub().Send(client.ID, reply)
			}
		}
		ch.Leave(client.ID)
		ch.Hub().Unregister(client)
		<-done
	}))
}

// Handle decodes one client frame, runs it and returns the encoded reply.
func (ch *Channel) Handle(ctx context.Context, client *Client, data []byte) []byte {
	hdr, cmd, err := DecodeCommand(data, ch.now())
	if err == nil && hdr.ClaimedUserID != "" && hdr.ClaimedUserID != client.UserID {
		err = tracking.NewValidationError("userId", "does not match the connection identity")
	}
	if err == nil && client.UserID == "" {
		err = tracking.NewValidationError("userId", "connection has no identity")
	}
	if err != nil {
		if hdr.Type == "" {
			return ch.encode(EventError, hdr.RequestID, ErrorEventPayload{Message: err.Error(), Reason: tracking.Reason(err)})
		}
		return ch.encode(hdr.Type.Result(), hdr.RequestID, failure(err))
	}

	var result any
	switch c := cmd.(type) {
	case StartTracking:
		sess, err := ch.Start(ctx, c.Key, client.UserID, client.ID)
		if err != nil {
			f := failure(err)
			result = StartResult{Message: f.Message, Reason: f.Reason, Owner: f.Owner}
			break
		}
		result = StartResult{Success: true, SessionID: sess.Token, Message: "tracking started"}
	case UpdateLocation:
		if _, err := ch.Publish(c.Key, client.UserID, c.Sample); err != nil {
			result = failure(err)
			break
		}
		result = AckResult{Success: true}
	case JoinTracking:
		snap, err := ch.Join(ctx, c.Key, client.UserID, client.ID)
		if err != nil {
			f := failure(err)
			result = JoinResult{Message: f.Message, Reason: f.Reason}
			break
		}
		result = JoinResult{
			Success:         true,
			SessionID:       snap.SessionID,
			CurrentLocation: snap.CurrentLocation,
			ActiveTracker:   snap.Owner,
			Spectators:      snap.Spectators,
		}
	case StopTracking:
		if err := ch.Stop(ctx, c.Key, client.UserID); err != nil {
			result = failure(err)
			break
		}
		result = AckResult{Success: true, Message: "tracking stopped"}
	case LeaveTracking:
		ch.LeaveRoom(client.ID, c.Key)
		result = AckResult{Success: true}
	case Heartbeat:
		if !ch.coord.Heartbeat(c.Key, client.UserID) {
			result = failure(tracking.NewNotActiveError(c.Key))
			break
		}
		result = AckResult{Success: true}
	case GetCurrentLocation:
		view, err := ch.CurrentLocation(ctx, c.Key)
		if err != nil {
			result = failure(err)
			break
		}
		result = LocationResult{Success: true, LocationView: view}
	}
	return ch.encode(cmd.Type().Result(), hdr.RequestID, result)
}

func (ch *Channel) encode(t MessageType, requestID string, payload any) []byte {
	msg, err := Encode(t, requestID, payload)
	if err != nil {
		ch.logger.Error("encode reply failed", "type", string(t), "error", err)
		return nil
	}
	return msg
}

func failure(err error) AckResult {
	res := AckResult{Message: err.Error(), Reason: tracking.Reason(err)}
	var conflict *tracking.ConflictError
	if errors.As(err, &conflict) {
		res.Owner = conflict.Owner
	}
	return res
}
