package stream

import (
	"encoding/json"
	"fmt"
	"time"
)

const defaultHistoryLimit = 50

type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type subscriptionData struct {
	Subscriptions []string `json:"subscriptions"`
}

type historyRequest struct {
	Limit int `json:"limit"`
}

// Welcome sends connection_established to a newly registered client.
func (d *Dispatcher) Welcome(clientID string) bool {
	return d.SendTo(clientID, mustEvent(TypeConnectionEstablished, map[string]string{
		"client_id":   clientID,
		"server_time": d.now().UTC().Format(time.RFC3339Nano),
	}))
}

// AutoJoin puts a client into rooms and acknowledges with an event of type
// ack listing them.
func (d *Dispatcher) AutoJoin(clientID string, rooms []string, ack string) error {
	for _, room := range rooms {
		if err := d.rooms.Join(clientID, room); err != nil {
			return err
		}
	}
	if ack != "" && !d.SendTo(clientID, mustEvent(ack, map[string]any{
		"client_id":     clientID,
		"subscriptions": rooms,
	})) {
		return fmt.Errorf("%w: %s", ErrDeliveryFailure, ack)
	}
	return nil
}

// HandleMessage processes one inbound client message.
func (d *Dispatcher) HandleMessage(clientID string, msg []byte) {
	var in inbound
	if err := json.Unmarshal(msg, &in); err != nil {
		d.replyError(clientID, "Invalid JSON format")
		return
	}

	switch in.Type {
	case "subscribe", "unsubscribe":
		var sd subscriptionData
		if len(in.Data) > 0 {
			if err := json.Unmarshal(in.Data, &sd); err != nil {
				d.replyError(clientID, "Invalid subscriptions")
				return
			}
		}
		if sd.Subscriptions == nil {
			sd.Subscriptions = []string{}
		}
		reply := TypeSubscribed
		for _, room := range sd.Subscriptions {
			if in.Type == "unsubscribe" {
				d.rooms.Leave(clientID, room)
				continue
			}
			if err := d.rooms.Join(clientID, room); err != nil {
				log.Debugf("subscribe %s: %v", clientID, err)
			}
		}
		if in.Type == "unsubscribe" {
			reply = TypeUnsubscribed
		}
		d.SendTo(clientID, mustEvent(reply, sd))

	case "ping":
		d.SendTo(clientID, mustEvent(TypePong, map[string]string{
			"timestamp": d.now().UTC().Format(time.RFC3339Nano),
		}))

	case "get_history":
		req := historyRequest{Limit: defaultHistoryLimit}
		if len(in.Data) > 0 {
			if err := json.Unmarshal(in.Data, &req); err != nil {
				d.replyError(clientID, "Invalid history request")
				return
			}
		}
		if req.Limit <= 0 {
			req.Limit = defaultHistoryLimit
		}
		d.SendTo(clientID, mustEvent(TypeHistory, map[string]any{
			"messages": d.RecentHistory(req.Limit),
		}))

	default:
		log.Warnf("unknown message type %q from %s", in.Type, clientID)
		d.replyError(clientID, fmt.Sprintf("Unknown message type: %s", in.Type))
	}
}

func (d *Dispatcher) replyError(clientID, message string) {
	d.SendTo(clientID, mustEvent(TypeError, map[string]string{"message": message}))
}
