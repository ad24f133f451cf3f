package broker

import (
	"encoding/json"

	"github.com/avvvet/card-services/internal/cardsvc/models"
	"github.com/avvvet/card-services/internal/comm"
	"github.com/avvvet/card-services/internal/socketsvc/ws"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

type Broker struct {
	Conn *nats.Conn
	Hub  *ws.Ws
}

func NewBroker(conn *nats.Conn, hub *ws.Ws) *Broker {
	return &Broker{
		Conn: conn,
		Hub:  hub,
	}
}

// consume owner events, every socket service instance gets all of them
func (b *Broker) SubscribeEvents(topic string) (*nats.Subscription, error) {
	return b.Conn.Subscribe(topic, func(m *nats.Msg) { b.DeliverEvent(m.Data) })
}

// consume card service results addressed to sockets
func (b *Broker) SubscribeReplies(topic string) (*nats.Subscription, error) {
	return b.Conn.Subscribe(topic, func(m *nats.Msg) { b.DeliverReply(m.Data) })
}

// publish client commands to the card service
func (b *Broker) Publish(topic string, payload []byte) error {
	err := b.Conn.Publish(topic, payload)
	if err != nil {
		log.Errorf("Error publishing to topic %s: %s", topic, err)
		return err
	}

	return nil
}

// DeliverEvent pushes a card event to every socket of its owner and returns
// how many sockets got it.
func (b *Broker) DeliverEvent(data []byte) int {
	var ev models.CardEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Errorf("Error decoding card event %s", err)
		return 0
	}

	sent := 0
	for _, c := range b.Hub.UserSockets(ev.OwnerUserID) {
		msg := &comm.WSMessage{Type: string(ev.Kind), Data: data, SocketId: c.SocketId}
		if err := c.WriteJSON(msg); err != nil {
			log.Errorf("Error sending %s to socket %s: %s", ev.Kind, c.SocketId, err)
			continue
		}
		sent++
	}
	return sent
}

// DeliverReply sends a command result back to the socket that asked.
func (b *Broker) DeliverReply(data []byte) bool {
	message := &comm.WSMessage{}
	if err := json.Unmarshal(data, message); err != nil {
		log.Errorf("Error %s", err)
		return false
	}

	c, ok := b.Hub.GetConnection(message.SocketId)
	if !ok {
		// the socket lives on another instance or is gone
		return false
	}
	if err := c.WriteJSON(message); err != nil {
		log.Errorf("Error sending reply to socket %s: %s", message.SocketId, err)
		return false
	}
	return true
}
