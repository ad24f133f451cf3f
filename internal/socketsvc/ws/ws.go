package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/avvvet/card-services/internal/comm"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const writeWait = 10 * time.Second

// Publisher forwards client commands to the card service.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Client is one authenticated websocket connection. Writes are serialized,
// gorilla connections support a single concurrent writer.
type Client struct {
	SocketId string
	UserId   int64
	conn     *websocket.Conn
	mu       sync.Mutex
}

func (c *Client) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

type Ws struct {
	connMap   sync.Map // socketId -> *Client
	Publisher Publisher
}

func NewWs() *Ws {
	return &Ws{}
}

// handle socket message from web clients
func (s *Ws) SocketMessage(socketId string, message *comm.WSMessage) {
	client, ok := s.GetConnection(socketId)
	if !ok {
		log.Warnf("message from unknown socket %s", socketId)
		return
	}

	switch message.Type {
	case "":
		log.Warnf("message without type from socket %s", socketId)
	case "ping":
		if err := client.WriteJSON(&comm.WSMessage{Type: "pong", SocketId: socketId}); err != nil {
			log.Errorf("Failed to answer ping on %s: %v", socketId, err)
		}
	default:
		s.forward(client, message)
	}
}

// forward sends the command on behalf of the socket's verified user. The
// actor is never taken from the client payload.
func (s *Ws) forward(client *Client, msg *comm.WSMessage) {
	data, err := json.Marshal(comm.Command{ActorId: client.UserId, Payload: msg.Data})
	if err != nil {
		log.Errorf("Failed to marshal command: %v", err)
		return
	}

	bytes, err := json.Marshal(&comm.WSMessage{Type: msg.Type, Data: data, SocketId: client.SocketId})
	if err != nil {
		log.Errorf("Failed to marshal WSMessage for NATS: %v", err)
		return
	}

	topic := comm.SubjectCommands
	if err := s.Publisher.Publish(topic, bytes); err != nil {
		log.Errorf("Failed to publish to NATS topic %s: %v", topic, err)
		return
	}

	log.Debugf("Published %s for user %d to topic %s", msg.Type, client.UserId, topic)
}

func (s *Ws) StoreConnection(socketId string, userId int64, conn *websocket.Conn) *Client {
	c := &Client{SocketId: socketId, UserId: userId, conn: conn}
	s.connMap.Store(socketId, c)
	return c
}

func (s *Ws) GetConnection(socketId string) (*Client, bool) {
	c, ok := s.connMap.Load(socketId)
	if !ok {
		return nil, false
	}
	return c.(*Client), true
}

// UserSockets returns every open connection of userId.
func (s *Ws) UserSockets(userId int64) []*Client {
	var clients []*Client
	s.connMap.Range(func(_, value interface{}) bool {
		if c := value.(*Client); c.UserId == userId {
			clients = append(clients, c)
		}
		return true // continue iterating
	})
	return clients
}

func (s *Ws) HandleDisconnect(socketId string) {
	s.connMap.Delete(socketId)
}
