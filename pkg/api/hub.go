package api

import "github.com/charmbracelet/log"

// Hub maintains the set of active clients, keyed by the user they belong to.
type Hub struct {
	// Registered clients.
	clients map[string][]*Client

	// Register requests from the clients.
	Register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Requests to drop every client of a user.
	disconnect chan string

	// Requests for the number of clients of a user.
	count chan countRequest
}

type countRequest struct {
	uid   string
	reply chan int
}

func NewHub() *Hub {
	return &Hub{
		Register:   make(chan *Client),
		unregister: make(chan *Client),
		disconnect: make(chan string),
		count:      make(chan countRequest),
		clients:    make(map[string][]*Client),
	}
}

// Disconnect closes every connection of uid. It is used once an account is
// deleted.
func (h *Hub) Disconnect(uid string) {
	h.disconnect <- uid
}

// Connected returns the number of live clients of uid.
func (h *Hub) Connected(uid string) int {
	reply := make(chan int, 1)
	h.count <- countRequest{uid: uid, reply: reply}
	return <-reply
}

func (h *Hub) Run() {
	for {
		select {
		// Register Client
		case client := <-h.Register:
			h.clients[client.id] = append(h.clients[client.id], client)
		// Unregister Client
		case client := <-h.unregister:
			if h.remove(client) {
				close(client.send)
			}
		// Kick every Client of a user
		case uid := <-h.disconnect:
			clients := h.clients[uid]
			if len(clients) > 0 {
				log.Info("Disconnecting clients", "uid", uid, "count", len(clients))
			}
			for _, client := range clients {
				client.kick()
			}
		case req := <-h.count:
			req.reply <- len(h.clients[req.uid])
		}
	}
}

// remove drops client from the registry and reports whether it was present.
func (h *Hub) remove(client *Client) bool {
	clients := h.clients[client.id]
	for i := range clients {
		if clients[i] != client {
			continue
		}
		length := len(clients) - 1

		// Remove element at position i
		clients[i] = clients[length]
		clients[length] = nil
		h.clients[client.id] = clients[:length]

		// If no clients exist with id then remove key from clients map
		if length == 0 {
			delete(h.clients, client.id)
		}
		return true
	}
	return false
}
