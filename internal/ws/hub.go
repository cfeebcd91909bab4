package ws

import (
	"encoding/json"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/coursewallet/wallet-service/internal/model"
	"github.com/coursewallet/wallet-service/internal/wallet"
)

// ─────────────────────────────────────────────
// Hub: manages dashboard feed connections
// ─────────────────────────────────────────────

// Hub maintains the set of active WebSocket clients per user and
// pushes committed ledger entries to that user's sessions. A user
// can hold several connections (multiple browser tabs).
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]bool // userID → connections
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]bool),
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.clients[c.UserID] == nil {
		h.clients[c.UserID] = make(map[*Client]bool)
	}
	h.clients[c.UserID][c] = true
	h.mu.Unlock()
	log.Infof("[hub] user %s connected (total: %d)", c.UserID, h.ClientCount())
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if conns := h.clients[c.UserID]; conns != nil {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.clients, c.UserID)
		}
	}
	h.mu.Unlock()
	log.Infof("[hub] user %s disconnected (total: %d)", c.UserID, h.ClientCount())
}

// ClientCount returns the number of connected sessions.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, conns := range h.clients {
		n += len(conns)
	}
	return n
}

// TransactionCommitted implements wallet.Notifier: it pushes the
// committed ledger entry to the owning user's sessions.
func (h *Hub) TransactionCommitted(txn *wallet.Transaction) {
	env := model.Envelope{
		Type: model.MsgTypeTransaction,
		Payload: &model.TransactionEvent{
			ID:           txn.ID,
			Type:         string(txn.Type),
			Amount:       txn.Amount,
			BalanceAfter: txn.BalanceAfter,
			Description:  txn.Description,
		},
	}
	data, err := json.Marshal(env)
	if err != nil {
		log.Errorf("[hub] marshal transaction event error: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients[txn.UserID] {
		select {
		case c.send <- data:
		default:
			log.Warnf("[hub] send buffer full for user %s, dropping", c.UserID)
		}
	}
}
