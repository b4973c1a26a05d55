package controller

import (
	"encoding/json"
	"sync"
	"time"

	"outreach/services"
	"outreach/utils"

	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	wsSendBuffer   = 8
	wsPingInterval = 30 * time.Second
	wsWriteTimeout = 10 * time.Second
)

type hubClient struct {
	orgID uint
	send  chan []byte
}

// EngineHub streams finished engine cycles to dashboard sockets. Each
// client only sees the campaigns and accounts of its own organization.
type EngineHub struct {
	DB     *gorm.DB
	Logger *logrus.Entry

	mu      sync.RWMutex
	clients map[*hubClient]struct{}
}

func NewEngineHub(db *gorm.DB) *EngineHub {
	return &EngineHub{
		DB:      db,
		Logger:  utils.Logger("engine_ws"),
		clients: map[*hubClient]struct{}{},
	}
}

func (h *EngineHub) register(c *hubClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *EngineHub) unregister(c *hubClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// Clients is the number of connected sockets.
func (h *EngineHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

type orgCycle struct {
	StartedAt  time.Time                   `json:"started_at"`
	FinishedAt time.Time                   `json:"finished_at"`
	Totals     services.Counters           `json:"totals"`
	Campaigns  map[uint]*services.Counters `json:"campaigns"`
	Accounts   map[uint]*services.Counters `json:"accounts"`
	Inbox      []services.SyncResult       `json:"inbox,omitempty"`
}

// Broadcast sends the org's slice of the report to every connected client.
// Slow clients miss messages rather than block the engine.
func (h *EngineHub) Broadcast(report *services.CycleReport) {
	if report == nil || (report.Tick == nil && report.Inbox == nil) {
		return
	}

	h.mu.RLock()
	byOrg := map[uint][]*hubClient{}
	for c := range h.clients {
		byOrg[c.orgID] = append(byOrg[c.orgID], c)
	}
	h.mu.RUnlock()

	for orgID, clients := range byOrg {
		payload, err := h.filter(orgID, report)
		if err != nil {
			h.Logger.WithError(err).WithField("organization_id", orgID).Warn("Failed to build cycle update")
			continue
		}
		if payload == nil {
			continue
		}
		for _, c := range clients {
			select {
			case c.send <- payload:
			default:
			}
		}
	}
}

func (h *EngineHub) filter(orgID uint, report *services.CycleReport) ([]byte, error) {
	tick := report.Tick
	if tick == nil {
		tick = &services.TickReport{StartedAt: report.Inbox.StartedAt, FinishedAt: report.Inbox.FinishedAt}
	}

	campaignIDs := make([]uint, 0, len(tick.Campaigns))
	for id := range tick.Campaigns {
		campaignIDs = append(campaignIDs, id)
	}
	senderIDs := make([]uint, 0, len(tick.Accounts))
	for id := range tick.Accounts {
		senderIDs = append(senderIDs, id)
	}
	if report.Inbox != nil {
		for _, a := range report.Inbox.Accounts {
			senderIDs = append(senderIDs, a.SenderID)
		}
	}

	var ownCampaigns, ownSenders []uint
	if len(campaignIDs) > 0 {
		if err := h.DB.Table("campaigns").
			Where("organization_id = ? AND id IN ?", orgID, campaignIDs).
			Pluck("id", &ownCampaigns).Error; err != nil {
			return nil, err
		}
	}
	if len(senderIDs) > 0 {
		if err := h.DB.Table("senders").
			Where("organization_id = ? AND id IN ?", orgID, senderIDs).
			Pluck("id", &ownSenders).Error; err != nil {
			return nil, err
		}
	}
	if len(ownCampaigns) == 0 && len(ownSenders) == 0 {
		return nil, nil
	}

	out := orgCycle{
		StartedAt:  tick.StartedAt,
		FinishedAt: tick.FinishedAt,
		Campaigns:  map[uint]*services.Counters{},
		Accounts:   map[uint]*services.Counters{},
	}
	for _, id := range ownCampaigns {
		c := tick.Campaigns[id]
		out.Campaigns[id] = c
		out.Totals.Sent += c.Sent
		out.Totals.Failed += c.Failed
		out.Totals.Skipped += c.Skipped
	}
	owned := map[uint]bool{}
	for _, id := range ownSenders {
		owned[id] = true
		if a, ok := tick.Accounts[id]; ok {
			out.Accounts[id] = a
		}
	}
	if report.Inbox != nil {
		for _, a := range report.Inbox.Accounts {
			if owned[a.SenderID] {
				out.Inbox = append(out.Inbox, a)
			}
		}
	}
	return json.Marshal(out)
}

// HandleEngineWS serves one dashboard socket. The upgrade route runs behind
// Protected, so the organization is already in Locals.
func (h *EngineHub) HandleEngineWS(c *websocket.Conn) {
	orgID, _ := c.Locals("orgID").(uint)
	client := &hubClient{orgID: orgID, send: make(chan []byte, wsSendBuffer)}
	h.register(client)
	defer func() {
		h.unregister(client)
		c.Close()
	}()

	// reads only detect the close; clients send nothing
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case msg := <-client.send:
			c.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.Logger.WithError(err).Debug("Dropping engine socket")
				return
			}
		case <-ping.C:
			c.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
