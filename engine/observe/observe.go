// Package observe exposes the proxy's live state over HTTP: a REST
// snapshot, a websocket push feed, and a handful of admin actions (kill a
// connection, adjust the download cap, add/remove backends).
package observe

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"t2sproxy/engine/common/logx"
	"t2sproxy/engine/core/backend"
	"t2sproxy/engine/core/registry"
	"t2sproxy/engine/core/runtimeconfig"
	"t2sproxy/engine/core/statsbus"
	"t2sproxy/engine/core/system"
)

var log = logx.New(logx.WithPrefix("observe"))

const Version = "1.0"

// Server bundles everything the observability API needs to read.
type Server struct {
	Backends *backend.Backends
	Conns    *registry.Registry
	Stats    *statsbus.Stats
	Runtime  *runtimeconfig.Config
	System   *system.Sampler

	InternalAddr string
	ExternalAddr string

	upgrader websocket.Upgrader
}

// PortView describes one listener's traffic for the state snapshot.
type PortView struct {
	Label             string `json:"label"`
	Listen            string `json:"listen"`
	ActiveConnections int    `json:"active_connections"`
	BytesUp           int64  `json:"bytes_up"`
	BytesDown         int64  `json:"bytes_down"`
}

// ConnView describes one tracked connection for the state snapshot.
type ConnView struct {
	CID       string `json:"cid"`
	Ingress   string `json:"ingress"`
	Domain    string `json:"domain"`
	Peer      string `json:"peer"`
	DstIP     string `json:"dst_ip"`
	Mode      string `json:"mode"`
	BytesUp   int64  `json:"bytes_up"`
	BytesDown int64  `json:"bytes_down"`
	Server    string `json:"server"`
}

// State is the full snapshot served by GET /api/state and pushed over /ws.
type State struct {
	Timestamp         time.Time         `json:"ts"`
	Stats             statsbus.Snapshot `json:"stats"`
	ActiveConnections int               `json:"active_connections"`
	Ports             struct {
		Internal PortView `json:"internal"`
		External PortView `json:"external"`
	} `json:"ports"`
	Conns             []ConnView       `json:"conns"`
	Backends          []backend.Status `json:"backends"`
	System            *system.Snapshot `json:"system,omitempty"`
	DownloadLimitMbit float64          `json:"download_limit_mbit"`
}

// New builds an observability server reading from the given components.
func New(backends *backend.Backends, conns *registry.Registry, stats *statsbus.Stats, rc *runtimeconfig.Config, sampler *system.Sampler, internalAddr, externalAddr string) *Server {
	return &Server{
		Backends:     backends,
		Conns:        conns,
		Stats:        stats,
		Runtime:      rc,
		System:       sampler,
		InternalAddr: internalAddr,
		ExternalAddr: externalAddr,
		upgrader:     websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024, CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

// Router builds the gin engine exposing this server's routes.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"version": Version})
	})
	r.GET("/api/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.snapshot())
	})
	r.POST("/api/download_limit", s.handleSetDownloadLimit)
	r.POST("/api/backends/add", s.handleAddBackend)
	r.POST("/api/backends/remove", s.handleRemoveBackend)
	r.GET("/api/kill", s.handleKill)
	r.POST("/api/kill", s.handleKill)
	r.GET("/ws", s.handleWS)

	return r
}

func (s *Server) snapshot() State {
	var st State
	st.Timestamp = time.Now()
	st.Stats = s.Stats.Snapshot()
	connList := s.Conns.List()
	st.ActiveConnections = len(connList)

	active := make(map[registry.Ingress]int, 2)
	for _, info := range connList {
		active[info.Ingress]++
	}
	st.Ports.Internal = PortView{Label: "internal", Listen: s.InternalAddr, ActiveConnections: active[registry.Internal], BytesUp: st.Stats.Internal.BytesUp, BytesDown: st.Stats.Internal.BytesDown}
	st.Ports.External = PortView{Label: "external", Listen: s.ExternalAddr, ActiveConnections: active[registry.External], BytesUp: st.Stats.External.BytesUp, BytesDown: st.Stats.External.BytesDown}

	backendAddrs := s.Backends.Addrs()
	index := make(map[string]int, len(backendAddrs))
	for i, a := range backendAddrs {
		index[a] = i + 1
	}

	for _, info := range connList {
		domain := info.Domain
		if domain == "" {
			domain = "Domain not resolved"
		}
		dst := info.DstIP
		if dst == "" {
			dst = "—"
		}
		mode := "transparent"
		if info.Backend != "" {
			mode = "socks5"
		}
		serverLabel := "#?"
		if idx, ok := index[info.Backend]; ok {
			serverLabel = fmt.Sprintf("#%d", idx)
		}
		st.Conns = append(st.Conns, ConnView{
			CID:       strconv.FormatUint(info.ID, 10),
			Ingress:   string(info.Ingress),
			Domain:    domain,
			Peer:      info.Peer,
			DstIP:     dst,
			Mode:      mode,
			BytesUp:   info.BytesUp,
			BytesDown: info.BytesDown,
			Server:    serverLabel,
		})
	}

	st.Backends = s.Backends.Snapshot()
	st.DownloadLimitMbit = s.Runtime.DownloadLimitMbit()

	if s.System != nil {
		if snap, err := s.System.Sample(10 * time.Millisecond); err == nil {
			st.System = &snap
		}
	}
	return st
}

type downloadLimitReq struct {
	Mbit float64 `json:"download_limit_mbit"`
}

func (s *Server) handleSetDownloadLimit(c *gin.Context) {
	var req downloadLimitReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.Runtime.SetDownloadLimitMbit(req.Mbit)
	s.Runtime.Wakeup()
	c.JSON(http.StatusOK, gin.H{"ok": true, "download_limit_mbit": s.Runtime.DownloadLimitMbit()})
}

type backendAddrReq struct {
	Addr string `json:"addr"`
}

func (s *Server) handleAddBackend(c *gin.Context) {
	var req backendAddrReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Addr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "addr is required"})
		return
	}
	s.Backends.Add(req.Addr)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleRemoveBackend(c *gin.Context) {
	var req backendAddrReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Addr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "addr is required"})
		return
	}
	s.Backends.Remove(req.Addr)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// parseCID accepts both decimal and 0x-prefixed hex connection ids.
func parseCID(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseUint(s[2:], 16, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}

func (s *Server) handleKill(c *gin.Context) {
	raw := c.Query("cid")
	if raw == "" {
		raw = c.PostForm("cid")
	}
	cid, err := parseCID(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cid"})
		return
	}
	if !s.Conns.Kill(cid) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown connection"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warnf("websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	s.Runtime.IncUIClients()
	defer s.Runtime.DecUIClients()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.PingMessage {
				_ = conn.WriteMessage(websocket.PongMessage, msg)
			}
		}
	}()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	var lastPush time.Time
	const debounce = 300 * time.Millisecond

	for {
		select {
		case <-readDone:
			return
		case <-ticker.C:
			if time.Since(lastPush) < debounce {
				continue
			}
			lastPush = time.Now()
			payload, err := json.Marshal(s.snapshot())
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}
