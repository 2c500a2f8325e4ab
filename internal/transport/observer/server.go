package observer

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/gorilla/websocket"

	"cubicworld.io/internal/observerproto"
	"cubicworld.io/internal/sim/encoding"
	"cubicworld.io/internal/sim/voxel"
	"cubicworld.io/internal/sim/world"
	"cubicworld.io/internal/sim/world/terrain/stream"
)

type Server struct {
	world *world.World
	log   *log.Logger

	upgrader websocket.Upgrader
	sessions atomic.Int64
}

func NewServer(w *world.World, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		world: w,
		log:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback only
		},
	}
}

// Handler mounts every observer route on a fresh mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/bootstrap", s.loopbackOnly(s.BootstrapHandler()))
	mux.HandleFunc("/v1/block", s.loopbackOnly(s.BlockHandler()))
	mux.HandleFunc("/v1/chunks", s.loopbackOnly(s.ChunksHandler()))
	mux.HandleFunc("/v1/chunk", s.loopbackOnly(s.ChunkHandler()))
	mux.HandleFunc("/v1/metrics", s.loopbackOnly(s.MetricsHandler()))
	mux.HandleFunc("/v1/hit", s.loopbackOnly(s.HitHandler()))
	mux.HandleFunc("/v1/atlas.png", s.loopbackOnly(s.AtlasHandler()))
	mux.HandleFunc("/v1/observe", s.loopbackOnly(s.WSHandler()))
	return mux
}

// Sessions reports the number of open observer websockets.
func (s *Server) Sessions() int { return int(s.sessions.Load()) }

func (s *Server) loopbackOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		cfg := s.world.Config()
		pos := s.world.Observer()
		resp := observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			Tick:            s.world.Streamer().Tick(),
			WorldParams: observerproto.WorldParams{
				TickRateHz:    cfg.TickRateHz,
				ChunkSize:     [3]int{cfg.Chunk.Width, cfg.Chunk.Height, cfg.Chunk.Depth},
				PreloadRadius: cfg.PreloadRadius,
				Terrain:       cfg.Terrain.Type,
				Seed:          cfg.Terrain.Seed,
				Persist:       cfg.Persist,
			},
			Observer:     [3]float32{pos.X(), pos.Y(), pos.Z()},
			BlockPalette: s.world.Blocks().Palette(),
		}
		writeJSON(rw, http.StatusOK, resp)
	}
}

func (s *Server) BlockHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			q := r.URL.Query()
			x, errX := strconv.Atoi(q.Get("x"))
			y, errY := strconv.Atoi(q.Get("y"))
			z, errZ := strconv.Atoi(q.Get("z"))
			if errX != nil || errY != nil || errZ != nil {
				http.Error(rw, "x, y and z must be integers", http.StatusBadRequest)
				return
			}
			resp, ok := s.blockAt(x, y, z)
			if !ok {
				http.Error(rw, "chunk not loaded", http.StatusNotFound)
				return
			}
			writeJSON(rw, http.StatusOK, resp)
		case http.MethodPut, http.MethodPost:
			var req observerproto.BlockRequest
			if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
				http.Error(rw, "bad json", http.StatusBadRequest)
				return
			}
			id, err := s.resolveBlock(req)
			if err != nil {
				http.Error(rw, err.Error(), http.StatusBadRequest)
				return
			}
			if err := s.world.SetBlock(req.X, req.Y, req.Z, id); err != nil {
				http.Error(rw, err.Error(), statusFor(err))
				return
			}
			if req.Rotation != nil && id != voxel.Air {
				if err := s.world.SetBlockRotation(req.X, req.Y, req.Z, *req.Rotation); err != nil {
					http.Error(rw, err.Error(), statusFor(err))
					return
				}
			}
			resp, _ := s.blockAt(req.X, req.Y, req.Z)
			writeJSON(rw, http.StatusOK, resp)
		default:
			rw.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

func (s *Server) resolveBlock(req observerproto.BlockRequest) (int16, error) {
	switch {
	case req.Block != nil:
		id := *req.Block
		if id == voxel.Air {
			return id, nil
		}
		if _, ok := s.world.Blocks().Block(id); !ok {
			return 0, errors.New("unknown block id " + strconv.Itoa(int(id)))
		}
		return id, nil
	case req.Name == "air":
		return voxel.Air, nil
	case req.Name != "":
		id, ok := s.world.Blocks().ByName(req.Name)
		if !ok {
			return 0, errors.New("unknown block " + strconv.Quote(req.Name))
		}
		return id, nil
	}
	return 0, errors.New("block or name required")
}

func (s *Server) blockAt(x, y, z int) (observerproto.BlockResponse, bool) {
	c, ok := s.world.GetBlock(x, y, z)
	if !ok {
		return observerproto.BlockResponse{}, false
	}
	resp := observerproto.BlockResponse{
		X: x, Y: y, Z: z,
		Present:  c.Solid(),
		Block:    c.BlockID,
		Rotation: c.Rotation,
	}
	if def, ok := s.world.Blocks().Block(c.BlockID); ok {
		resp.Name = def.Name
	}
	return resp, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, world.ErrChunkNotLoaded):
		return http.StatusConflict
	case errors.Is(err, voxel.ErrOutOfRange):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) ChunksHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(rw, http.StatusOK, s.world.Chunks())
	}
}

func (s *Server) ChunkHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		c, ok := chunkParam(r)
		if !ok {
			http.Error(rw, "cx and cz must be integers", http.StatusBadRequest)
			return
		}
		rec, ok := s.world.ChunkRecord(c)
		if !ok || rec.State() != stream.StateReady {
			http.Error(rw, "chunk not loaded", http.StatusNotFound)
			return
		}
		g := rec.Grid()
		o := s.world.Streamer().ChunkOrigin(c)
		var (
			cells   []voxel.Cell
			version uint64
		)
		g.View(func(v *voxel.View) {
			version = v.Version()
			cells = make([]voxel.Cell, 0, v.Width()*v.Height()*v.Depth())
			for x := 0; x < v.Width(); x++ {
				for y := 0; y < v.Height(); y++ {
					for z := 0; z < v.Depth(); z++ {
						c, _ := v.Cell(x, y, z)
						cells = append(cells, c)
					}
				}
			}
		})
		writeJSON(rw, http.StatusOK, observerproto.ChunkResponse{
			Coord:   c,
			Origin:  [3]int{int(o.X()), int(o.Y()), int(o.Z())},
			Size:    [3]int{g.Width(), g.Height(), g.Depth()},
			Version: version,
			Cells:   encoding.EncodeCells(cells),
		})
	}
}

func (s *Server) MetricsHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(rw, http.StatusOK, s.world.Metrics())
	}
}

func (s *Server) HitHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		c, ok := chunkParam(r)
		tri, err := strconv.Atoi(r.URL.Query().Get("tri"))
		if !ok || err != nil {
			http.Error(rw, "cx, cz and tri must be integers", http.StatusBadRequest)
			return
		}
		hit, ok := s.world.TriangleToVoxel(c, tri)
		if !ok {
			http.Error(rw, "no such triangle", http.StatusNotFound)
			return
		}
		writeJSON(rw, http.StatusOK, hit)
	}
}

func (s *Server) AtlasHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		src, ok := s.world.Blocks().Atlas().(interface{ Image() *image.RGBA })
		if !ok || src.Image() == nil {
			http.Error(rw, "atlas not available", http.StatusNotFound)
			return
		}
		rw.Header().Set("Content-Type", "image/png")
		if err := png.Encode(rw, src.Image()); err != nil {
			s.log.Printf("atlas encode: %v", err)
		}
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub observerproto.SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad subscribe"), time.Now().Add(time.Second))
			return
		}
		if sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}
		normalizeSubscribe(&sub)

		sess := &session{}
		sess.filter.Store(newFilter(sub))

		events, unsubscribe := s.world.Subscribe(1024)
		defer unsubscribe()

		s.sessions.Add(1)
		defer s.sessions.Add(-1)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		writeErr := make(chan error, 1)
		go func() { writeErr <- s.writeLoop(ctx, conn, sess, events) }()

		// Reader loop: SUBSCRIBE updates and MOVE.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var env observerproto.Envelope
			if err := json.Unmarshal(msg, &env); err != nil || env.ProtocolVersion != observerproto.Version {
				continue
			}
			switch env.Type {
			case observerproto.TypeSubscribe:
				var sub observerproto.SubscribeMsg
				if err := json.Unmarshal(msg, &sub); err != nil {
					continue
				}
				normalizeSubscribe(&sub)
				sess.filter.Store(newFilter(sub))
			case observerproto.TypeMove:
				var mv observerproto.MoveMsg
				if err := json.Unmarshal(msg, &mv); err != nil {
					continue
				}
				s.world.SetObserver(mgl32.Vec3{mv.Position[0], mv.Position[1], mv.Position[2]})
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

type session struct {
	filter atomic.Pointer[eventFilter]
}

type eventFilter struct {
	radius int
	kinds  map[stream.EventKind]bool
}

func newFilter(sub observerproto.SubscribeMsg) *eventFilter {
	f := &eventFilter{radius: sub.ChunkRadius}
	if len(sub.Kinds) > 0 {
		f.kinds = make(map[stream.EventKind]bool, len(sub.Kinds))
		for _, k := range sub.Kinds {
			f.kinds[k] = true
		}
	}
	return f
}

func (f *eventFilter) match(e stream.Event, center stream.ChunkCoord) bool {
	if f.kinds != nil && !f.kinds[e.Kind] {
		return false
	}
	dx := e.Coord.X - center.X
	dz := e.Coord.Z - center.Z
	return dx*dx+dz*dz <= f.radius*f.radius
}

func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, sess *session, events <-chan stream.Event) error {
	interval := s.world.Config().TickInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastTick uint64
	send := func(v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		return conn.WriteMessage(websocket.TextMessage, b)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			center := s.world.WorldToChunkCoord(s.world.Observer())
			if !sess.filter.Load().match(e, center) {
				continue
			}
			if err := send(observerproto.EventMsg{
				Type:            observerproto.TypeEvent,
				ProtocolVersion: observerproto.Version,
				Event:           e,
			}); err != nil {
				return err
			}
		case <-ticker.C:
			m := s.world.Metrics()
			if m.Tick == lastTick {
				continue
			}
			lastTick = m.Tick
			if err := send(observerproto.TickMsg{
				Type:            observerproto.TypeTick,
				ProtocolVersion: observerproto.Version,
				Tick:            m.Tick,
				Observer:        m.Observer,
				ObserverChunk:   m.ObserverChunk,
				LoadedChunks:    m.LoadedChunks,
				PendingChunks:   m.PendingChunks,
				FailedChunks:    m.FailedChunks,
			}); err != nil {
				return err
			}
		}
	}
}

func normalizeSubscribe(sub *observerproto.SubscribeMsg) {
	if sub.ChunkRadius <= 0 {
		sub.ChunkRadius = 6
	}
	if sub.ChunkRadius > 32 {
		sub.ChunkRadius = 32
	}
}

func chunkParam(r *http.Request) (stream.ChunkCoord, bool) {
	q := r.URL.Query()
	cx, err1 := strconv.Atoi(q.Get("cx"))
	cz, err2 := strconv.Atoi(q.Get("cz"))
	if err1 != nil || err2 != nil {
		return stream.ChunkCoord{}, false
	}
	return stream.ChunkCoord{X: cx, Z: cz}, true
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
