package observer

import (
	"context"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/gorilla/websocket"

	"cubicworld.io/internal/observerproto"
	"cubicworld.io/internal/sim/encoding"
	"cubicworld.io/internal/sim/tuning"
	"cubicworld.io/internal/sim/world"
	"cubicworld.io/internal/sim/world/terrain/stream"
)

func testWorld(t *testing.T) *world.World {
	t.Helper()
	cfg := tuning.Defaults()
	cfg.Chunk = tuning.ChunkSize{Width: 8, Height: 16, Depth: 8}
	cfg.PreloadRadius = 2
	cfg.Persist = false
	cfg.AutosaveEveryTicks = 0
	cfg.Terrain.Type = "flat"
	cfg.Terrain.BaseHeight = 4
	cfg.Observer = tuning.Position{X: 0.5, Y: 8, Z: 0.5}

	w, err := world.New(cfg, world.Deps{})
	if err != nil {
		t.Fatalf("world.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	t.Cleanup(func() {
		_ = w.Close()
		cancel()
	})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		w.Step()
		m := w.Metrics()
		if m.LoadedChunks == 9 && m.PendingChunks == 0 && settled(w) {
			return w
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("world never loaded: %+v", w.Metrics())
	return nil
}

func settled(w *world.World) bool {
	for _, c := range w.Chunks() {
		if c.Dirty || c.Faces == 0 {
			return false
		}
	}
	return true
}

func getJSON(t *testing.T, url string, want int, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		t.Fatalf("GET %s: status=%d want %d", url, resp.StatusCode, want)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
}

func putBlock(t *testing.T, base string, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPut, base+"/v1/block", strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT: %v", err)
	}
	return resp
}

func TestHTTPSurface(t *testing.T) {
	w := testWorld(t)
	srv := httptest.NewServer(NewServer(w, nil).Handler())
	defer srv.Close()

	var boot observerproto.BootstrapResponse
	getJSON(t, srv.URL+"/v1/bootstrap", http.StatusOK, &boot)
	if boot.ProtocolVersion != observerproto.Version || boot.WorldParams.ChunkSize != [3]int{8, 16, 8} {
		t.Fatalf("bootstrap mismatch: %+v", boot)
	}
	if len(boot.BlockPalette) == 0 {
		t.Fatalf("empty palette")
	}

	var blk observerproto.BlockResponse
	getJSON(t, srv.URL+"/v1/block?x=0&y=0&z=0", http.StatusOK, &blk)
	if !blk.Present || blk.Block != w.Config().Terrain.Blocks.Bedrock {
		t.Fatalf("bedrock mismatch: %+v", blk)
	}
	getJSON(t, srv.URL+"/v1/block?x=0&y=4&z=0", http.StatusOK, &blk)
	if blk.Present {
		t.Fatalf("expected air above the surface: %+v", blk)
	}
	getJSON(t, srv.URL+"/v1/block?x=1000&y=4&z=0", http.StatusNotFound, nil)
	getJSON(t, srv.URL+"/v1/block?x=a&y=4&z=0", http.StatusBadRequest, nil)

	resp := putBlock(t, srv.URL, `{"x":0,"y":4,"z":0,"name":"stone","rotation":90}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status=%d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&blk); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if !blk.Present || blk.Name != "stone" || blk.Rotation != 1 {
		t.Fatalf("PUT result mismatch: %+v", blk)
	}

	for _, body := range []string{
		`{"x":0,"y":4,"z":0}`,
		`{"x":0,"y":4,"z":0,"name":"nope"}`,
		`{"x":0,"y":99,"z":0,"name":"stone"}`,
	} {
		resp := putBlock(t, srv.URL, body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("PUT %s: status=%d want 400", body, resp.StatusCode)
		}
	}
	resp = putBlock(t, srv.URL, `{"x":1000,"y":4,"z":0,"block":3}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("PUT unloaded: status=%d want 409", resp.StatusCode)
	}

	var chunks []world.ChunkInfo
	getJSON(t, srv.URL+"/v1/chunks", http.StatusOK, &chunks)
	if len(chunks) != 9 {
		t.Fatalf("chunks=%d want 9", len(chunks))
	}

	var ch observerproto.ChunkResponse
	getJSON(t, srv.URL+"/v1/chunk?cx=0&cz=0", http.StatusOK, &ch)
	cells, err := encoding.DecodeCells(ch.Cells, 8*16*8)
	if err != nil {
		t.Fatalf("DecodeCells: %v", err)
	}
	if len(cells) != 8*16*8 {
		t.Fatalf("cells=%d", len(cells))
	}
	// x=0, y=4, z=0 is index 4 in x-major order.
	if cells[4].BlockID != 3 || cells[4].Rotation != 1 {
		t.Fatalf("edited cell not in chunk dump: %+v", cells[4])
	}
	getJSON(t, srv.URL+"/v1/chunk?cx=50&cz=0", http.StatusNotFound, nil)

	var hit world.BlockHit
	getJSON(t, srv.URL+"/v1/hit?cx=0&cz=0&tri=0", http.StatusOK, &hit)
	if hit.X < 0 || hit.X >= 8 || hit.Z < 0 || hit.Z >= 8 {
		t.Fatalf("hit outside chunk: %+v", hit)
	}
	getJSON(t, srv.URL+"/v1/hit?cx=0&cz=0&tri=99999999", http.StatusNotFound, nil)

	var m world.WorldMetrics
	getJSON(t, srv.URL+"/v1/metrics", http.StatusOK, &m)
	if m.LoadedChunks != 9 {
		t.Fatalf("metrics loaded=%d", m.LoadedChunks)
	}

	aresp, err := http.Get(srv.URL + "/v1/atlas.png")
	if err != nil {
		t.Fatalf("GET atlas: %v", err)
	}
	defer aresp.Body.Close()
	if _, err := png.Decode(aresp.Body); err != nil {
		t.Fatalf("atlas png: %v", err)
	}
}

func TestRejectsNonLoopback(t *testing.T) {
	w := testWorld(t)
	h := NewServer(w, nil).Handler()

	req := httptest.NewRequest(http.MethodGet, "/v1/bootstrap", nil)
	req.RemoteAddr = "203.0.113.7:5555"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status=%d want 403", rr.Code)
	}

	if !isLoopbackRemote("[::1]:80") || !isLoopbackRemote("127.0.0.1:1") || isLoopbackRemote("10.0.0.1:1") {
		t.Fatalf("isLoopbackRemote mismatch")
	}
}

func TestObserveStreamsEventsAndMoves(t *testing.T) {
	w := testWorld(t)
	srv := httptest.NewServer(NewServer(w, nil).Handler())
	defer srv.Close()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			case <-time.After(5 * time.Millisecond):
				w.Step()
			}
		}
	}()
	defer func() {
		close(stop)
		wg.Wait()
	}()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/observe"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	sub := observerproto.SubscribeMsg{
		Type:            observerproto.TypeSubscribe,
		ProtocolVersion: observerproto.Version,
		ChunkRadius:     1,
		Kinds:           []stream.EventKind{stream.EventMeshBuilt},
	}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	read := func(wantType string) []byte {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				t.Fatalf("ReadMessage waiting for %s: %v", wantType, err)
			}
			var env observerproto.Envelope
			if err := json.Unmarshal(msg, &env); err != nil {
				t.Fatalf("bad message %s: %v", msg, err)
			}
			if env.Type == wantType {
				return msg
			}
		}
	}

	// The first TICK proves the subscription is live.
	read(observerproto.TypeTick)

	if err := w.SetBlock(2, 10, 2, 3); err != nil {
		t.Fatalf("SetBlock: %v", err)
	}
	var ev observerproto.EventMsg
	if err := json.Unmarshal(read(observerproto.TypeEvent), &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Event.Kind != stream.EventMeshBuilt || ev.Event.Coord != (stream.ChunkCoord{}) || ev.Event.Faces == 0 {
		t.Fatalf("event mismatch: %+v", ev.Event)
	}

	mv := observerproto.MoveMsg{
		Type:            observerproto.TypeMove,
		ProtocolVersion: observerproto.Version,
		Position:        [3]float32{40, 8, 0.5},
	}
	if err := conn.WriteJSON(mv); err != nil {
		t.Fatalf("WriteJSON move: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if w.Observer() == (mgl32.Vec3{40, 8, 0.5}) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("observer never moved: %v", w.Observer())
}

func TestHandshakeRequiresSubscribe(t *testing.T) {
	w := testWorld(t)
	srv := httptest.NewServer(NewServer(w, nil).Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/observe"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteJSON(observerproto.MoveMsg{Type: observerproto.TypeMove, ProtocolVersion: observerproto.Version}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	if err == nil {
		t.Fatalf("expected close")
	}
	if ok := asCloseError(err, &ce); !ok || ce.Code != websocket.ClosePolicyViolation {
		t.Fatalf("close mismatch: %v", err)
	}
}

func asCloseError(err error, out **websocket.CloseError) bool {
	ce, ok := err.(*websocket.CloseError)
	if ok {
		*out = ce
	}
	return ok
}
