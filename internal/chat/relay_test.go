package chat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/corvino/fieldchat/internal/backoff"
	"github.com/corvino/fieldchat/internal/history"
	"github.com/corvino/fieldchat/internal/protocol"
	"github.com/corvino/fieldchat/internal/server"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"
)

var _ = Describe("Controller against the dev relay", func() {
	var (
		hub   *server.Hub
		srv   *httptest.Server
		rec   *recorder
		store *history.MemoryStore
		ctrl  *Controller
	)

	post := func(path, body string) int {
		resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		return resp.StatusCode
	}

	roomBodies := func() []string {
		room := hub.GetRoom("rec-1")
		if room == nil {
			return nil
		}
		var out []string
		for _, f := range room.Messages() {
			out = append(out, f.Message)
		}
		return out
	}

	BeforeEach(func() {
		node, err := snowflake.NewNode(7)
		Expect(err).NotTo(HaveOccurred())
		hub = server.NewHub(100, node, zerolog.Nop())
		srv = httptest.NewServer(server.Router(hub))
		rec = &recorder{}

		cfg := DefaultConfig(srv.URL, "dev-1", "rec-1")
		cfg.Backoff = backoff.Policy{Base: 50 * time.Millisecond, Max: 200 * time.Millisecond, CapExponent: 2, MaxAttempts: 10}
		cfg.DrainInterval = 10 * time.Millisecond
		store = history.NewMemoryStore()
		ctrl, err = New(cfg, rec, WithStore(store))
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		ctrl.ClosePermanently()
		srv.Close()
	})

	It("exchanges messages and survives a server-side drop", func() {
		ctrl.Start()
		Eventually(ctrl.State, 5*time.Second).Should(Equal(Connected))

		Expect(post("/api/rooms/rec-1/messages", `{"message":"check valve 3"}`)).To(Equal(http.StatusCreated))
		Eventually(rec.bodies, 5*time.Second).Should(Equal([]string{"check valve 3"}))

		ctrl.Send("valve checked")
		Eventually(roomBodies, 5*time.Second).Should(Equal([]string{"check valve 3", "valve checked"}))

		Expect(post("/api/rooms/rec-1/kick?code=1001&reason=restart", "")).To(Equal(http.StatusOK))
		Eventually(rec.connectedCount, 5*time.Second).Should(Equal(2))
		Expect(ctrl.State()).To(Equal(Connected))

		// The reconnect backfills history. Ids already seen stay hidden and
		// the device's own message confirms its local copy.
		Expect(post("/api/rooms/rec-1/messages", `{"message":"thanks"}`)).To(Equal(http.StatusCreated))
		Eventually(rec.bodies, 5*time.Second).Should(Equal([]string{"check valve 3", "thanks"}))
		Consistently(rec.bodies, 200*time.Millisecond).Should(HaveLen(2))

		Eventually(func() []protocol.ChatMessage {
			msgs, _ := store.LoadHistory(context.Background(), "rec-1")
			var own []protocol.ChatMessage
			for _, m := range msgs {
				if m.Body == "valve checked" {
					own = append(own, m)
				}
			}
			return own
		}, 5*time.Second).Should(ConsistOf(HaveField("ID", Not(BeEmpty()))))
	})

	It("flushes messages composed while the relay was unreachable", func() {
		ctrl.Send("first")
		ctrl.Send("second")
		Eventually(rec.queuedBodies).Should(Equal([]string{"first", "second"}))

		ctrl.Connect()
		Eventually(roomBodies, 5*time.Second).Should(Equal([]string{"first", "second"}))
	})

	It("stops for good when the relay refuses the device", func() {
		hub.Deny("dev-1")
		ctrl.Connect()

		Eventually(rec.errors, 5*time.Second).Should(ConsistOf(ContainSubstring("authentication rejected")))
		Consistently(ctrl.State, 300*time.Millisecond).Should(Equal(Disconnected))
	})
})
